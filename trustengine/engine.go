// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

// Package trustengine holds verified TUF metadata state and enforces the
// threshold-signature, version-monotonicity, expiration, and
// delegation-traversal rules that make that state trustworthy. It knows
// nothing about how metadata bytes are fetched or cached; callers hand it
// already-downloaded metadata and it either accepts, rejects, or discards
// it as a no-op update.
package trustengine

import (
	"fmt"

	"github.com/tufdev/go-tuf-metadata/metadata"
	log "github.com/sirupsen/logrus"
)

// Engine is the trust engine: the set of verified root/timestamp/snapshot/
// targets/delegations metadata an Updater-style caller accumulates over
// time, and the rules used to accept new metadata into that set.
type Engine struct {
	root      *metadata.Metadata[metadata.RootType]
	timestamp *metadata.Metadata[metadata.TimestampType]
	snapshot  *metadata.Metadata[metadata.SnapshotType]
	targets   *metadata.Metadata[metadata.TargetsType]

	delegations map[string]*metadata.Metadata[metadata.TargetsType]
	clock       Clock
}

func newEngine(root *metadata.Metadata[metadata.RootType], opts []Option) *Engine {
	e := &Engine{
		root:        root,
		delegations: map[string]*metadata.Metadata[metadata.TargetsType]{},
		clock:       SystemClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromRootWithTrustedKeys builds an Engine from a signed root document that
// must be signed by at least rootThreshold of rootKeys. It is not required
// that the root document list these keys itself; this is the strong-trust
// constructor, to be preferred over FromTrustedRoot whenever an
// out-of-band trusted key set is available.
func FromRootWithTrustedKeys(signedRoot *metadata.Metadata[metadata.RootType], rootThreshold int, rootKeys map[string]*metadata.Key, opts ...Option) (*Engine, error) {
	if err := signedRoot.VerifyThreshold(rootKeys, rootThreshold); err != nil {
		return nil, err
	}
	return fromTrustedRoot(signedRoot, opts)
}

// FromTrustedRoot builds an Engine from a root document that is assumed to
// already be trusted (trust-on-first-use). It re-verifies the document
// against its own embedded root keys purely for self-consistency; this
// offers weaker guarantees than FromRootWithTrustedKeys because an attacker
// controlling the initial root document controls the keys it is checked
// against too.
func FromTrustedRoot(signedRoot *metadata.Metadata[metadata.RootType], opts ...Option) (*Engine, error) {
	return fromTrustedRoot(signedRoot, opts)
}

func fromTrustedRoot(signedRoot *metadata.Metadata[metadata.RootType], opts []Option) (*Engine, error) {
	def, ok := signedRoot.Signed.Roles[metadata.ROOT]
	if !ok {
		return nil, &metadata.DecodeError{Reason: "root metadata is missing its own role definition"}
	}
	candidates := candidateKeys(signedRoot.Signed.Keys, def.KeyIDs)
	if err := signedRoot.VerifyThreshold(candidates, def.Threshold); err != nil {
		return nil, err
	}
	log.Debugf("Trusting root metadata at version %d\n", signedRoot.Signed.Version)
	return newEngine(signedRoot, opts), nil
}

// candidateKeys filters keys down to the ones named by keyIDs.
func candidateKeys(keys map[string]*metadata.Key, keyIDs []string) map[string]*metadata.Key {
	out := map[string]*metadata.Key{}
	for _, id := range keyIDs {
		if k, ok := keys[id]; ok {
			out[id] = k
		}
	}
	return out
}

// Root returns the currently trusted root metadata.
func (e *Engine) Root() *metadata.Metadata[metadata.RootType] { return e.root }

// Timestamp returns the currently trusted timestamp metadata, or nil if
// none has been loaded yet.
func (e *Engine) Timestamp() *metadata.Metadata[metadata.TimestampType] { return e.timestamp }

// Snapshot returns the currently trusted snapshot metadata, or nil.
func (e *Engine) Snapshot() *metadata.Metadata[metadata.SnapshotType] { return e.snapshot }

// Targets returns the currently trusted top-level targets metadata, or nil.
func (e *Engine) Targets() *metadata.Metadata[metadata.TargetsType] { return e.targets }

// Delegation returns the currently trusted metadata for a delegated role,
// or nil if it has not been loaded (or has been purged).
func (e *Engine) Delegation(role string) *metadata.Metadata[metadata.TargetsType] {
	return e.delegations[role]
}

func (e *Engine) currentTimestampVersion() int64 {
	if e.timestamp == nil {
		return 0
	}
	return e.timestamp.Signed.Version
}

func (e *Engine) currentSnapshotVersion() int64 {
	if e.snapshot == nil {
		return 0
	}
	return e.snapshot.Signed.Version
}

func (e *Engine) currentTargetsVersion() int64 {
	if e.targets == nil {
		return 0
	}
	return e.targets.Signed.Version
}

func (e *Engine) currentDelegationVersion(role string) int64 {
	d, ok := e.delegations[role]
	if !ok {
		return 0
	}
	return d.Signed.Version
}

// UpdateRoot verifies signedRoot is a legitimate successor to the currently
// trusted root (signed by the old root's keys, a strictly higher version,
// and also signed by the new root's own keys) and, if so, installs it and
// purges every piece of metadata that depended on the old root. Returns
// false (with no error) if signedRoot has the same version as the current
// root: this is a no-op, not a failure.
func (e *Engine) UpdateRoot(signedRoot *metadata.Metadata[metadata.RootType]) (bool, error) {
	oldDef := e.root.Signed.Roles[metadata.ROOT]
	oldCandidates := candidateKeys(e.root.Signed.Keys, oldDef.KeyIDs)
	if err := signedRoot.VerifyThreshold(oldCandidates, oldDef.Threshold); err != nil {
		return false, err
	}

	if signedRoot.Signed.Version == e.root.Signed.Version {
		log.Infof("Attempted to update root to new metadata with the same version. Refusing to update.\n")
		return false, nil
	}
	if signedRoot.Signed.Version < e.root.Signed.Version {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("Attempted to roll back root metadata at version %d to %d.", e.root.Signed.Version, signedRoot.Signed.Version)}
	}

	newDef := signedRoot.Signed.Roles[metadata.ROOT]
	newCandidates := candidateKeys(signedRoot.Signed.Keys, newDef.KeyIDs)
	if err := signedRoot.VerifyThreshold(newCandidates, newDef.Threshold); err != nil {
		return false, err
	}

	e.purgeMetadata()
	e.root = signedRoot
	log.Debugf("Root metadata updated to version %d\n", signedRoot.Signed.Version)
	return true, nil
}

func (e *Engine) purgeMetadata() {
	e.snapshot = nil
	e.targets = nil
	e.timestamp = nil
	e.delegations = map[string]*metadata.Metadata[metadata.TargetsType]{}
}

// UpdateTimestamp verifies signedTimestamp was signed by the current root's
// timestamp role, is unexpired, and carries a version at least as high as
// the one currently trusted. A same-version update is a no-op (returns
// nil, nil); a newer timestamp whose snapshot pointer differs from the
// cached snapshot's version invalidates that snapshot, since the timestamp
// is no longer vouching for it. Returns the newly installed timestamp when
// it advanced.
func (e *Engine) UpdateTimestamp(signedTimestamp *metadata.Metadata[metadata.TimestampType]) (*metadata.Metadata[metadata.TimestampType], error) {
	root, err := e.safeRoot()
	if err != nil {
		return nil, err
	}

	def := root.Signed.Roles[metadata.TIMESTAMP]
	candidates := candidateKeys(root.Signed.Keys, def.KeyIDs)
	if err := signedTimestamp.VerifyThreshold(candidates, def.Threshold); err != nil {
		return nil, err
	}

	if signedTimestamp.Signed.IsExpired(e.clock.Now()) {
		return nil, &metadata.ExpiredMetadataError{Role: metadata.TIMESTAMP}
	}

	current := e.currentTimestampVersion()
	if signedTimestamp.Signed.Version < current {
		return nil, &metadata.VerificationFailure{Reason: fmt.Sprintf("Attempted to roll back timestamp metadata at version %d to %d.", current, signedTimestamp.Signed.Version)}
	}
	if signedTimestamp.Signed.Version == current {
		return nil, nil
	}

	newSnapshotDesc, _ := signedTimestamp.Signed.SnapshotDescription()
	if e.currentSnapshotVersion() != newSnapshotDesc.Version {
		e.snapshot = nil
	}

	e.timestamp = signedTimestamp
	log.Debugf("Timestamp metadata updated to version %d\n", signedTimestamp.Signed.Version)
	return e.timestamp, nil
}

// UpdateSnapshot verifies signedSnapshot against the root's snapshot role
// and against the version the trusted timestamp claims, then installs it
// and purges any delegation whose cached version has outrun what this
// snapshot now describes. Expiration is deliberately NOT checked here: an
// expired snapshot must still be installed so that later targets/delegation
// updates can detect rollback, matching the upstream rationale.
func (e *Engine) UpdateSnapshot(signedSnapshot *metadata.Metadata[metadata.SnapshotType]) (bool, error) {
	root, err := e.safeRoot()
	if err != nil {
		return false, err
	}
	timestamp, err := e.safeTimestamp()
	if err != nil {
		return false, err
	}

	claimed, _ := timestamp.Signed.SnapshotDescription()
	current := e.currentSnapshotVersion()
	if claimed.Version < current {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("Attempted to roll back snapshot metadata at version %d to %d.", current, claimed.Version)}
	}
	if claimed.Version == current {
		return false, nil
	}

	def := root.Signed.Roles[metadata.SNAPSHOT]
	candidates := candidateKeys(root.Signed.Keys, def.KeyIDs)
	if err := signedSnapshot.VerifyThreshold(candidates, def.Threshold); err != nil {
		return false, err
	}

	if signedSnapshot.Signed.Version != claimed.Version {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("The timestamp metadata reported that the snapshot metadata should be at version %d but version %d was found instead.", claimed.Version, signedSnapshot.Signed.Version)}
	}

	newTargetsDesc, _ := signedSnapshot.Signed.TargetsDescription()
	if e.currentTargetsVersion() != newTargetsDesc.Version {
		e.targets = nil
	}

	e.snapshot = signedSnapshot
	e.purgeDelegations()
	log.Debugf("Snapshot metadata updated to version %d\n", signedSnapshot.Signed.Version)
	return true, nil
}

func (e *Engine) purgeDelegations() {
	if e.snapshot == nil {
		return
	}
	purge := []string{}
	for role, existing := range e.delegations {
		def, ok := e.snapshot.Signed.Meta[role+".json"]
		if !ok {
			continue
		}
		if existing.Signed.Version > def.Version {
			purge = append(purge, role)
		}
	}
	for _, role := range purge {
		delete(e.delegations, role)
	}
}

// UpdateTargets verifies signedTargets against the root's targets role and
// against the version the trusted snapshot claims for the top-level
// targets role, then installs it.
func (e *Engine) UpdateTargets(signedTargets *metadata.Metadata[metadata.TargetsType]) (bool, error) {
	root, err := e.safeRoot()
	if err != nil {
		return false, err
	}
	snapshot, err := e.safeSnapshot()
	if err != nil {
		return false, err
	}

	desc, ok := snapshot.Signed.TargetsDescription()
	if !ok {
		return false, &metadata.VerificationFailure{Reason: "Snapshot metadata had no description of the targets metadata"}
	}

	current := e.currentTargetsVersion()
	if desc.Version < current {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("Attempted to roll back targets metadata at version %d to %d.", current, desc.Version)}
	}
	if desc.Version == current {
		return false, nil
	}

	def := root.Signed.Roles[metadata.TARGETS]
	candidates := candidateKeys(root.Signed.Keys, def.KeyIDs)
	if err := signedTargets.VerifyThreshold(candidates, def.Threshold); err != nil {
		return false, err
	}

	if signedTargets.Signed.Version != desc.Version {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("The snapshot metadata reported that the targets metadata should be at version %d but version %d was found instead.", desc.Version, signedTargets.Signed.Version)}
	}

	if signedTargets.Signed.IsExpired(e.clock.Now()) {
		return false, &metadata.ExpiredMetadataError{Role: metadata.TARGETS}
	}

	e.targets = signedTargets
	log.Debugf("Targets metadata updated to version %d\n", signedTargets.Signed.Version)
	return true, nil
}

// findDelegation looks up role's authorized keys and delegation record as
// seen from parentRole's own Delegations section. parentRole must name
// either the top-level targets role or an already-loaded delegation: this
// core never trusts a caller-supplied parent blindly, since doing so would
// let an attacker claim any already-loaded role vouches for an arbitrary
// delegation it never actually named.
func (e *Engine) findDelegation(parentRole, role string) (map[string]*metadata.Key, *metadata.DelegatedRole, error) {
	var parent *metadata.TargetsType
	if parentRole == metadata.TARGETS {
		if e.targets == nil {
			return nil, nil, nil
		}
		parent = &e.targets.Signed
	} else {
		d, ok := e.delegations[parentRole]
		if !ok {
			return nil, nil, nil
		}
		parent = &d.Signed
	}

	if parent.Delegations == nil {
		return nil, nil, nil
	}

	for i := range parent.Delegations.Roles {
		delegation := parent.Delegations.Roles[i]
		if delegation.Name != role {
			continue
		}
		authorized := candidateKeys(parent.Delegations.Keys, delegation.KeyIDs)
		return authorized, &delegation, nil
	}
	return nil, nil, nil
}

// UpdateDelegation verifies signedDelegation as the delegated role role,
// as vouched for by parentRole, against the snapshot's claimed version for
// role, then installs it. parentRole must be the top-level targets role or
// an already-loaded delegation (see findDelegation).
func (e *Engine) UpdateDelegation(parentRole, role string, signedDelegation *metadata.Metadata[metadata.TargetsType]) (bool, error) {
	if _, err := e.safeRoot(); err != nil {
		return false, err
	}
	snapshot, err := e.safeSnapshot()
	if err != nil {
		return false, err
	}
	targets, err := e.safeTargets()
	if err != nil {
		return false, err
	}
	if targets.Signed.Delegations == nil {
		return false, &metadata.VerificationFailure{Reason: "Delegations not authorized"}
	}

	desc, ok := snapshot.Signed.Meta[role+".json"]
	if !ok {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("The delegated role %q was not present in the snapshot metadata.", role)}
	}

	current := e.currentDelegationVersion(role)
	if desc.Version < current {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("Snapshot metadata listed delegation %q version as %d but current version is %d", role, desc.Version, current)}
	}

	keys, delegation, err := e.findDelegation(parentRole, role)
	if err != nil {
		return false, err
	}
	if delegation == nil {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("The delegated role %q is not known to the base targets metadata or any known delegated targets metadata", role)}
	}
	if err := signedDelegation.VerifyThreshold(keys, delegation.Threshold); err != nil {
		return false, err
	}

	if current == desc.Version {
		return false, nil
	}

	if signedDelegation.Signed.Version != desc.Version {
		return false, &metadata.VerificationFailure{Reason: fmt.Sprintf("The snapshot metadata reported that the delegation %q should be at version %d but version %d was found instead.", role, desc.Version, signedDelegation.Signed.Version)}
	}

	if signedDelegation.Signed.IsExpired(e.clock.Now()) {
		return false, &metadata.ExpiredMetadataError{Role: role}
	}

	e.delegations[role] = signedDelegation
	log.Debugf("Delegation %s updated to version %d\n", role, signedDelegation.Signed.Version)
	return true, nil
}

// TargetDescription returns the description needed to verify the target at
// targetPath, searching the top-level targets metadata first and then
// walking the delegation graph (see delegation.go). Returns
// TargetUnavailableError if no trusted metadata names targetPath.
func (e *Engine) TargetDescription(targetPath string) (*metadata.TargetDescription, error) {
	if _, err := e.safeRoot(); err != nil {
		return nil, err
	}
	if _, err := e.safeSnapshot(); err != nil {
		return nil, err
	}
	targets, err := e.safeTargets()
	if err != nil {
		return nil, err
	}

	if d, ok := targets.Signed.Targets[targetPath]; ok {
		return &d, nil
	}

	if targets.Signed.Delegations == nil {
		return nil, &metadata.TargetUnavailableError{Path: targetPath}
	}

	visited := map[string]bool{}
	_, desc := e.resolveDelegation(false, 0, targetPath, targets.Signed.Delegations, nil, visited)
	if desc == nil {
		return nil, &metadata.TargetUnavailableError{Path: targetPath}
	}
	return desc, nil
}

func (e *Engine) safeRoot() (*metadata.Metadata[metadata.RootType], error) {
	if e.root.Signed.IsExpired(e.clock.Now()) {
		return nil, &metadata.ExpiredMetadataError{Role: metadata.ROOT}
	}
	return e.root, nil
}

func (e *Engine) safeSnapshot() (*metadata.Metadata[metadata.SnapshotType], error) {
	if e.snapshot == nil {
		return nil, &metadata.MissingMetadataError{Role: metadata.SNAPSHOT}
	}
	if e.snapshot.Signed.IsExpired(e.clock.Now()) {
		return nil, &metadata.ExpiredMetadataError{Role: metadata.SNAPSHOT}
	}
	return e.snapshot, nil
}

func (e *Engine) safeTargets() (*metadata.Metadata[metadata.TargetsType], error) {
	if e.targets == nil {
		return nil, &metadata.MissingMetadataError{Role: metadata.TARGETS}
	}
	if e.targets.Signed.IsExpired(e.clock.Now()) {
		return nil, &metadata.ExpiredMetadataError{Role: metadata.TARGETS}
	}
	return e.targets, nil
}

func (e *Engine) safeTimestamp() (*metadata.Metadata[metadata.TimestampType], error) {
	if e.timestamp == nil {
		return nil, &metadata.MissingMetadataError{Role: metadata.TIMESTAMP}
	}
	if e.timestamp.Signed.IsExpired(e.clock.Now()) {
		return nil, &metadata.ExpiredMetadataError{Role: metadata.TIMESTAMP}
	}
	return e.timestamp, nil
}
