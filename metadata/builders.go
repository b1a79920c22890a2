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

package metadata

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
)

// TestKey is a generated Ed25519 keypair used to build and sign test
// metadata instances.
type TestKey struct {
	Public  *Key
	private ed25519.PrivateKey
}

// NewTestKey generates a fresh Ed25519 TestKey.
func NewTestKey() (*TestKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	key, err := NewEd25519Key(pub)
	if err != nil {
		return nil, err
	}
	return &TestKey{Public: key, private: priv}, nil
}

// Signer returns a signature.Signer usable with Metadata.Sign.
func (k *TestKey) Signer() (signature.Signer, error) {
	return signature.LoadSigner(k.private, crypto.Hash(0))
}

// SignRoot signs a Root document with this key and returns the updated
// document (for fluent chaining in tests).
func (k *TestKey) SignRoot(m *Metadata[RootType]) (*Metadata[RootType], error) {
	s, err := k.Signer()
	if err != nil {
		return nil, err
	}
	if _, err := m.Sign(s, SchemeEd25519); err != nil {
		return nil, err
	}
	return m, nil
}

func (k *TestKey) SignTimestamp(m *Metadata[TimestampType]) (*Metadata[TimestampType], error) {
	s, err := k.Signer()
	if err != nil {
		return nil, err
	}
	if _, err := m.Sign(s, SchemeEd25519); err != nil {
		return nil, err
	}
	return m, nil
}

func (k *TestKey) SignSnapshot(m *Metadata[SnapshotType]) (*Metadata[SnapshotType], error) {
	s, err := k.Signer()
	if err != nil {
		return nil, err
	}
	if _, err := m.Sign(s, SchemeEd25519); err != nil {
		return nil, err
	}
	return m, nil
}

func (k *TestKey) SignTargets(m *Metadata[TargetsType]) (*Metadata[TargetsType], error) {
	s, err := k.Signer()
	if err != nil {
		return nil, err
	}
	if _, err := m.Sign(s, SchemeEd25519); err != nil {
		return nil, err
	}
	return m, nil
}

// RootBuilder assembles a Root document for tests, mirroring
// original_source/src/tuf.rs's RootMetadataBuilder fluent API.
type RootBuilder struct {
	root *Metadata[RootType]
}

func NewRootBuilder() *RootBuilder {
	return &RootBuilder{root: Root()}
}

func (b *RootBuilder) Version(v int64) *RootBuilder {
	b.root.Signed.Version = v
	return b
}

func (b *RootBuilder) Expires(t time.Time) *RootBuilder {
	b.root.Signed.Expires = t
	return b
}

func (b *RootBuilder) RootKey(k *TestKey) *RootBuilder {
	_ = b.root.Signed.AddKey(k.Public, ROOT)
	return b
}

func (b *RootBuilder) SnapshotKey(k *TestKey) *RootBuilder {
	_ = b.root.Signed.AddKey(k.Public, SNAPSHOT)
	return b
}

func (b *RootBuilder) TargetsKey(k *TestKey) *RootBuilder {
	_ = b.root.Signed.AddKey(k.Public, TARGETS)
	return b
}

func (b *RootBuilder) TimestampKey(k *TestKey) *RootBuilder {
	_ = b.root.Signed.AddKey(k.Public, TIMESTAMP)
	return b
}

// Signed returns the built (not yet signed) document.
func (b *RootBuilder) Signed() *Metadata[RootType] {
	return b.root
}

// SnapshotBuilder assembles a Snapshot document for tests.
type SnapshotBuilder struct {
	snapshot *Metadata[SnapshotType]
}

func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{snapshot: Snapshot()}
}

func (b *SnapshotBuilder) Version(v int64) *SnapshotBuilder {
	b.snapshot.Signed.Version = v
	return b
}

func (b *SnapshotBuilder) Expires(t time.Time) *SnapshotBuilder {
	b.snapshot.Signed.Expires = t
	return b
}

// InsertTargetsVersion records what version of the top-level targets role
// this snapshot describes.
func (b *SnapshotBuilder) InsertTargetsVersion(v int64) *SnapshotBuilder {
	b.snapshot.Signed.Meta["targets.json"] = MetaFileDescription{Version: v}
	return b
}

// InsertDelegationVersion records what version of a delegated role's
// metadata file this snapshot describes.
func (b *SnapshotBuilder) InsertDelegationVersion(role string, v int64) *SnapshotBuilder {
	b.snapshot.Signed.Meta[role+".json"] = MetaFileDescription{Version: v}
	return b
}

func (b *SnapshotBuilder) Signed() *Metadata[SnapshotType] {
	return b.snapshot
}

// TimestampBuilder assembles a Timestamp document for tests.
type TimestampBuilder struct {
	timestamp *Metadata[TimestampType]
}

func NewTimestampBuilder() *TimestampBuilder {
	return &TimestampBuilder{timestamp: Timestamp()}
}

func (b *TimestampBuilder) Version(v int64) *TimestampBuilder {
	b.timestamp.Signed.Version = v
	return b
}

func (b *TimestampBuilder) Expires(t time.Time) *TimestampBuilder {
	b.timestamp.Signed.Expires = t
	return b
}

// FromSnapshot sets this timestamp's snapshot description to match snap's
// current version, mirroring TimestampMetadataBuilder::from_snapshot.
func (b *TimestampBuilder) FromSnapshot(snap *Metadata[SnapshotType]) *TimestampBuilder {
	b.timestamp.Signed.Meta["snapshot.json"] = MetaFileDescription{Version: snap.Signed.Version}
	return b
}

func (b *TimestampBuilder) Signed() *Metadata[TimestampType] {
	return b.timestamp
}

// TargetsBuilder assembles a Targets (or delegated targets) document for
// tests.
type TargetsBuilder struct {
	targets *Metadata[TargetsType]
}

func NewTargetsBuilder() *TargetsBuilder {
	return &TargetsBuilder{targets: Targets()}
}

func (b *TargetsBuilder) Version(v int64) *TargetsBuilder {
	b.targets.Signed.Version = v
	return b
}

func (b *TargetsBuilder) Expires(t time.Time) *TargetsBuilder {
	b.targets.Signed.Expires = t
	return b
}

func (b *TargetsBuilder) InsertTarget(path string, desc TargetDescription) *TargetsBuilder {
	b.targets.Signed.Targets[path] = desc
	return b
}

// Delegate authorizes role (signed by key, at threshold, for paths) as a
// delegation of this Targets document.
func (b *TargetsBuilder) Delegate(role string, key *TestKey, threshold int, terminating bool, paths []string) *TargetsBuilder {
	if b.targets.Signed.Delegations == nil {
		b.targets.Signed.Delegations = &Delegations{Keys: map[string]*Key{}, Roles: []DelegatedRole{}}
	}
	b.targets.Signed.Delegations.Keys[key.Public.ID()] = key.Public
	b.targets.Signed.Delegations.Roles = append(b.targets.Signed.Delegations.Roles, DelegatedRole{
		Name:        role,
		KeyIDs:      []string{key.Public.ID()},
		Threshold:   threshold,
		Terminating: terminating,
		Paths:       paths,
	})
	return b
}

func (b *TargetsBuilder) Signed() *Metadata[TargetsType] {
	return b.targets
}
