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
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"

	"github.com/pkg/errors"
	"github.com/sigstore/sigstore/pkg/signature"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Metadata is a signed metadata document: the Signed payload plus the
// signatures over its canonical encoding.
type Metadata[T Roles] struct {
	Signed     T           `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// firstOrNow picks the first override in expires, defaulting to the current
// instant when the caller didn't supply one.
func firstOrNow(expires []time.Time) time.Time {
	if len(expires) > 0 {
		return expires[0]
	}
	return time.Now().UTC()
}

// envelope wraps a freshly built Signed payload in an unsigned Metadata
// document.
func envelope[T Roles](signed T) *Metadata[T] {
	return &Metadata[T]{Signed: signed, Signatures: []Signature{}}
}

// Root returns a new, empty Root metadata document at version 1, with every
// top-level role present but keyless.
func Root(expires ...time.Time) *Metadata[RootType] {
	expiry := firstOrNow(expires)

	roles := make(map[string]*RoleDef, 4)
	for _, r := range []string{ROOT, SNAPSHOT, TARGETS, TIMESTAMP} {
		roles[r] = &RoleDef{KeyIDs: []string{}, Threshold: 1}
	}

	log.Debugf("new root metadata at version 1, expires %s", expiry)
	return envelope(RootType{
		Type:               ROOT,
		SpecVersion:        SPECIFICATION_VERSION,
		Version:            1,
		Expires:            expiry,
		Keys:               map[string]*Key{},
		Roles:              roles,
		ConsistentSnapshot: true,
	})
}

// Snapshot returns a new, empty Snapshot metadata document at version 1,
// already pointing at a hypothetical targets.json version 1.
func Snapshot(expires ...time.Time) *Metadata[SnapshotType] {
	expiry := firstOrNow(expires)
	meta := map[string]MetaFileDescription{"targets.json": {Version: 1}}

	log.Debugf("new snapshot metadata at version 1, expires %s", expiry)
	return envelope(SnapshotType{
		Type:        SNAPSHOT,
		SpecVersion: SPECIFICATION_VERSION,
		Version:     1,
		Expires:     expiry,
		Meta:        meta,
	})
}

// Timestamp returns a new, empty Timestamp metadata document at version 1,
// already pointing at a hypothetical snapshot.json version 1.
func Timestamp(expires ...time.Time) *Metadata[TimestampType] {
	expiry := firstOrNow(expires)
	meta := map[string]MetaFileDescription{"snapshot.json": {Version: 1}}

	log.Debugf("new timestamp metadata at version 1, expires %s", expiry)
	return envelope(TimestampType{
		Type:        TIMESTAMP,
		SpecVersion: SPECIFICATION_VERSION,
		Version:     1,
		Expires:     expiry,
		Meta:        meta,
	})
}

// Targets returns a new, empty Targets metadata document at version 1, with
// no target entries and no delegations.
func Targets(expires ...time.Time) *Metadata[TargetsType] {
	signed := TargetsType{
		Type:        TARGETS,
		SpecVersion: SPECIFICATION_VERSION,
		Version:     1,
		Expires:     firstOrNow(expires),
		Targets:     map[string]TargetDescription{},
	}
	log.Debugf("new targets metadata at version 1, expires %s", signed.Expires)
	return envelope(signed)
}

// FromBytes deserializes a Metadata[T] document from bytes, verifying
// that its "_type" field matches T, that signature key IDs are unique,
// and (for RootType) that the document's own internal invariants hold.
// This is the only path by which a document is constructed from untrusted
// input.
func FromBytes[T Roles](data []byte) (*Metadata[T], error) {
	if err := checkType[T](data); err != nil {
		return nil, err
	}
	meta := &Metadata[T]{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, &DecodeError{Reason: errors.Wrap(err, "malformed metadata document").Error()}
	}
	if err := checkUniqueSignatures(meta.Signatures); err != nil {
		return nil, err
	}
	if err := validateSigned(any(&meta.Signed)); err != nil {
		return nil, err
	}
	return meta, nil
}

// ToBytes serializes the metadata document.
func (meta *Metadata[T]) ToBytes(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(*meta, "", "\t")
	}
	return json.Marshal(*meta)
}

// ClearSignatures discards all signatures on this document.
func (meta *Metadata[T]) ClearSignatures() {
	meta.Signatures = []Signature{}
}

// Sign signs the canonical encoding of Signed with signer and appends the
// resulting signature.
func (meta *Metadata[T]) Sign(signer signature.Signer, scheme KeyScheme) (*Signature, error) {
	payload, err := canonicalize(meta.Signed)
	if err != nil {
		return nil, err
	}
	sigBytes, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "signing metadata")
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := keyFromStdlibPublicKey(pub, scheme)
	if err != nil {
		return nil, err
	}
	sig := Signature{KeyID: key.ID(), Scheme: scheme, Sig: sigBytes}
	meta.Signatures = append(meta.Signatures, sig)
	return &sig, nil
}

// VerifyThreshold checks this document's signatures against keys at the
// given threshold, canonicalizing Signed fresh each call.
func (meta *Metadata[T]) VerifyThreshold(keys map[string]*Key, threshold int) error {
	payload, err := canonicalize(meta.Signed)
	if err != nil {
		return err
	}
	return VerifyThreshold(payload, keys, meta.Signatures, threshold)
}

// IsExpired reports whether referenceTime is at or after this role's
// Expires instant.
func (s *RootType) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(s.Expires)
}

func (s *TimestampType) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(s.Expires)
}

func (s *SnapshotType) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(s.Expires)
}

func (s *TargetsType) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(s.Expires)
}

// roleDef looks up the role definition for role, or an IllegalArgumentError
// if root has no such role.
func (signed *RootType) roleDef(role string) (*RoleDef, error) {
	def, ok := signed.Roles[role]
	if !ok {
		return nil, &IllegalArgumentError{Reason: fmt.Sprintf("role %s doesn't exist", role)}
	}
	return def, nil
}

// AddKey adds key as a signer for role, creating the membership if not
// already present. The key is always recorded in the shared Keys map even
// if it was already a signer for role.
func (signed *RootType) AddKey(key *Key, role string) error {
	def, err := signed.roleDef(role)
	if err != nil {
		return err
	}
	signed.Keys[key.ID()] = key
	if slices.Contains(def.KeyIDs, key.ID()) {
		return nil
	}
	def.KeyIDs = append(def.KeyIDs, key.ID())
	return nil
}

// RevokeKey removes keyID as a signer for role. If no remaining role still
// lists keyID as a signer, the key is also dropped from the shared Keys map.
func (signed *RootType) RevokeKey(keyID, role string) error {
	def, err := signed.roleDef(role)
	if err != nil {
		return err
	}
	if !slices.Contains(def.KeyIDs, keyID) {
		return &IllegalArgumentError{Reason: fmt.Sprintf("key %s is not used by %s", keyID, role)}
	}

	kept := make([]string, 0, len(def.KeyIDs)-1)
	for _, existing := range def.KeyIDs {
		if existing != keyID {
			kept = append(kept, existing)
		}
	}
	def.KeyIDs = kept

	stillInUse := false
	for _, other := range signed.Roles {
		stillInUse = stillInUse || slices.Contains(other.KeyIDs, keyID)
	}
	if !stillInUse {
		delete(signed.Keys, keyID)
	}
	return nil
}

// Validate checks the root metadata invariants: every key_id referenced
// by a role must exist in Keys, and threshold must not exceed the number
// of key IDs.
func (signed *RootType) Validate() error {
	for _, roleName := range []string{ROOT, SNAPSHOT, TARGETS, TIMESTAMP} {
		def, ok := signed.Roles[roleName]
		if !ok {
			return &DecodeError{Reason: fmt.Sprintf("root metadata is missing role definition for %s", roleName)}
		}
		if def.Threshold < 1 {
			return &DecodeError{Reason: fmt.Sprintf("role %s has threshold below 1", roleName)}
		}
		if def.Threshold > len(def.KeyIDs) {
			return &DecodeError{Reason: fmt.Sprintf("role %s has threshold %d greater than its %d key IDs", roleName, def.Threshold, len(def.KeyIDs))}
		}
		for _, kid := range def.KeyIDs {
			if _, ok := signed.Keys[kid]; !ok {
				return &DecodeError{Reason: fmt.Sprintf("role %s references unknown key %s", roleName, kid)}
			}
		}
	}
	if signed.Version < 1 {
		return &DecodeError{Reason: "version must be >= 1"}
	}
	return nil
}

func validateSigned(signed any) error {
	switch s := signed.(type) {
	case *RootType:
		return s.Validate()
	case *SnapshotType:
		if s.Version < 1 {
			return &DecodeError{Reason: "version must be >= 1"}
		}
	case *TimestampType:
		if s.Version < 1 {
			return &DecodeError{Reason: "version must be >= 1"}
		}
	case *TargetsType:
		if s.Version < 1 {
			return &DecodeError{Reason: "version must be >= 1"}
		}
	}
	return nil
}

// checkUniqueSignatures verifies there is at most one signature per key ID.
func checkUniqueSignatures(sigs []Signature) error {
	seen := []string{}
	for _, sig := range sigs {
		if slices.Contains(seen, sig.KeyID) {
			return &DecodeError{Reason: fmt.Sprintf("multiple signatures found for key ID %s", sig.KeyID)}
		}
		seen = append(seen, sig.KeyID)
	}
	return nil
}

// checkType verifies the metadata's "_type" field matches the Go type
// parameter being decoded into.
func checkType[T Roles](data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return &DecodeError{Reason: errors.Wrap(err, "malformed metadata envelope").Error()}
	}
	signedRaw, ok := m["signed"].(map[string]any)
	if !ok {
		return &DecodeError{Reason: "metadata is missing a signed payload"}
	}
	signedType, ok := signedRaw["_type"].(string)
	if !ok {
		return &DecodeError{Reason: "signed payload is missing _type"}
	}

	want := any(new(T))
	switch want.(type) {
	case *RootType:
		if signedType != ROOT {
			return &DecodeError{Reason: fmt.Sprintf("expected metadata type %s, got %s", ROOT, signedType)}
		}
	case *SnapshotType:
		if signedType != SNAPSHOT {
			return &DecodeError{Reason: fmt.Sprintf("expected metadata type %s, got %s", SNAPSHOT, signedType)}
		}
	case *TimestampType:
		if signedType != TIMESTAMP {
			return &DecodeError{Reason: fmt.Sprintf("expected metadata type %s, got %s", TIMESTAMP, signedType)}
		}
	case *TargetsType:
		if signedType != TARGETS {
			return &DecodeError{Reason: fmt.Sprintf("expected metadata type %s, got %s", TARGETS, signedType)}
		}
	default:
		return &DecodeError{Reason: fmt.Sprintf("unrecognized metadata type %s", signedType)}
	}
	return nil
}

// verifyLength checks that data is exactly length bytes long.
func verifyLength(data []byte, length int64) error {
	if int64(len(data)) != length {
		return &IllegalArgumentError{Reason: fmt.Sprintf("length verification failed - expected %d, got %d", length, len(data))}
	}
	return nil
}

// verifyHashes checks that data hashes to every digest listed in hashes.
func verifyHashes(data []byte, hashes Hashes) error {
	for algo, want := range hashes {
		var h hash.Hash
		switch algo {
		case "sha256":
			h = sha256.New()
		case "sha512":
			h = sha512.New()
		default:
			return &IllegalArgumentError{Reason: fmt.Sprintf("hash verification failed - unknown hashing algorithm %s", algo)}
		}
		h.Write(data)
		if hex.EncodeToString(want) != hex.EncodeToString(h.Sum(nil)) {
			return &IllegalArgumentError{Reason: fmt.Sprintf("hash verification failed - mismatch for algorithm %s", algo)}
		}
	}
	return nil
}

// PathHexDigest returns the hex-lower SHA-256 digest of s, used when
// consistent-snapshot repositories prefix target paths by content hash.
func PathHexDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
