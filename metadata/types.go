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
	"encoding/hex"
	"encoding/json"
	"time"
)

// Top-level role names, as used for MetadataPath and RootType.Roles keys.
const (
	ROOT      = "root"
	SNAPSHOT  = "snapshot"
	TARGETS   = "targets"
	TIMESTAMP = "timestamp"
)

// SPECIFICATION_VERSION is the TUF specification version this core speaks.
const SPECIFICATION_VERSION = "1.0.31"

// HexBytes is a byte slice that marshals to/from a lower-case hex string.
type HexBytes []byte

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || len(data)%2 != 0 || data[0] != '"' || data[len(data)-1] != '"' {
		return &DecodeError{Reason: "invalid JSON hex bytes"}
	}
	res := make([]byte, hex.DecodedLen(len(data)-2))
	if _, err := hex.Decode(res, data[1:len(data)-1]); err != nil {
		return &DecodeError{Reason: "invalid hex encoding: " + err.Error()}
	}
	*b = res
	return nil
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	res := make([]byte, hex.EncodedLen(len(b))+2)
	res[0] = '"'
	res[len(res)-1] = '"'
	hex.Encode(res[1:], b)
	return res, nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// Hashes maps hash algorithm name ("sha256"/"sha512") to digest bytes.
type Hashes map[string]HexBytes

// RoleDef is the role definition embedded in RootType: the key set and
// threshold authorized to sign for a role.
type RoleDef struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// MetaFileDescription is the expected {version, hashes, length} of another
// metadata file, as recorded by Timestamp (of Snapshot) or Snapshot (of
// Targets/delegations).
type MetaFileDescription struct {
	Version int64  `json:"version"`
	Length  int64  `json:"length,omitempty"`
	Hashes  Hashes `json:"hashes,omitempty"`
}

// TargetDescription describes an individual target file: its expected
// length, hashes, and any opaque custom metadata. The core never hashes
// target content itself; it only hands back this description.
type TargetDescription struct {
	Length int64           `json:"length"`
	Hashes Hashes          `json:"hashes"`
	Custom json.RawMessage `json:"custom,omitempty"`
	// Path is not part of the wire format; it is convenience bookkeeping
	// set by callers that build a TargetDescription from a local file.
	Path string `json:"-"`
}

// VerifyLengthHashes checks that data matches this description's length
// and every listed hash. This operates only on already-in-memory bytes the
// caller supplies; it is not a fetch.
func (t *TargetDescription) VerifyLengthHashes(data []byte) error {
	if err := verifyLength(data, t.Length); err != nil {
		return err
	}
	return verifyHashes(data, t.Hashes)
}

// VerifyLengthHashes checks data against an optional length/hashes
// description. Both fields are optional for MetaFileDescription: a zero
// length or empty hash set is simply not checked.
func (m *MetaFileDescription) VerifyLengthHashes(data []byte) error {
	if len(m.Hashes) > 0 {
		if err := verifyHashes(data, m.Hashes); err != nil {
			return err
		}
	}
	if m.Length != 0 {
		if err := verifyLength(data, m.Length); err != nil {
			return err
		}
	}
	return nil
}

// RootType is the Signed payload of a Root metadata document.
type RootType struct {
	Type               string             `json:"_type"`
	SpecVersion        string             `json:"spec_version"`
	Version            int64              `json:"version"`
	Expires            time.Time          `json:"expires"`
	Keys               map[string]*Key    `json:"keys"`
	Roles              map[string]*RoleDef `json:"roles"`
	ConsistentSnapshot bool               `json:"consistent_snapshot"`
}

// TimestampType is the Signed payload of a Timestamp metadata document.
type TimestampType struct {
	Type        string                          `json:"_type"`
	SpecVersion string                          `json:"spec_version"`
	Version     int64                           `json:"version"`
	Expires     time.Time                       `json:"expires"`
	Meta        map[string]MetaFileDescription  `json:"meta"`
}

// SnapshotDescription returns the expected description of the snapshot
// role, as recorded by this timestamp.
func (t *TimestampType) SnapshotDescription() (MetaFileDescription, bool) {
	d, ok := t.Meta["snapshot.json"]
	return d, ok
}

// SnapshotType is the Signed payload of a Snapshot metadata document.
type SnapshotType struct {
	Type        string                         `json:"_type"`
	SpecVersion string                         `json:"spec_version"`
	Version     int64                          `json:"version"`
	Expires     time.Time                      `json:"expires"`
	Meta        map[string]MetaFileDescription `json:"meta"`
}

// TargetsDescription returns the expected description of the top-level
// targets role, as recorded by this snapshot.
func (s *SnapshotType) TargetsDescription() (MetaFileDescription, bool) {
	d, ok := s.Meta["targets.json"]
	return d, ok
}

// TargetsType is the Signed payload of a Targets (or delegated-targets)
// metadata document.
type TargetsType struct {
	Type        string                         `json:"_type"`
	SpecVersion string                         `json:"spec_version"`
	Version     int64                          `json:"version"`
	Expires     time.Time                      `json:"expires"`
	Targets     map[string]TargetDescription   `json:"targets"`
	Delegations *Delegations                   `json:"delegations,omitempty"`
}

// DelegatedRole authorizes a metadata role to sign for a subset of target
// paths on behalf of its parent Targets (or delegated Targets) role.
type DelegatedRole struct {
	Name        string   `json:"name"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Terminating bool     `json:"terminating"`
	Paths       []string `json:"paths,omitempty"`
}

// Delegations is the set of keys and delegated roles a Targets document
// authorizes.
type Delegations struct {
	Keys  map[string]*Key `json:"keys"`
	Roles []DelegatedRole `json:"roles"`
}

// Roles is the type constraint satisfied by every top-level/delegated
// Signed payload type.
type Roles interface {
	RootType | TimestampType | SnapshotType | TargetsType
}

// Signature is a single signature record: {key_id, scheme, signature_bytes}.
type Signature struct {
	KeyID  string    `json:"keyid"`
	Scheme KeyScheme `json:"scheme"`
	Sig    HexBytes  `json:"sig"`
}
