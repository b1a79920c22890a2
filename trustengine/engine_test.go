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

package trustengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tufdev/go-tuf-metadata/metadata"
)

// fixedClock pins Now() so signed metadata built far from wall-clock time
// doesn't spuriously expire.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func sixTestKeys(t *testing.T) []*metadata.TestKey {
	t.Helper()
	keys := make([]*metadata.TestKey, 6)
	for i := range keys {
		k, err := metadata.NewTestKey()
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

var farExpiry = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
var clockAt2050 = fixedClock{time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC)}

func TestRootTrustedKeysSuccess(t *testing.T) {
	keys := sixTestKeys(t)
	root := metadata.NewRootBuilder().Expires(farExpiry).
		RootKey(keys[0]).SnapshotKey(keys[0]).TargetsKey(keys[0]).TimestampKey(keys[0]).Signed()
	_, err := keys[0].SignRoot(root)
	require.NoError(t, err)

	_, err = FromRootWithTrustedKeys(root, 1, map[string]*metadata.Key{keys[0].Public.ID(): keys[0].Public}, WithClock(clockAt2050))
	assert.NoError(t, err)
}

func TestRootTrustedKeysFailure(t *testing.T) {
	keys := sixTestKeys(t)
	root := metadata.NewRootBuilder().Expires(farExpiry).
		RootKey(keys[0]).SnapshotKey(keys[0]).TargetsKey(keys[0]).TimestampKey(keys[0]).Signed()
	_, err := keys[0].SignRoot(root)
	require.NoError(t, err)

	_, err = FromRootWithTrustedKeys(root, 1, map[string]*metadata.Key{keys[1].Public.ID(): keys[1].Public}, WithClock(clockAt2050))
	require.Error(t, err)
	vf, ok := err.(*metadata.VerificationFailure)
	require.True(t, ok)
	assert.Equal(t, "Signature threshold not met: 0/1", vf.Reason)
}

func TestGoodRootRotation(t *testing.T) {
	keys := sixTestKeys(t)
	root1 := metadata.NewRootBuilder().Expires(farExpiry).
		RootKey(keys[0]).SnapshotKey(keys[0]).TargetsKey(keys[0]).TimestampKey(keys[0]).Signed()
	_, err := keys[0].SignRoot(root1)
	require.NoError(t, err)

	engine, err := FromTrustedRoot(root1, WithClock(clockAt2050))
	require.NoError(t, err)

	root2 := metadata.NewRootBuilder().Version(2).Expires(farExpiry).
		RootKey(keys[1]).SnapshotKey(keys[1]).TargetsKey(keys[1]).TimestampKey(keys[1]).Signed()
	_, err = keys[1].SignRoot(root2)
	require.NoError(t, err)
	// cross sign with the original key
	_, err = keys[0].SignRoot(root2)
	require.NoError(t, err)

	ok, err := engine.UpdateRoot(root2)
	require.NoError(t, err)
	assert.True(t, ok)

	// second update with the same document should do nothing
	ok, err = engine.UpdateRoot(root2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoCrossSignRootRotation(t *testing.T) {
	keys := sixTestKeys(t)
	root1 := metadata.NewRootBuilder().Expires(farExpiry).
		RootKey(keys[0]).SnapshotKey(keys[0]).TargetsKey(keys[0]).TimestampKey(keys[0]).Signed()
	_, err := keys[0].SignRoot(root1)
	require.NoError(t, err)

	engine, err := FromTrustedRoot(root1, WithClock(clockAt2050))
	require.NoError(t, err)

	root2 := metadata.NewRootBuilder().Version(2).Expires(farExpiry).
		RootKey(keys[1]).SnapshotKey(keys[1]).TargetsKey(keys[1]).TimestampKey(keys[1]).Signed()
	_, err = keys[1].SignRoot(root2)
	require.NoError(t, err)

	_, err = engine.UpdateRoot(root2)
	assert.Error(t, err, "root2 was never signed by the old root's keys")
}

func buildTrustedEngine(t *testing.T, rootKey, snapshotKey, targetsKey, timestampKey *metadata.TestKey) *Engine {
	t.Helper()
	root := metadata.NewRootBuilder().Expires(farExpiry).
		RootKey(rootKey).SnapshotKey(snapshotKey).TargetsKey(targetsKey).TimestampKey(timestampKey).Signed()
	_, err := rootKey.SignRoot(root)
	require.NoError(t, err)
	engine, err := FromTrustedRoot(root, WithClock(clockAt2050))
	require.NoError(t, err)
	return engine
}

func TestGoodTimestampUpdate(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[1], keys[1])

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).Signed()
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err := keys[1].SignTimestamp(timestamp)
	require.NoError(t, err)

	view, err := engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	assert.NotNil(t, view)

	view, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	assert.Nil(t, view, "re-applying the same version must be a no-op")
}

func TestBadTimestampUpdateWrongKey(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[1], keys[1])

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).Signed()
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err := keys[0].SignTimestamp(timestamp) // wrong key: root, not timestamp
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	assert.Error(t, err)
}

func TestGoodSnapshotUpdate(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[2])

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).Signed()
	_, err := keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)

	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[2].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)

	ok, err := engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadSnapshotUpdateWrongKey(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[2])

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).Signed()
	_, err := keys[2].SignSnapshot(snapshot) // wrong key: targets/timestamp, not snapshot
	require.NoError(t, err)

	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[2].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateSnapshot(snapshot)
	assert.Error(t, err)
}

func TestBadSnapshotUpdateWrongVersion(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[2])

	snapshotV2 := metadata.NewSnapshotBuilder().Version(2).Expires(farExpiry).Signed()
	_, err := keys[2].SignSnapshot(snapshotV2) // intentionally wrong key too, but version is what matters here
	require.NoError(t, err)
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshotV2).Signed()
	_, err = keys[2].SignTimestamp(timestamp)
	require.NoError(t, err)
	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)

	snapshotV1 := metadata.NewSnapshotBuilder().Version(1).Expires(farExpiry).Signed()
	_, err = keys[1].SignSnapshot(snapshotV1)
	require.NoError(t, err)

	_, err = engine.UpdateSnapshot(snapshotV1)
	assert.Error(t, err, "the timestamp claims version 2, a version-1 snapshot must be rejected")
}

func TestGoodTargetsUpdate(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	targets := metadata.NewTargetsBuilder().Expires(farExpiry).Signed()
	_, err := keys[2].SignTargets(targets)
	require.NoError(t, err)

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).InsertTargetsVersion(targets.Signed.Version).Signed()
	_, err = keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)

	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[3].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	_, err = engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)

	ok, err := engine.UpdateTargets(targets)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.UpdateTargets(targets)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadTargetsUpdateWrongKey(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	targets := metadata.NewTargetsBuilder().Expires(farExpiry).Signed()
	_, err := keys[3].SignTargets(targets) // wrong key: timestamp, not targets

	require.NoError(t, err)
	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).InsertTargetsVersion(targets.Signed.Version).Signed()
	_, err = keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[3].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	_, err = engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)

	_, err = engine.UpdateTargets(targets)
	assert.Error(t, err)
}

func TestBadTargetsUpdateWrongVersion(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	targetsV2 := metadata.NewTargetsBuilder().Version(2).Expires(farExpiry).Signed()
	_, err := keys[2].SignTargets(targetsV2)
	require.NoError(t, err)

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).InsertTargetsVersion(targetsV2.Signed.Version).Signed()
	_, err = keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[3].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	_, err = engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)

	targetsV1 := metadata.NewTargetsBuilder().Version(1).Expires(farExpiry).Signed()
	_, err = keys[2].SignTargets(targetsV1)
	require.NoError(t, err)

	_, err = engine.UpdateTargets(targetsV1)
	assert.Error(t, err, "snapshot claims targets version 2, a version-1 targets document must be rejected")
}

func TestUpdateSnapshotBeforeTimestampFails(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).Signed()
	_, err := keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)

	_, err = engine.UpdateSnapshot(snapshot)
	require.Error(t, err)
	missing, ok := err.(*metadata.MissingMetadataError)
	require.True(t, ok)
	assert.Equal(t, metadata.TIMESTAMP, missing.Role)
}

func TestUpdateTargetsBeforeSnapshotFails(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	targets := metadata.NewTargetsBuilder().Expires(farExpiry).Signed()
	_, err := keys[2].SignTargets(targets)
	require.NoError(t, err)

	_, err = engine.UpdateTargets(targets)
	require.Error(t, err)
	missing, ok := err.(*metadata.MissingMetadataError)
	require.True(t, ok)
	assert.Equal(t, metadata.SNAPSHOT, missing.Role)
}

func TestRootRotationClearsDerivedState(t *testing.T) {
	keys := sixTestKeys(t)
	engine := buildTrustedEngine(t, keys[0], keys[1], keys[2], keys[3])

	targets := metadata.NewTargetsBuilder().Expires(farExpiry).Signed()
	_, err := keys[2].SignTargets(targets)
	require.NoError(t, err)
	snapshot := metadata.NewSnapshotBuilder().Expires(farExpiry).InsertTargetsVersion(targets.Signed.Version).Signed()
	_, err = keys[1].SignSnapshot(snapshot)
	require.NoError(t, err)
	timestamp := metadata.NewTimestampBuilder().Expires(farExpiry).FromSnapshot(snapshot).Signed()
	_, err = keys[3].SignTimestamp(timestamp)
	require.NoError(t, err)

	_, err = engine.UpdateTimestamp(timestamp)
	require.NoError(t, err)
	_, err = engine.UpdateSnapshot(snapshot)
	require.NoError(t, err)
	ok, err := engine.UpdateTargets(targets)
	require.NoError(t, err)
	require.True(t, ok)

	require.NotNil(t, engine.Timestamp())
	require.NotNil(t, engine.Snapshot())
	require.NotNil(t, engine.Targets())

	root2 := metadata.NewRootBuilder().Version(2).Expires(farExpiry).
		RootKey(keys[0]).SnapshotKey(keys[1]).TargetsKey(keys[2]).TimestampKey(keys[3]).Signed()
	_, err = keys[0].SignRoot(root2)
	require.NoError(t, err)

	ok, err = engine.UpdateRoot(root2)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Nil(t, engine.Timestamp(), "timestamp must be purged on root rotation")
	assert.Nil(t, engine.Snapshot(), "snapshot must be purged on root rotation")
	assert.Nil(t, engine.Targets(), "targets must be purged on root rotation")
}
