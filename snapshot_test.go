// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"savanna/record"
)

// snapshotChainHead builds a head carrying everything a snapshot must
// preserve: a pending proposer schedule, a staged finalizer policy that
// has reached the pending stage, an activated feature, and two policy
// generations.
func snapshotChainHead(t *testing.T) *BlockHeaderState {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	rotated := newTestCommittee(t, 2, 4)

	schedule := makeTestSchedule("bob")
	schedule.ActiveTime = BlockTimestamp{Slot: 100}
	b2, err := g.Next(BlockInput{
		Timestamp:                     BlockTimestamp{Slot: 1},
		Producer:                      MustName("alice"),
		NewProtocolFeatureActivations: []Digest{ComputeDigest([]byte("f1"))},
		NewProposerPolicy:             schedule,
		NewFinalizerPolicy:            rotated.policy,
		QcClaim:                       &QcClaim{BlockNum: 1, IsStrongQc: true},
	})
	require.NoError(t, err)

	b3 := nextChild(t, b2, 2, 2)
	b4 := nextChild(t, b3, 3, 3)
	require.True(t, b4.StagedFinalizer.PendingSince.Valid)
	return b4
}

func TestSnapshotRoundTrip(t *testing.T) {
	head := snapshotChainHead(t)
	path := filepath.Join(t.TempDir(), "head.snapshot")
	require.NoError(t, WriteSnapshot(path, head))

	restored, err := ReadSnapshot(path)
	require.NoError(t, err)

	require.Equal(t, head.ID, restored.ID)
	require.Equal(t, head.Header.Bytes(), restored.Header.Bytes())
	require.Equal(t, head.Core, restored.Core)
	require.Equal(t, head.LastQcClaim, restored.LastQcClaim)
	require.Equal(t, head.ActivatedProtocolFeatures, restored.ActivatedProtocolFeatures)

	require.Equal(t, head.ActiveProposerPolicy.Bytes(), restored.ActiveProposerPolicy.Bytes())
	require.Len(t, restored.PendingProposerPolicies, 1)
	require.Equal(t, head.PendingProposerPolicies[0].Bytes(), restored.PendingProposerPolicies[0].Bytes())

	require.Equal(t, head.ActiveFinalizerPolicy.Bytes(), restored.ActiveFinalizerPolicy.Bytes())
	require.NotNil(t, restored.StagedFinalizer)
	require.Equal(t, head.StagedFinalizer.ProposedAt, restored.StagedFinalizer.ProposedAt)
	require.Equal(t, head.StagedFinalizer.PendingSince, restored.StagedFinalizer.PendingSince)
	require.Equal(t, uint32(2), restored.PendingFinalizerPolicy().Generation)

	require.Len(t, restored.FinalizerPolicies, 2)
	for gen, p := range head.FinalizerPolicies {
		r, ok := restored.FinalizerPolicyForGeneration(gen)
		require.True(t, ok)
		require.Equal(t, p.Bytes(), r.Bytes())
	}

	// Generation spans survive, so the restored head can still resolve
	// the policies votes on an older block were aggregated under.
	require.Equal(t, head.FinalizerSpans, restored.FinalizerSpans)
	active, pending, err := restored.FinalizerPoliciesAt(4)
	require.NoError(t, err)
	require.Equal(t, uint32(1), active.Generation)
	require.NotNil(t, pending)
	require.Equal(t, uint32(2), pending.Generation)

	// The restored state transitions exactly like the original head.
	want := nextChild(t, head, 4, 4)
	got := nextChild(t, restored, 4, 4)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Core, got.Core)
}

func TestSnapshotRestoredStateRootsForkDatabase(t *testing.T) {
	head := snapshotChainHead(t)
	path := filepath.Join(t.TempDir(), "head.snapshot")
	require.NoError(t, WriteSnapshot(path, head))

	restored, err := ReadSnapshot(path)
	require.NoError(t, err)

	f := NewForkDatabase(restored)
	require.NoError(t, f.Insert(nextChild(t, restored, 4, 4)))
	require.Equal(t, 2, f.Size())
}

func TestSnapshotReadRejections(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSnapshot(filepath.Join(dir, "missing.snapshot"))
	require.ErrorIs(t, err, ErrSnapshot)

	garbage := filepath.Join(dir, "garbage.snapshot")
	require.NoError(t, os.WriteFile(garbage, []byte("not a snapshot"), 0o600))
	_, err = ReadSnapshot(garbage)
	require.ErrorIs(t, err, ErrSnapshot)

	foreign := filepath.Join(dir, "foreign.snapshot")
	rec := record.Record{Type: record.VoteRecordType, Payload: []byte{1, 2, 3}}
	require.NoError(t, os.WriteFile(foreign, rec.Bytes(), 0o600))
	_, err = ReadSnapshot(foreign)
	require.ErrorIs(t, err, ErrSnapshot)
}
