// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForkDatabaseInsert(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	f := NewForkDatabase(g)
	require.Equal(t, 1, f.Size())
	require.Equal(t, g.ID, f.Root().ID)

	b2 := nextChild(t, g, 1, 1)
	require.NoError(t, f.Insert(b2))
	require.Equal(t, 2, f.Size())

	got, ok := f.Get(b2.ID)
	require.True(t, ok)
	require.Equal(t, b2.ID, got.ID)

	// Re-inserting is a no-op.
	require.NoError(t, f.Insert(b2))
	require.Equal(t, 2, f.Size())

	// A block whose parent is unknown does not link.
	orphan := nextChild(t, nextChild(t, b2, 2, 2), 3, 3)
	require.ErrorIs(t, f.Insert(orphan), ErrUnlinkableBlock)

	_, ok = f.Get(orphan.ID)
	require.False(t, ok)
}

func TestForkDatabaseBestHead(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	f := NewForkDatabase(g)

	// Two siblings with identical finality cores: the later timestamp
	// wins.
	b2a := nextChild(t, g, 1, 1)
	b2b := nextChild(t, g, 2, 1)
	require.NoError(t, f.Insert(b2a))
	require.NoError(t, f.Insert(b2b))
	require.Equal(t, b2b.ID, f.BestHead().ID)

	// Extending the other branch with a newer QC claim beats it: a
	// parent with children is no longer a head.
	b3a := nextChild(t, b2a, 3, 2)
	require.NoError(t, f.Insert(b3a))
	require.Equal(t, b3a.ID, f.BestHead().ID)
}

func TestForkDatabaseDescendsFrom(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	f := NewForkDatabase(g)

	b2a := nextChild(t, g, 1, 1)
	b2b := nextChild(t, g, 2, 1)
	b3a := nextChild(t, b2a, 3, 2)
	require.NoError(t, f.Insert(b2a))
	require.NoError(t, f.Insert(b2b))
	require.NoError(t, f.Insert(b3a))

	require.True(t, f.DescendsFrom(b3a.ID, b3a.ID))
	require.True(t, f.DescendsFrom(b3a.ID, b2a.ID))
	require.True(t, f.DescendsFrom(b3a.ID, g.ID))
	require.False(t, f.DescendsFrom(b3a.ID, b2b.ID))
	require.False(t, f.DescendsFrom(ComputeDigest([]byte("unknown")), g.ID))
}

func TestForkDatabaseAdvanceLib(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	f := NewForkDatabase(g)

	b2 := nextChild(t, g, 1, 1)
	b3 := nextChild(t, b2, 2, 2)
	b4 := nextChild(t, b3, 3, 3)
	side := nextChild(t, g, 4, 1)
	sideChild := nextChild(t, side, 5, 1)
	for _, bhs := range []*BlockHeaderState{b2, b3, b4, side, sideChild} {
		require.NoError(t, f.Insert(bhs))
	}
	require.Equal(t, 6, f.Size())

	require.NoError(t, f.AdvanceLib(b2.BlockNum(), b4.ID))
	require.Equal(t, b2.ID, f.Root().ID)
	require.Equal(t, 3, f.Size())

	// The abandoned branch and the old root are gone, the kept branch
	// survives.
	for _, id := range []Digest{g.ID, side.ID, sideChild.ID} {
		_, ok := f.Get(id)
		require.False(t, ok)
	}
	for _, id := range []Digest{b2.ID, b3.ID, b4.ID} {
		_, ok := f.Get(id)
		require.True(t, ok)
	}
	require.Equal(t, b4.ID, f.BestHead().ID)

	// Advancing along an unknown head or past the branch fails.
	require.ErrorIs(t, f.AdvanceLib(2, ComputeDigest([]byte("unknown"))), ErrForkDatabase)
	require.ErrorIs(t, f.AdvanceLib(9, b4.ID), ErrForkDatabase)
}

func TestForkDatabaseBestQc(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	g := makeTestGenesis(0, makeTestSchedule("alice"), c.policy)
	f := NewForkDatabase(g)

	b2 := nextChild(t, g, 1, 1)
	b3 := nextChild(t, b2, 2, 2)
	b4 := nextChild(t, b3, 3, 3)
	for _, bhs := range []*BlockHeaderState{b2, b3, b4} {
		require.NoError(t, f.Insert(bhs))
	}

	qc, err := f.BestQc(b4.ID)
	require.NoError(t, err)
	require.Nil(t, qc)

	votes := NewBitset(4)
	votes.Set(0)
	o2, ok := f.OpenQcFor(b2.ID)
	require.True(t, ok)
	o2.SetReceivedQc(&Qc{BlockNum: b2.BlockNum(), ActivePolicySig: QcSig{StrongVotes: votes}})

	qc, err = f.BestQc(b4.ID)
	require.NoError(t, err)
	require.NotNil(t, qc)
	require.Equal(t, b2.BlockNum(), qc.BlockNum)

	// A QC higher on the branch shadows the lower one.
	o3, ok := f.OpenQcFor(b3.ID)
	require.True(t, ok)
	o3.SetReceivedQc(&Qc{BlockNum: b3.BlockNum(), ActivePolicySig: QcSig{StrongVotes: votes.Clone()}})

	qc, err = f.BestQc(b4.ID)
	require.NoError(t, err)
	require.Equal(t, b3.BlockNum(), qc.BlockNum)

	_, ok = f.OpenQcFor(ComputeDigest([]byte("unknown")))
	require.False(t, ok)
}
