// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenQcSigStrongQuorum(t *testing.T) {
	c := newTestCommittee(t, 1, 4) // threshold 3 of weight 4
	d := ComputeDigest([]byte("block"))
	o := NewOpenQcSig(c.policy)

	require.Equal(t, StateUnrestricted, o.State())
	require.False(t, o.IsQuorumMet())

	require.Equal(t, VoteSuccess, o.AddVote(true, 0, c.signTestVote(t, 0, d, true)))
	require.Equal(t, VoteSuccess, o.AddVote(true, 1, c.signTestVote(t, 1, d, true)))
	require.False(t, o.IsQuorumMet())

	require.Equal(t, VoteSuccess, o.AddVote(true, 2, c.signTestVote(t, 2, d, true)))
	require.Equal(t, StateStrong, o.State())
	require.True(t, o.IsQuorumMet())

	qs, err := o.Seal()
	require.NoError(t, err)
	require.NotNil(t, qs)
	require.True(t, qs.IsStrong())
	require.Equal(t, uint32(3), qs.StrongVotes.Count())
	w := CreateWeakDigest(d)
	require.NoError(t, qs.Verify(c.policy, d, w))
}

func TestOpenQcSigDuplicateVotes(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQcSig(c.policy)

	sig := c.signTestVote(t, 0, d, true)
	require.Equal(t, VoteSuccess, o.AddVote(true, 0, sig))
	require.Equal(t, VoteDuplicate, o.AddVote(true, 0, sig))
	// A weak vote by the same finalizer is also a duplicate.
	require.Equal(t, VoteDuplicate, o.AddVote(false, 0, c.signTestVote(t, 0, d, false)))
	require.True(t, o.HasVoted(0))
	require.False(t, o.HasVoted(1))
}

func TestOpenQcSigUnknownIndex(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	o := NewOpenQcSig(c.policy)
	require.Equal(t, VoteUnknownPublicKey, o.AddVote(true, 4, nil))
	require.False(t, o.HasVoted(4))
}

func TestOpenQcSigWeakAchieved(t *testing.T) {
	c := newTestCommittee(t, 1, 7) // threshold 5, weak budget 2
	d := ComputeDigest([]byte("block"))
	o := NewOpenQcSig(c.policy)

	// 3 strong + 2 weak: combined quorum with strong still reachable.
	for i := 0; i < 3; i++ {
		require.Equal(t, VoteSuccess, o.AddVote(true, uint32(i), c.signTestVote(t, i, d, true)))
	}
	require.Equal(t, VoteSuccess, o.AddVote(false, 3, c.signTestVote(t, 3, d, false)))
	require.Equal(t, StateUnrestricted, o.State())
	require.Equal(t, VoteSuccess, o.AddVote(false, 4, c.signTestVote(t, 4, d, false)))
	require.Equal(t, StateWeakAchieved, o.State())
	require.True(t, o.IsQuorumMet())

	qs, err := o.Seal()
	require.NoError(t, err)
	require.True(t, qs.IsWeak())
	require.Equal(t, uint32(3), qs.StrongVotes.Count())
	require.Equal(t, uint32(2), qs.WeakVotes.Count())
	w := CreateWeakDigest(d)
	require.NoError(t, qs.Verify(c.policy, d, w))

	// Two more strong votes upgrade to a strong quorum; the seal drops
	// the weak votes.
	require.Equal(t, VoteSuccess, o.AddVote(true, 5, c.signTestVote(t, 5, d, true)))
	require.Equal(t, StateWeakAchieved, o.State())
	require.Equal(t, VoteSuccess, o.AddVote(true, 6, c.signTestVote(t, 6, d, true)))
	require.Equal(t, StateStrong, o.State())

	qs, err = o.Seal()
	require.NoError(t, err)
	require.True(t, qs.IsStrong())
	require.Equal(t, uint32(5), qs.StrongVotes.Count())
	require.NoError(t, qs.Verify(c.policy, d, w))
}

func TestOpenQcSigWeakFinal(t *testing.T) {
	c := newTestCommittee(t, 1, 7) // threshold 5, weak budget 2
	d := ComputeDigest([]byte("block"))
	o := NewOpenQcSig(c.policy)

	// Three weak votes exceed the weak budget before quorum: restricted.
	for i := 0; i < 3; i++ {
		require.Equal(t, VoteSuccess, o.AddVote(false, uint32(i), c.signTestVote(t, i, d, false)))
	}
	require.Equal(t, StateRestricted, o.State())
	require.False(t, o.IsQuorumMet())

	// Strong votes reach combined quorum, but a strong QC is out of
	// reach: weak final.
	require.Equal(t, VoteSuccess, o.AddVote(true, 3, c.signTestVote(t, 3, d, true)))
	require.Equal(t, VoteSuccess, o.AddVote(true, 4, c.signTestVote(t, 4, d, true)))
	require.Equal(t, StateWeakFinal, o.State())
	require.True(t, o.IsQuorumMet())

	// Further strong votes cannot upgrade the state.
	require.Equal(t, VoteSuccess, o.AddVote(true, 5, c.signTestVote(t, 5, d, true)))
	require.Equal(t, VoteSuccess, o.AddVote(true, 6, c.signTestVote(t, 6, d, true)))
	require.Equal(t, StateWeakFinal, o.State())

	qs, err := o.Seal()
	require.NoError(t, err)
	require.True(t, qs.IsWeak())
	w := CreateWeakDigest(d)
	require.NoError(t, qs.Verify(c.policy, d, w))
}

func TestOpenQcSigSealWithoutQuorum(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	o := NewOpenQcSig(c.policy)
	qs, err := o.Seal()
	require.NoError(t, err)
	require.Nil(t, qs)
}

func TestOpenQcSigMetrics(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQcSig(c.policy)

	o.AddVote(true, 0, c.signTestVote(t, 0, d, true))
	o.AddVote(false, 1, c.signTestVote(t, 1, d, false))

	m := o.Metrics()
	require.Equal(t, uint32(1), m.StrongVoteCount)
	require.Equal(t, uint32(1), m.WeakVoteCount)
	require.Equal(t, uint64(1), m.StrongWeight)
	require.Equal(t, uint64(1), m.WeakWeight)
	require.Equal(t, uint64(2), m.MissingWeight)
}
