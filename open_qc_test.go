// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenQcSingleQuorum(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(c.policy, nil, d)

	for i := 0; i < 3; i++ {
		status := o.AggregateVote(true, c.keys[i].PublicKey(), c.signTestVote(t, i, d, true))
		require.Equal(t, VoteSuccess, status)
	}
	require.True(t, o.IsQuorumMet())

	qc, err := o.Seal(9)
	require.NoError(t, err)
	require.NotNil(t, qc)
	require.Equal(t, uint32(9), qc.BlockNum)
	require.True(t, qc.IsStrong())
	require.Nil(t, qc.PendingPolicySig)
	require.NoError(t, o.VerifyQc(qc))
}

func TestOpenQcRejectsBadVotes(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	stranger := newTestCommittee(t, 2, 1)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(c.policy, nil, d)

	status := o.AggregateVote(true, stranger.keys[0].PublicKey(), stranger.signTestVote(t, 0, d, true))
	require.Equal(t, VoteUnknownPublicKey, status)

	// A weak signature submitted as a strong vote fails verification.
	status = o.AggregateVote(true, c.keys[0].PublicKey(), c.signTestVote(t, 0, d, false))
	require.Equal(t, VoteInvalidSignature, status)

	status = o.AggregateVote(true, c.keys[0].PublicKey(), c.signTestVote(t, 0, d, true))
	require.Equal(t, VoteSuccess, status)
	status = o.AggregateVote(true, c.keys[0].PublicKey(), c.signTestVote(t, 0, d, true))
	require.Equal(t, VoteDuplicate, status)
}

func TestOpenQcDualPolicy(t *testing.T) {
	active := newTestCommittee(t, 1, 4)
	// The pending committee reuses every active key under a new
	// generation, so each vote counts toward both policies.
	pending := &testCommittee{keys: active.keys}
	p, err := NewFinalizerPolicy(2, 3, active.policy.Finalizers)
	require.NoError(t, err)
	pending.policy = p

	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(active.policy, pending.policy, d)

	for i := 0; i < 3; i++ {
		status := o.AggregateVote(true, active.keys[i].PublicKey(), active.signTestVote(t, i, d, true))
		require.Equal(t, VoteSuccess, status)
	}
	// Both aggregates have quorum, so the QC seals with both signatures.
	require.True(t, o.IsQuorumMet())
	qc, err := o.Seal(5)
	require.NoError(t, err)
	require.NotNil(t, qc)
	require.NotNil(t, qc.PendingPolicySig)
	require.True(t, qc.IsStrong())
	require.NoError(t, o.VerifyQc(qc))

	// A QC without the pending signature is rejected while a policy is
	// staged.
	solo := &Qc{BlockNum: 5, ActivePolicySig: qc.ActivePolicySig}
	require.ErrorIs(t, o.VerifyQc(solo), ErrQcPendingMismatch)
}

func TestOpenQcDualPolicyNeedsBothQuorums(t *testing.T) {
	active := newTestCommittee(t, 1, 4)
	disjoint := newTestCommittee(t, 2, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(active.policy, disjoint.policy, d)

	for i := 0; i < 3; i++ {
		status := o.AggregateVote(true, active.keys[i].PublicKey(), active.signTestVote(t, i, d, true))
		require.Equal(t, VoteSuccess, status)
	}
	// Active quorum alone is not enough when a policy is staged.
	require.False(t, o.IsQuorumMet())
	qc, err := o.Seal(5)
	require.NoError(t, err)
	require.Nil(t, qc)
}

func TestOpenQcReceivedQcPreference(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(c.policy, nil, d)

	weakVotes := NewBitset(4)
	weakVotes.Set(0)
	weakQc := &Qc{BlockNum: 7, ActivePolicySig: QcSig{WeakVotes: weakVotes}}
	strongVotes := NewBitset(4)
	strongVotes.Set(0)
	strongQc := &Qc{BlockNum: 7, ActivePolicySig: QcSig{StrongVotes: strongVotes}}

	o.SetReceivedQc(weakQc)
	require.Equal(t, weakQc, o.ReceivedQc())

	// Strong replaces weak, weak does not replace strong.
	o.SetReceivedQc(strongQc)
	require.Equal(t, strongQc, o.ReceivedQc())
	o.SetReceivedQc(weakQc)
	require.Equal(t, strongQc, o.ReceivedQc())

	best, err := o.BestQc(7)
	require.NoError(t, err)
	require.Equal(t, strongQc, best)
}

func TestOpenQcBestQcPrefersLocalStrongSeal(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	d := ComputeDigest([]byte("block"))
	o := NewOpenQc(c.policy, nil, d)

	weakVotes := NewBitset(4)
	weakVotes.Set(0)
	o.SetReceivedQc(&Qc{BlockNum: 7, ActivePolicySig: QcSig{WeakVotes: weakVotes}})

	for i := 0; i < 3; i++ {
		o.AggregateVote(true, c.keys[i].PublicKey(), c.signTestVote(t, i, d, true))
	}
	best, err := o.BestQc(7)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.True(t, best.IsStrong())
}
