// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizerPolicyValidation(t *testing.T) {
	c := newTestCommittee(t, 1, 4)
	auth := c.policy.Finalizers

	_, err := NewFinalizerPolicy(1, 3, nil)
	require.ErrorIs(t, err, ErrEmptyPolicy)

	// Total weight 4 requires threshold in [3, 4].
	_, err = NewFinalizerPolicy(1, 2, auth)
	require.ErrorIs(t, err, ErrBadThreshold)

	_, err = NewFinalizerPolicy(1, 5, auth)
	require.ErrorIs(t, err, ErrBadThreshold)

	_, err = NewFinalizerPolicy(1, 4, auth)
	require.NoError(t, err)

	zero := []FinalizerAuthority{{Weight: 0, PubKey: auth[0].PubKey}}
	_, err = NewFinalizerPolicy(1, 1, zero)
	require.ErrorIs(t, err, ErrZeroWeight)

	dup := []FinalizerAuthority{
		{Weight: 1, PubKey: auth[0].PubKey},
		{Weight: 1, PubKey: auth[0].PubKey},
	}
	_, err = NewFinalizerPolicy(1, 2, dup)
	require.ErrorIs(t, err, ErrDuplicateFinalizer)
}

func TestFinalizerPolicyWeights(t *testing.T) {
	c := newTestCommittee(t, 1, 7)
	require.Equal(t, uint64(7), c.policy.TotalWeight())
	require.Equal(t, uint64(5), c.policy.Threshold)
	require.Equal(t, uint64(2), c.policy.MaxWeakSumBeforeWeakFinal())
}

func TestFinalizerIndex(t *testing.T) {
	c := newTestCommittee(t, 1, 3)
	for i, key := range c.keys {
		idx, ok := c.policy.FinalizerIndex(key.PublicKey())
		require.True(t, ok)
		require.Equal(t, uint32(i), idx)
	}

	other := newTestCommittee(t, 2, 1)
	_, ok := c.policy.FinalizerIndex(other.keys[0].PublicKey())
	require.False(t, ok)
}

func TestFinalizerPolicyRoundTrip(t *testing.T) {
	c := newTestCommittee(t, 3, 4)
	decoded, err := FinalizerPolicyFromBytes(c.policy.Bytes())
	require.NoError(t, err)
	require.Equal(t, c.policy.Generation, decoded.Generation)
	require.Equal(t, c.policy.Threshold, decoded.Threshold)
	require.Len(t, decoded.Finalizers, len(c.policy.Finalizers))
	for i := range decoded.Finalizers {
		require.Equal(t, c.policy.Finalizers[i].Description, decoded.Finalizers[i].Description)
		require.Equal(t, c.policy.Finalizers[i].Weight, decoded.Finalizers[i].Weight)
		require.True(t, c.policy.Finalizers[i].PubKey.Equals(decoded.Finalizers[i].PubKey))
	}

	// The key index is rebuilt on decode.
	idx, ok := decoded.FinalizerIndex(c.keys[2].PublicKey())
	require.True(t, ok)
	require.Equal(t, uint32(2), idx)
}
