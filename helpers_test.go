// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/onflow/crypto"
	"github.com/stretchr/testify/require"

	"savanna/wal"
)

// testCommittee bundles deterministic finalizer keys with the policy
// they form. Keys are derived from the test name, so every run of a
// test gets the same committee.
type testCommittee struct {
	keys   []crypto.PrivateKey
	policy *FinalizerPolicy
}

func newTestCommittee(t *testing.T, generation uint32, size int) *testCommittee {
	keys := make([]crypto.PrivateKey, 0, size)
	finalizers := make([]FinalizerAuthority, 0, size)
	for i := 0; i < size; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", t.Name(), generation, i)))
		sk, err := GenerateFinalizerKey(seed[:])
		require.NoError(t, err)
		keys = append(keys, sk)
		finalizers = append(finalizers, FinalizerAuthority{
			Description: fmt.Sprintf("finalizer%d", i),
			Weight:      1,
			PubKey:      sk.PublicKey(),
		})
	}
	policy, err := NewFinalizerPolicy(generation, uint64(size)*2/3+1, finalizers)
	require.NoError(t, err)
	return &testCommittee{keys: keys, policy: policy}
}

// finalizers wraps every committee key in a Finalizer backed by an
// in-memory WAL, with the lock seeded at the given block.
func (c *testCommittee) finalizers(t *testing.T, log Logger, lock BlockRef) []*Finalizer {
	out := make([]*Finalizer, 0, len(c.keys))
	for _, key := range c.keys {
		f, err := NewFinalizer(log, &wal.InMemWAL{}, key)
		require.NoError(t, err)
		require.NoError(t, f.SetLock(lock))
		out = append(out, f)
	}
	return out
}

// signTestVote signs the block digest, strong or weak, with the
// committee key at index i.
func (c *testCommittee) signTestVote(t *testing.T, i int, id Digest, strong bool) crypto.Signature {
	msg := id[:]
	if !strong {
		weak := CreateWeakDigest(id)
		msg = weak[:]
	}
	sig, err := signVote(c.keys[i], msg)
	require.NoError(t, err)
	return sig
}

// makeTestSchedule builds a proposer schedule from producer names,
// active from slot zero.
func makeTestSchedule(names ...string) *ProposerPolicy {
	schedule := make([]ProposerAuthority, 0, len(names))
	for _, name := range names {
		schedule = append(schedule, ProposerAuthority{ProducerName: MustName(name)})
	}
	return &ProposerPolicy{Schedule: schedule}
}

// makeTestGenesis builds the root block header state at the given slot.
// The genesis header links to the zero digest, so its block number is
// one.
func makeTestGenesis(slot uint32, proposer *ProposerPolicy, finalizer *FinalizerPolicy) *BlockHeaderState {
	header := BlockHeader{
		Timestamp: BlockTimestamp{Slot: slot},
		Producer:  proposer.Schedule[0].ProducerName,
	}
	return GenesisState(header, proposer, finalizer)
}

func blockRefOf(bhs *BlockHeaderState) BlockRef {
	return BlockRef{BlockNum: bhs.BlockNum(), BlockID: bhs.ID, Timestamp: bhs.Timestamp()}
}

// recordingComm retains every broadcast vote for inspection.
type recordingComm struct {
	votes []*VoteMessage
}

func (r *recordingComm) Broadcast(v *VoteMessage) {
	r.votes = append(r.votes, v)
}
