// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"sync"

	"github.com/onflow/crypto"
)

// OpenQc collects votes for one block. When a pending finalizer policy
// exists at the block, every vote is routed to both aggregates and a QC
// seals only when both have quorum.
type OpenQc struct {
	active  *OpenQcSig
	pending *OpenQcSig

	activePolicy  *FinalizerPolicy
	pendingPolicy *FinalizerPolicy

	strongDigest Digest
	weakDigest   WeakDigest

	mtx        sync.Mutex
	receivedQc *Qc
}

func NewOpenQc(active, pending *FinalizerPolicy, strongDigest Digest) *OpenQc {
	o := &OpenQc{
		active:       NewOpenQcSig(active),
		activePolicy: active,
		strongDigest: strongDigest,
		weakDigest:   CreateWeakDigest(strongDigest),
	}
	if pending != nil {
		o.pending = NewOpenQcSig(pending)
		o.pendingPolicy = pending
	}
	return o
}

// AggregateVote verifies the vote signature against the proper digest
// and feeds it to every policy the key belongs to. A key unknown to all
// policies is rejected.
func (o *OpenQc) AggregateVote(strong bool, key crypto.PublicKey, sig crypto.Signature) VoteStatus {
	msg := o.strongDigest[:]
	if !strong {
		msg = o.weakDigest[:]
	}

	activeIndex, inActive := o.activePolicy.FinalizerIndex(key)
	var pendingIndex uint32
	inPending := false
	if o.pendingPolicy != nil {
		pendingIndex, inPending = o.pendingPolicy.FinalizerIndex(key)
	}
	if !inActive && !inPending {
		return VoteUnknownPublicKey
	}

	// Duplicate check before paying for pairing verification.
	if (!inActive || o.active.HasVoted(activeIndex)) &&
		(!inPending || o.pending.HasVoted(pendingIndex)) {
		return VoteDuplicate
	}

	ok, err := verifyVote(key, sig, msg)
	if err != nil || !ok {
		return VoteInvalidSignature
	}

	status := VoteDuplicate
	if inActive {
		if s := o.active.AddVote(strong, activeIndex, sig); s == VoteSuccess {
			status = VoteSuccess
		}
	}
	if inPending {
		if s := o.pending.AddVote(strong, pendingIndex, sig); s == VoteSuccess {
			status = VoteSuccess
		}
	}
	return status
}

// IsQuorumMet requires quorum under the active policy and, when one is
// staged, under the pending policy too.
func (o *OpenQc) IsQuorumMet() bool {
	if !o.active.IsQuorumMet() {
		return false
	}
	return o.pending == nil || o.pending.IsQuorumMet()
}

// Seal produces a QC for blockNum from the accumulated votes, or nil
// when quorum has not been reached.
func (o *OpenQc) Seal(blockNum uint32) (*Qc, error) {
	if !o.IsQuorumMet() {
		return nil, nil
	}
	activeSig, err := o.active.Seal()
	if err != nil || activeSig == nil {
		return nil, err
	}
	q := &Qc{BlockNum: blockNum, ActivePolicySig: *activeSig}
	if o.pending != nil {
		pendingSig, err := o.pending.Seal()
		if err != nil || pendingSig == nil {
			return nil, err
		}
		q.PendingPolicySig = pendingSig
	}
	return q, nil
}

// VerifyQc checks a received QC's signatures against this block's
// policies and digests. The QC must carry a pending policy signature
// exactly when a pending policy is staged at the block.
func (o *OpenQc) VerifyQc(q *Qc) error {
	if (q.PendingPolicySig != nil) != (o.pendingPolicy != nil) {
		return ErrQcPendingMismatch
	}
	if err := q.ActivePolicySig.Verify(o.activePolicy, o.strongDigest, o.weakDigest); err != nil {
		return err
	}
	if q.PendingPolicySig != nil {
		return q.PendingPolicySig.Verify(o.pendingPolicy, o.strongDigest, o.weakDigest)
	}
	return nil
}

// SetReceivedQc stores a QC learned from a block extension, keeping the
// strongest seen. Sealed QCs from peers let a node prune its own open
// aggregation for the block.
func (o *OpenQc) SetReceivedQc(q *Qc) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.receivedQc == nil || (q.IsStrong() && o.receivedQc.IsWeak()) {
		o.receivedQc = q
	}
}

func (o *OpenQc) ReceivedQc() *Qc {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.receivedQc
}

// BestQc returns the most useful QC known for blockNum: a strong QC
// beats a weak one, and at equal strength a received QC is preferred
// over sealing locally. Returns nil when no QC is available at all.
func (o *OpenQc) BestQc(blockNum uint32) (*Qc, error) {
	received := o.ReceivedQc()
	if received != nil && received.IsStrong() {
		return received, nil
	}
	sealed, err := o.Seal(blockNum)
	if err != nil {
		return nil, err
	}
	if sealed != nil && sealed.IsStrong() {
		return sealed, nil
	}
	if received != nil {
		return received, nil
	}
	return sealed, nil
}

// Metrics reports participation under the active policy.
func (o *OpenQc) Metrics() VoteMetrics {
	return o.active.Metrics()
}
