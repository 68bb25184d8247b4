// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"sync"
	"sync/atomic"

	"github.com/onflow/crypto"
)

// VoteStatus is the outcome of submitting a vote to an aggregator.
type VoteStatus uint8

const (
	VoteSuccess VoteStatus = iota
	VoteDuplicate
	VoteUnknownPublicKey
	VoteInvalidSignature
	VoteUnknownBlock
	VoteMaxExceeded
)

func (s VoteStatus) String() string {
	switch s {
	case VoteSuccess:
		return "success"
	case VoteDuplicate:
		return "duplicate"
	case VoteUnknownPublicKey:
		return "unknown public key"
	case VoteInvalidSignature:
		return "invalid signature"
	case VoteUnknownBlock:
		return "unknown block"
	case VoteMaxExceeded:
		return "max vote count exceeded"
	default:
		return "unknown status"
	}
}

// QcSigState tracks how far an open aggregate has progressed. The state
// only ever moves forward within a block's lifetime.
type QcSigState uint8

const (
	// StateUnrestricted accepts both strong and weak votes freely.
	StateUnrestricted QcSigState = iota
	// StateRestricted holds enough weak weight that a strong QC can no
	// longer be reached once weak finality would also be blocked.
	StateRestricted
	// StateWeakAchieved has quorum counting weak and strong votes
	// together, while a strong quorum is still reachable.
	StateWeakAchieved
	// StateWeakFinal has quorum and a strong quorum is no longer
	// reachable.
	StateWeakFinal
	// StateStrong has quorum on strong votes alone. Terminal.
	StateStrong
)

func (s QcSigState) String() string {
	switch s {
	case StateUnrestricted:
		return "unrestricted"
	case StateRestricted:
		return "restricted"
	case StateWeakAchieved:
		return "weak achieved"
	case StateWeakFinal:
		return "weak final"
	case StateStrong:
		return "strong"
	default:
		return "invalid"
	}
}

// voteSet accumulates one class of votes (strong or weak): the bitset of
// who voted, the running aggregate signature, and the cumulative weight.
// The processed flags are checked atomically before taking the aggregate
// mutex so duplicate votes are rejected without contention.
type voteSet struct {
	bitset    *Bitset
	sigs      []crypto.Signature
	weightSum uint64
	processed []atomic.Bool
}

func newVoteSet(size uint32) *voteSet {
	return &voteSet{
		bitset:    NewBitset(size),
		processed: make([]atomic.Bool, size),
	}
}

func (v *voteSet) add(index uint32, weight uint64, sig crypto.Signature) {
	v.bitset.Set(index)
	v.sigs = append(v.sigs, sig)
	v.weightSum += weight
}

// OpenQcSig aggregates incoming votes under a single finalizer policy
// until the block's voting window closes. Safe for concurrent use.
type OpenQcSig struct {
	mtx sync.Mutex

	policy *FinalizerPolicy
	strong *voteSet
	weak   *voteSet
	state  QcSigState

	// weakSumBeforeWeakFinal is the remaining weak weight budget before
	// a strong QC becomes unreachable. Starts at total - threshold.
	weakSumBeforeWeakFinal uint64
}

func NewOpenQcSig(policy *FinalizerPolicy) *OpenQcSig {
	size := uint32(len(policy.Finalizers))
	return &OpenQcSig{
		policy:                 policy,
		strong:                 newVoteSet(size),
		weak:                   newVoteSet(size),
		weakSumBeforeWeakFinal: policy.MaxWeakSumBeforeWeakFinal(),
	}
}

func (o *OpenQcSig) State() QcSigState {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.state
}

// HasVoted reports whether the finalizer at index already contributed a
// vote of either kind.
func (o *OpenQcSig) HasVoted(index uint32) bool {
	if index >= uint32(len(o.policy.Finalizers)) {
		return false
	}
	return o.strong.processed[index].Load() || o.weak.processed[index].Load()
}

// AddVote records a verified vote by the finalizer at index. The
// signature must already be checked against the proper digest; the
// aggregator only tracks weights and state transitions.
func (o *OpenQcSig) AddVote(strong bool, index uint32, sig crypto.Signature) VoteStatus {
	if index >= uint32(len(o.policy.Finalizers)) {
		return VoteUnknownPublicKey
	}
	set, other := o.weak, o.strong
	if strong {
		set, other = o.strong, o.weak
	}
	if set.processed[index].Load() || other.processed[index].Load() {
		return VoteDuplicate
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	if set.processed[index].Load() || other.processed[index].Load() {
		return VoteDuplicate
	}
	set.processed[index].Store(true)

	weight := o.policy.Finalizers[index].Weight
	set.add(index, weight, sig)
	if strong {
		o.onStrongVote()
	} else {
		o.onWeakVote()
	}
	return VoteSuccess
}

func (o *OpenQcSig) onStrongVote() {
	switch o.state {
	case StateUnrestricted, StateRestricted:
		if o.strong.weightSum >= o.policy.Threshold {
			o.state = StateStrong
		} else if o.strong.weightSum+o.weak.weightSum >= o.policy.Threshold {
			if o.state == StateRestricted {
				o.state = StateWeakFinal
			} else {
				o.state = StateWeakAchieved
			}
		}
	case StateWeakAchieved:
		if o.strong.weightSum >= o.policy.Threshold {
			o.state = StateStrong
		}
	case StateWeakFinal, StateStrong:
	}
}

func (o *OpenQcSig) onWeakVote() {
	switch o.state {
	case StateUnrestricted, StateRestricted:
		restricted := o.weak.weightSum > o.weakSumBeforeWeakFinal
		if o.strong.weightSum+o.weak.weightSum >= o.policy.Threshold {
			if restricted {
				o.state = StateWeakFinal
			} else {
				o.state = StateWeakAchieved
			}
		} else if restricted {
			o.state = StateRestricted
		}
	case StateWeakAchieved:
		if o.weak.weightSum > o.weakSumBeforeWeakFinal {
			o.state = StateWeakFinal
		}
	case StateWeakFinal, StateStrong:
	}
}

// IsQuorumMet reports whether any QC, strong or weak, can be sealed.
func (o *OpenQcSig) IsQuorumMet() bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.quorumMetLocked()
}

func (o *OpenQcSig) quorumMetLocked() bool {
	return o.state == StateStrong || o.state == StateWeakAchieved || o.state == StateWeakFinal
}

// Seal extracts the best QcSig reachable from the current vote state.
// A strong seal drops any weak votes collected along the way; a weak
// seal aggregates both classes. Returns nil if no quorum was reached.
func (o *OpenQcSig) Seal() (*QcSig, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if !o.quorumMetLocked() {
		return nil, nil
	}
	if o.state == StateStrong {
		sig, err := aggregateSignatures(o.strong.sigs...)
		if err != nil {
			return nil, err
		}
		return &QcSig{StrongVotes: o.strong.bitset.Clone(), Sig: sig}, nil
	}
	sigs := make([]crypto.Signature, 0, len(o.strong.sigs)+len(o.weak.sigs))
	sigs = append(sigs, o.strong.sigs...)
	sigs = append(sigs, o.weak.sigs...)
	sig, err := aggregateSignatures(sigs...)
	if err != nil {
		return nil, err
	}
	q := &QcSig{WeakVotes: o.weak.bitset.Clone(), Sig: sig}
	if o.strong.bitset.Any() {
		q.StrongVotes = o.strong.bitset.Clone()
	}
	return q, nil
}

// VoteMetrics summarizes participation for reporting.
type VoteMetrics struct {
	StrongVoteCount uint32
	WeakVoteCount   uint32
	StrongWeight    uint64
	WeakWeight      uint64
	MissingWeight   uint64
}

func (o *OpenQcSig) Metrics() VoteMetrics {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	total := o.policy.TotalWeight()
	return VoteMetrics{
		StrongVoteCount: o.strong.bitset.Count(),
		WeakVoteCount:   o.weak.bitset.Count(),
		StrongWeight:    o.strong.weightSum,
		WeakWeight:      o.weak.weightSum,
		MissingWeight:   total - o.strong.weightSum - o.weak.weightSum,
	}
}
