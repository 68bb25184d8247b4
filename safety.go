// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"

	"github.com/onflow/crypto"
	"go.uber.org/zap"

	"savanna/record"
)

var (
	ErrSafetyRecordType = errors.New("unexpected record type in safety log")
	ErrNoSafetyState    = errors.New("safety log is empty")
)

// BlockRef names a block by number and id for safety tracking.
type BlockRef struct {
	BlockNum  uint32
	BlockID   Digest
	Timestamp BlockTimestamp
}

func (r BlockRef) IsSet() bool {
	return r.BlockNum != 0 || r.BlockID != (Digest{}) || r.Timestamp.Slot != 0
}

func (r BlockRef) encode(e *Encoder) {
	e.WriteUint32(r.BlockNum)
	e.WriteDigest(r.BlockID)
	e.WriteUint32(r.Timestamp.Slot)
}

func decodeBlockRef(d *Decoder) (BlockRef, error) {
	var r BlockRef
	var err error
	if r.BlockNum, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.BlockID, err = d.ReadDigest(); err != nil {
		return r, err
	}
	slot, err := d.ReadUint32()
	if err != nil {
		return r, err
	}
	r.Timestamp = BlockTimestamp{Slot: slot}
	return r, nil
}

// SafetyInfo is the state a finalizer must never lose: the last block it
// voted on, the lock protecting the two-phase commit, and the latest
// timestamp it has seen on a branch other than the one it voted for.
type SafetyInfo struct {
	LastVote              BlockRef
	Lock                  BlockRef
	OtherBranchLatestTime BlockTimestamp
}

func (s SafetyInfo) encode(e *Encoder) {
	s.LastVote.encode(e)
	s.Lock.encode(e)
	e.WriteUint32(s.OtherBranchLatestTime.Slot)
}

func (s SafetyInfo) bytes() []byte {
	var e Encoder
	s.encode(&e)
	return e.Bytes()
}

func decodeSafetyInfo(d *Decoder) (SafetyInfo, error) {
	var s SafetyInfo
	var err error
	if s.LastVote, err = decodeBlockRef(d); err != nil {
		return s, err
	}
	if s.Lock, err = decodeBlockRef(d); err != nil {
		return s, err
	}
	slot, err := d.ReadUint32()
	if err != nil {
		return s, err
	}
	s.OtherBranchLatestTime = BlockTimestamp{Slot: slot}
	return s, nil
}

// VoteDecision is the outcome of evaluating a block for voting.
type VoteDecision uint8

const (
	VoteNone VoteDecision = iota
	VoteStrong
	VoteWeak
)

func (v VoteDecision) String() string {
	switch v {
	case VoteNone:
		return "no vote"
	case VoteStrong:
		return "strong"
	case VoteWeak:
		return "weak"
	default:
		return "invalid"
	}
}

// BranchProvider answers ancestry queries against the fork database.
type BranchProvider interface {
	// DescendsFrom reports whether the block identified by id descends
	// from (or is) the block identified by ancestor.
	DescendsFrom(id, ancestor Digest) bool
}

// Finalizer holds one finalizer's key and its durable safety state. All
// vote decisions flow through DecideVote, which persists the updated
// safety info before the vote is released.
type Finalizer struct {
	log Logger
	wal WriteAheadLog
	key crypto.PrivateKey

	safety SafetyInfo
}

func NewFinalizer(log Logger, wal WriteAheadLog, key crypto.PrivateKey) (*Finalizer, error) {
	f := &Finalizer{log: log, wal: wal, key: key}
	if err := f.restore(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Finalizer) PublicKey() crypto.PublicKey {
	return f.key.PublicKey()
}

func (f *Finalizer) Safety() SafetyInfo {
	return f.safety
}

// restore loads the most recent safety record from the log. An empty
// log starts from a zero state, which does not vote until a lock is set.
func (f *Finalizer) restore() error {
	records, err := f.wal.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	last := records[len(records)-1]
	if last.Type != record.SafetyInfoRecordType {
		return fmt.Errorf("%w: %d", ErrSafetyRecordType, last.Type)
	}
	d := NewDecoder(last.Payload)
	info, err := decodeSafetyInfo(d)
	if err != nil {
		return err
	}
	if err := d.Finish(); err != nil {
		return err
	}
	f.safety = info
	return nil
}

func (f *Finalizer) persist() error {
	return f.wal.Append(&record.Record{
		Type:    record.SafetyInfoRecordType,
		Payload: f.safety.bytes(),
	})
}

// DecideVote evaluates the block described by ref, whose QC claim
// references the block described by latestQcRef, and returns the vote
// to cast. Voting at all requires either liveness (the block's claim is
// newer than the lock) or safety (the block extends the lock). The vote
// is strong when the claimed block is newer than anything seen on
// another branch; otherwise the finalizer concedes a weak vote, which
// preserves liveness without endangering the lock. The updated safety
// state is durable before this returns.
func (f *Finalizer) DecideVote(branches BranchProvider, ref, latestQcRef BlockRef) (VoteDecision, error) {
	// A finalizer votes at most once per timestamp, and never backward.
	if f.safety.LastVote.IsSet() && ref.Timestamp.Slot <= f.safety.LastVote.Timestamp.Slot {
		return VoteNone, nil
	}
	// Without a lock there is nothing safe to vote on.
	if !f.safety.Lock.IsSet() {
		f.log.Warn("no lock in safety state, not voting", zap.Uint32("block_num", ref.BlockNum))
		return VoteNone, nil
	}

	if f.safety.LastVote.IsSet() && !branches.DescendsFrom(ref.BlockID, f.safety.LastVote.BlockID) {
		f.safety.OtherBranchLatestTime = f.safety.LastVote.Timestamp
	}

	livenessCheck := latestQcRef.Timestamp.Slot > f.safety.Lock.Timestamp.Slot
	safetyCheck := false
	if !livenessCheck {
		safetyCheck = branches.DescendsFrom(ref.BlockID, f.safety.Lock.BlockID)
	}
	if !livenessCheck && !safetyCheck {
		if err := f.persist(); err != nil {
			return VoteNone, err
		}
		return VoteNone, nil
	}

	votingStrong := f.safety.OtherBranchLatestTime.Slot == 0 ||
		latestQcRef.Timestamp.Slot > f.safety.OtherBranchLatestTime.Slot
	if votingStrong {
		f.safety.OtherBranchLatestTime = BlockTimestamp{}
	}

	f.safety.LastVote = ref
	if f.safety.Lock.Timestamp.Slot < latestQcRef.Timestamp.Slot {
		f.safety.Lock = latestQcRef
	}

	if err := f.persist(); err != nil {
		return VoteNone, err
	}
	decision := VoteWeak
	if votingStrong {
		decision = VoteStrong
	}
	f.log.Debug("vote decided",
		zap.Uint32("block_num", ref.BlockNum),
		zap.Stringer("decision", decision),
	)
	return decision, nil
}

// SetLock seeds the safety state, typically with the genesis or
// snapshot block reference.
func (f *Finalizer) SetLock(ref BlockRef) error {
	f.safety.Lock = ref
	return f.persist()
}

// SignVote produces the vote signature for the block digest, strong or
// weak according to the decision.
func (f *Finalizer) SignVote(digest Digest, decision VoteDecision) (crypto.Signature, error) {
	switch decision {
	case VoteStrong:
		return signVote(f.key, digest[:])
	case VoteWeak:
		weak := CreateWeakDigest(digest)
		return signVote(f.key, weak[:])
	default:
		return nil, fmt.Errorf("no signature for decision %q", decision)
	}
}
