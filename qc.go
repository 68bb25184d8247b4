// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"

	"github.com/onflow/crypto"
)

var (
	ErrQcSigNoVotes        = errors.New("qc signature carries no votes")
	ErrQcPendingMismatch   = errors.New("pending policy signature presence mismatch")
	ErrQcOverlappingVotes  = errors.New("finalizer voted both strong and weak")
	ErrQcSignatureLen      = errors.New("invalid aggregate signature length")
)

// QcSig holds the vote bitsets and the aggregate signature collected
// under one finalizer policy. A strong QcSig has no weak votes.
type QcSig struct {
	StrongVotes *Bitset
	WeakVotes   *Bitset
	Sig         crypto.Signature
}

func (q *QcSig) IsStrong() bool {
	return q.WeakVotes == nil
}

func (q *QcSig) IsWeak() bool {
	return q.WeakVotes != nil
}

// Verify checks the aggregate signature against the policy subset
// recovered from the bitsets. Strong voters signed the strong digest,
// weak voters the weak digest.
func (q *QcSig) Verify(policy *FinalizerPolicy, strongDigest Digest, weakDigest WeakDigest) error {
	if len(q.Sig) != BlsSignatureLen {
		return ErrQcSignatureLen
	}
	if q.StrongVotes == nil && q.WeakVotes == nil {
		return ErrQcSigNoVotes
	}
	if q.StrongVotes != nil && q.WeakVotes != nil {
		for i := uint32(0); i < q.StrongVotes.Size(); i++ {
			if q.StrongVotes.Test(i) && q.WeakVotes.Test(i) {
				return ErrQcOverlappingVotes
			}
		}
		return verifyMixedSubsets(policy, q.StrongVotes, q.WeakVotes, strongDigest[:], weakDigest[:], q.Sig)
	}
	if q.StrongVotes != nil {
		return verifySubset(policy, q.StrongVotes, strongDigest[:], q.Sig)
	}
	return verifySubset(policy, q.WeakVotes, weakDigest[:], q.Sig)
}

func (q *QcSig) encode(e *Encoder) {
	e.WriteBool(q.StrongVotes != nil)
	if q.StrongVotes != nil {
		q.StrongVotes.encode(e)
	}
	e.WriteBool(q.WeakVotes != nil)
	if q.WeakVotes != nil {
		q.WeakVotes.encode(e)
	}
	e.WriteBytes(q.Sig)
}

func decodeQcSig(d *Decoder) (*QcSig, error) {
	var q QcSig
	hasStrong, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasStrong {
		if q.StrongVotes, err = decodeBitset(d); err != nil {
			return nil, err
		}
	}
	hasWeak, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasWeak {
		if q.WeakVotes, err = decodeBitset(d); err != nil {
			return nil, err
		}
	}
	sig, err := d.ReadBytes()
	if err != nil {
		return nil, err
	}
	q.Sig = sig
	return &q, nil
}

// Qc is a sealed quorum certificate for the block at BlockNum. When a
// pending finalizer policy exists at that block, the QC carries a
// signature set for both policies and is strong only if both are.
type Qc struct {
	BlockNum         uint32
	ActivePolicySig  QcSig
	PendingPolicySig *QcSig
}

func (q *Qc) IsStrong() bool {
	return q.ActivePolicySig.IsStrong() && (q.PendingPolicySig == nil || q.PendingPolicySig.IsStrong())
}

func (q *Qc) IsWeak() bool {
	return !q.IsStrong()
}

func (q *Qc) ToQcClaim() QcClaim {
	return QcClaim{BlockNum: q.BlockNum, IsStrongQc: q.IsStrong()}
}

func (q *Qc) encode(e *Encoder) {
	e.WriteUint32(q.BlockNum)
	q.ActivePolicySig.encode(e)
	e.WriteBool(q.PendingPolicySig != nil)
	if q.PendingPolicySig != nil {
		q.PendingPolicySig.encode(e)
	}
}

func (q *Qc) Bytes() []byte {
	var e Encoder
	q.encode(&e)
	return e.Bytes()
}

func decodeQc(d *Decoder) (*Qc, error) {
	blockNum, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	active, err := decodeQcSig(d)
	if err != nil {
		return nil, err
	}
	q := &Qc{BlockNum: blockNum, ActivePolicySig: *active}
	hasPending, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasPending {
		if q.PendingPolicySig, err = decodeQcSig(d); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func QcFromBytes(b []byte) (*Qc, error) {
	d := NewDecoder(b)
	q, err := decodeQc(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return q, nil
}

// QcClaim is the compact QC reference carried in every block header.
type QcClaim struct {
	BlockNum   uint32
	IsStrongQc bool
}

func (c QcClaim) String() string {
	return fmt.Sprintf("QcClaim{block_num: %d, strong: %t}", c.BlockNum, c.IsStrongQc)
}

func (c QcClaim) encode(e *Encoder) {
	e.WriteUint32(c.BlockNum)
	e.WriteBool(c.IsStrongQc)
}

func decodeQcClaim(d *Decoder) (QcClaim, error) {
	blockNum, err := d.ReadUint32()
	if err != nil {
		return QcClaim{}, err
	}
	strong, err := d.ReadBool()
	if err != nil {
		return QcClaim{}, err
	}
	return QcClaim{BlockNum: blockNum, IsStrongQc: strong}, nil
}
