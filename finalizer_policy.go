// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"

	"github.com/onflow/crypto"
)

var (
	ErrEmptyPolicy        = errors.New("finalizer policy has no finalizers")
	ErrZeroWeight         = errors.New("finalizer weight must be non-zero")
	ErrWeightOverflow     = errors.New("total finalizer weight overflows uint64")
	ErrDuplicateFinalizer = errors.New("duplicate finalizer public key")
	ErrBadThreshold       = errors.New("threshold outside the allowed range")
)

type FinalizerAuthority struct {
	Description string
	Weight      uint64
	PubKey      crypto.PublicKey
}

// FinalizerPolicy is the committee in force at a given generation.
// The finalizer order fixes bitset indices and is immutable within a
// generation; policies are shared immutably between all block header
// states that reference them.
type FinalizerPolicy struct {
	Generation uint32
	Threshold  uint64
	Finalizers []FinalizerAuthority

	keyIndex map[string]uint32
}

func NewFinalizerPolicy(generation uint32, threshold uint64, finalizers []FinalizerAuthority) (*FinalizerPolicy, error) {
	p := &FinalizerPolicy{
		Generation: generation,
		Threshold:  threshold,
		Finalizers: finalizers,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.buildKeyIndex()
	return p, nil
}

func (p *FinalizerPolicy) validate() error {
	if len(p.Finalizers) == 0 {
		return ErrEmptyPolicy
	}
	var total uint64
	for _, f := range p.Finalizers {
		if f.Weight == 0 {
			return ErrZeroWeight
		}
		if total+f.Weight < total {
			return ErrWeightOverflow
		}
		total += f.Weight
	}
	minThreshold := total*2/3 + 1
	if p.Threshold < minThreshold || p.Threshold > total {
		return fmt.Errorf("%w: threshold %d, total weight %d requires [%d, %d]",
			ErrBadThreshold, p.Threshold, total, minThreshold, total)
	}
	seen := make(map[string]struct{}, len(p.Finalizers))
	for _, f := range p.Finalizers {
		k := string(f.PubKey.Encode())
		if _, dup := seen[k]; dup {
			return ErrDuplicateFinalizer
		}
		seen[k] = struct{}{}
	}
	return nil
}

func (p *FinalizerPolicy) buildKeyIndex() {
	p.keyIndex = make(map[string]uint32, len(p.Finalizers))
	for i, f := range p.Finalizers {
		p.keyIndex[string(f.PubKey.Encode())] = uint32(i)
	}
}

func (p *FinalizerPolicy) TotalWeight() uint64 {
	var total uint64
	for _, f := range p.Finalizers {
		total += f.Weight
	}
	return total
}

// MaxWeakSumBeforeWeakFinal is the largest cumulative weak weight that
// still leaves a strong QC reachable.
func (p *FinalizerPolicy) MaxWeakSumBeforeWeakFinal() uint64 {
	return p.TotalWeight() - p.Threshold
}

func (p *FinalizerPolicy) FinalizerIndex(key crypto.PublicKey) (uint32, bool) {
	i, ok := p.keyIndex[string(key.Encode())]
	return i, ok
}

func (p *FinalizerPolicy) encode(e *Encoder) {
	e.WriteUint32(p.Generation)
	e.WriteUint64(p.Threshold)
	e.WriteVarUint32(uint32(len(p.Finalizers)))
	for _, f := range p.Finalizers {
		e.WriteString(f.Description)
		e.WriteUint64(f.Weight)
		e.WriteBytes(f.PubKey.Encode())
	}
}

func (p *FinalizerPolicy) Bytes() []byte {
	var e Encoder
	p.encode(&e)
	return e.Bytes()
}

func decodeFinalizerPolicy(d *Decoder) (*FinalizerPolicy, error) {
	generation, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	threshold, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	count, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	finalizers := make([]FinalizerAuthority, 0, count)
	for i := uint32(0); i < count; i++ {
		desc, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		weight, err := d.ReadUint64()
		if err != nil {
			return nil, err
		}
		keyBytes, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		pk, err := decodePublicKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("finalizer %d: %w", i, err)
		}
		finalizers = append(finalizers, FinalizerAuthority{Description: desc, Weight: weight, PubKey: pk})
	}
	return NewFinalizerPolicy(generation, threshold, finalizers)
}

func FinalizerPolicyFromBytes(b []byte) (*FinalizerPolicy, error) {
	d := NewDecoder(b)
	p, err := decodeFinalizerPolicy(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}
