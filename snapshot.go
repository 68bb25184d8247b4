// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"savanna/record"
)

const snapshotVersion uint32 = 1

var ErrSnapshot = errors.New("snapshot error")

// snapshotEnvelope is the cbor shape of a snapshot file. Structures
// with their own canonical wire encoding travel as byte strings so the
// snapshot survives cbor-level evolution without re-keying ids.
type snapshotEnvelope struct {
	Version            uint32            `cbor:"1,keyasint"`
	Header             []byte            `cbor:"2,keyasint"`
	ActiveProposer     []byte            `cbor:"3,keyasint"`
	PendingProposers   [][]byte          `cbor:"4,keyasint"`
	ActiveFinalizer    []byte            `cbor:"5,keyasint"`
	StagedFinalizer    []byte            `cbor:"6,keyasint,omitempty"`
	StagedProposedAt   uint32            `cbor:"7,keyasint,omitempty"`
	StagedPendingSince *uint32           `cbor:"8,keyasint,omitempty"`
	Core               []byte            `cbor:"9,keyasint"`
	LastQcClaimNum     uint32            `cbor:"10,keyasint"`
	LastQcClaimStrong  bool              `cbor:"11,keyasint"`
	ActivatedFeatures  [][]byte          `cbor:"12,keyasint,omitempty"`
	FinalizerPolicies  map[uint32][]byte `cbor:"13,keyasint"`
	FinalizerSpans     []snapshotSpan    `cbor:"14,keyasint"`
}

type snapshotSpan struct {
	Generation  uint32  `cbor:"1,keyasint"`
	PendingFrom *uint32 `cbor:"2,keyasint,omitempty"`
	ActiveFrom  *uint32 `cbor:"3,keyasint,omitempty"`
}

// WriteSnapshot persists the state needed to restart from head: the
// header, the policies in force, the finality core, and every
// finalizer policy generation a QC on a descendant may still claim.
func WriteSnapshot(path string, head *BlockHeaderState) error {
	env := snapshotEnvelope{
		Version:           snapshotVersion,
		Header:            head.Header.Bytes(),
		ActiveProposer:    head.ActiveProposerPolicy.Bytes(),
		ActiveFinalizer:   head.ActiveFinalizerPolicy.Bytes(),
		LastQcClaimNum:    head.LastQcClaim.BlockNum,
		LastQcClaimStrong: head.LastQcClaim.IsStrongQc,
		FinalizerPolicies: make(map[uint32][]byte, len(head.FinalizerPolicies)),
	}
	for _, p := range head.PendingProposerPolicies {
		env.PendingProposers = append(env.PendingProposers, p.Bytes())
	}
	if staged := head.StagedFinalizer; staged != nil {
		env.StagedFinalizer = staged.Policy.Bytes()
		env.StagedProposedAt = staged.ProposedAt
		if staged.PendingSince.Valid {
			since := staged.PendingSince.Num
			env.StagedPendingSince = &since
		}
	}
	var coreEnc Encoder
	head.Core.encode(&coreEnc)
	env.Core = coreEnc.Bytes()
	for _, f := range head.ActivatedProtocolFeatures {
		digest := f
		env.ActivatedFeatures = append(env.ActivatedFeatures, digest[:])
	}
	for gen, p := range head.FinalizerPolicies {
		env.FinalizerPolicies[gen] = p.Bytes()
	}
	for _, s := range head.FinalizerSpans {
		span := snapshotSpan{Generation: s.Generation}
		if s.PendingFrom.Valid {
			n := s.PendingFrom.Num
			span.PendingFrom = &n
		}
		if s.ActiveFrom.Valid {
			n := s.ActiveFrom.Num
			span.ActiveFrom = &n
		}
		env.FinalizerSpans = append(env.FinalizerSpans, span)
	}

	payload, err := cbor.Marshal(&env)
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrSnapshot, err)
	}
	rec := record.Record{
		Type:    record.SnapshotRecordType,
		Payload: payload,
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	defer f.Close()
	if _, err := f.Write(rec.Bytes()); err != nil {
		return fmt.Errorf("%w: writing: %v", ErrSnapshot, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing: %v", ErrSnapshot, err)
	}
	return nil
}

// ReadSnapshot reconstructs the head state a snapshot was written
// from. The returned state can root a fork database and verify QCs
// claiming any retained policy generation.
func ReadSnapshot(path string) (*BlockHeaderState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	var rec record.Record
	if _, err := rec.FromBytes(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	if rec.Type != record.SnapshotRecordType {
		return nil, fmt.Errorf("%w: unexpected record type %d", ErrSnapshot, rec.Type)
	}
	var env snapshotEnvelope
	if err := cbor.Unmarshal(rec.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrSnapshot, err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshot, env.Version)
	}

	header, err := BlockHeaderFromBytes(env.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrSnapshot, err)
	}
	bhs := &BlockHeaderState{
		Header:      *header,
		ID:          header.CalculateID(),
		LastQcClaim: QcClaim{BlockNum: env.LastQcClaimNum, IsStrongQc: env.LastQcClaimStrong},
	}
	if bhs.ActiveProposerPolicy, err = ProposerPolicyFromBytes(env.ActiveProposer); err != nil {
		return nil, fmt.Errorf("%w: active proposer policy: %v", ErrSnapshot, err)
	}
	for i, raw := range env.PendingProposers {
		p, err := ProposerPolicyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: pending proposer policy %d: %v", ErrSnapshot, i, err)
		}
		bhs.PendingProposerPolicies = append(bhs.PendingProposerPolicies, p)
	}
	if bhs.ActiveFinalizerPolicy, err = FinalizerPolicyFromBytes(env.ActiveFinalizer); err != nil {
		return nil, fmt.Errorf("%w: active finalizer policy: %v", ErrSnapshot, err)
	}
	if env.StagedFinalizer != nil {
		policy, err := FinalizerPolicyFromBytes(env.StagedFinalizer)
		if err != nil {
			return nil, fmt.Errorf("%w: staged finalizer policy: %v", ErrSnapshot, err)
		}
		staged := &StagedFinalizerPolicy{Policy: policy, ProposedAt: env.StagedProposedAt}
		if env.StagedPendingSince != nil {
			staged.PendingSince = BlockNumOf(*env.StagedPendingSince)
		}
		bhs.StagedFinalizer = staged
	}

	coreDec := NewDecoder(env.Core)
	if bhs.Core, err = decodeFinalityCore(coreDec); err != nil {
		return nil, fmt.Errorf("%w: finality core: %v", ErrSnapshot, err)
	}
	if err := coreDec.Finish(); err != nil {
		return nil, fmt.Errorf("%w: finality core: %v", ErrSnapshot, err)
	}

	for i, raw := range env.ActivatedFeatures {
		if len(raw) != DigestLen {
			return nil, fmt.Errorf("%w: activated feature %d has length %d", ErrSnapshot, i, len(raw))
		}
		var digest Digest
		copy(digest[:], raw)
		bhs.ActivatedProtocolFeatures = append(bhs.ActivatedProtocolFeatures, digest)
	}

	bhs.FinalizerPolicies = make(map[uint32]*FinalizerPolicy, len(env.FinalizerPolicies))
	for gen, raw := range env.FinalizerPolicies {
		p, err := FinalizerPolicyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: finalizer policy generation %d: %v", ErrSnapshot, gen, err)
		}
		if p.Generation != gen {
			return nil, fmt.Errorf("%w: policy keyed %d claims generation %d", ErrSnapshot, gen, p.Generation)
		}
		bhs.FinalizerPolicies[gen] = p
	}
	if _, ok := bhs.FinalizerPolicies[bhs.ActiveFinalizerPolicy.Generation]; !ok {
		return nil, fmt.Errorf("%w: active generation %d missing from policy map",
			ErrSnapshot, bhs.ActiveFinalizerPolicy.Generation)
	}

	for _, s := range env.FinalizerSpans {
		if _, ok := bhs.FinalizerPolicies[s.Generation]; !ok {
			return nil, fmt.Errorf("%w: span for generation %d without a policy", ErrSnapshot, s.Generation)
		}
		span := FinalizerGenerationSpan{Generation: s.Generation}
		if s.PendingFrom != nil {
			span.PendingFrom = BlockNumOf(*s.PendingFrom)
		}
		if s.ActiveFrom != nil {
			span.ActiveFrom = BlockNumOf(*s.ActiveFrom)
		}
		bhs.FinalizerSpans = append(bhs.FinalizerSpans, span)
	}
	return bhs, nil
}
