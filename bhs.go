// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"fmt"
	"sort"
)

// The confirmed header field is vestigial after the finality switch and
// carries a fixed sentinel.
const hsBlockConfirmed uint16 = 0xffff

// StagedFinalizerPolicy tracks a proposed finalizer policy through its
// two promotion hops: it becomes pending once the proposing block is
// covered by a strong QC target, and active once the block where it
// became pending is final.
type StagedFinalizerPolicy struct {
	Policy       *FinalizerPolicy
	ProposedAt   uint32
	PendingSince OptBlockNum
}

// FinalizerGenerationSpan marks the block numbers at which a retained
// policy generation entered the pending and active stages. Spans let a
// state resolve which policies votes on an arbitrary ancestor were
// aggregated under, including ancestors pruned from the fork database.
type FinalizerGenerationSpan struct {
	Generation  uint32
	PendingFrom OptBlockNum
	ActiveFrom  OptBlockNum
}

// BlockInput carries everything a producer supplies for the next block.
type BlockInput struct {
	Timestamp                     BlockTimestamp
	Producer                      Name
	TransactionMroot              Digest
	ActionMroot                   Digest
	NewProtocolFeatureActivations []Digest
	NewProposerPolicy             *ProposerPolicy
	NewFinalizerPolicy            *FinalizerPolicy
	QcClaim                       *QcClaim
}

// BlockHeaderState is the immutable per-block snapshot of everything
// needed to validate children: the header, the policies in force, the
// finality core, and the policy rotation schedule.
type BlockHeaderState struct {
	ID     Digest
	Header BlockHeader

	ActiveProposerPolicy    *ProposerPolicy
	PendingProposerPolicies []*ProposerPolicy

	ActiveFinalizerPolicy *FinalizerPolicy
	StagedFinalizer       *StagedFinalizerPolicy

	Core        FinalityCore
	LastQcClaim QcClaim

	ActivatedProtocolFeatures []Digest

	// FinalizerPolicies retains every generation any reachable QC claim
	// may reference, keyed by generation. Survives snapshot restarts.
	FinalizerPolicies map[uint32]*FinalizerPolicy

	// FinalizerSpans records where each retained generation became
	// pending and active. Survives snapshot restarts alongside the
	// policy map.
	FinalizerSpans []FinalizerGenerationSpan
}

func (b *BlockHeaderState) BlockNum() uint32 {
	return b.Header.BlockNum()
}

func (b *BlockHeaderState) Timestamp() BlockTimestamp {
	return b.Header.Timestamp
}

// PendingFinalizerPolicy returns the policy that has reached the
// pending stage, if any. Votes on this block must also reach quorum
// under it.
func (b *BlockHeaderState) PendingFinalizerPolicy() *FinalizerPolicy {
	if b.StagedFinalizer != nil && b.StagedFinalizer.PendingSince.Valid {
		return b.StagedFinalizer.Policy
	}
	return nil
}

// FinalizerPolicyForGeneration resolves the policy a QC of that
// generation must be verified against.
func (b *BlockHeaderState) FinalizerPolicyForGeneration(gen uint32) (*FinalizerPolicy, bool) {
	p, ok := b.FinalizerPolicies[gen]
	return p, ok
}

// FinalizerPoliciesAt resolves the active and, if one was staged, the
// pending finalizer policy that votes on block n were aggregated
// under. This is how a QC claiming a block no longer in the fork
// database finds its verification policies.
func (b *BlockHeaderState) FinalizerPoliciesAt(n uint32) (*FinalizerPolicy, *FinalizerPolicy, error) {
	var activeSpan, pendingSpan *FinalizerGenerationSpan
	for i := range b.FinalizerSpans {
		s := &b.FinalizerSpans[i]
		switch {
		case s.ActiveFrom.Valid && s.ActiveFrom.Num <= n:
			if activeSpan == nil || s.ActiveFrom.Num > activeSpan.ActiveFrom.Num {
				activeSpan = s
			}
		case s.PendingFrom.Valid && s.PendingFrom.Num <= n:
			pendingSpan = s
		}
	}
	if activeSpan == nil {
		return nil, nil, fmt.Errorf("%w: no finalizer policy active at block %d", ErrBlockValidation, n)
	}
	active, ok := b.FinalizerPolicyForGeneration(activeSpan.Generation)
	if !ok {
		return nil, nil, fmt.Errorf("%w: finalizer policy generation %d not retained", ErrBlockValidation, activeSpan.Generation)
	}
	var pending *FinalizerPolicy
	if pendingSpan != nil {
		if pending, ok = b.FinalizerPolicyForGeneration(pendingSpan.Generation); !ok {
			return nil, nil, fmt.Errorf("%w: finalizer policy generation %d not retained", ErrBlockValidation, pendingSpan.Generation)
		}
	}
	return active, pending, nil
}

// ScheduledProducer returns the producer authority for slot t under the
// active proposer policy.
func (b *BlockHeaderState) ScheduledProducer(t BlockTimestamp) ProposerAuthority {
	return b.ActiveProposerPolicy.ScheduledProducer(t)
}

// Next builds the child state from the input. The child's header is
// fully determined by the parent state and the input, so building and
// validating reduce to the same transition.
func (b *BlockHeaderState) Next(input BlockInput) (*BlockHeaderState, error) {
	result := &BlockHeaderState{
		Header: BlockHeader{
			Timestamp:        input.Timestamp,
			Producer:         input.Producer,
			Confirmed:        hsBlockConfirmed,
			Previous:         b.ID,
			TransactionMroot: input.TransactionMroot,
			ActionMroot:      input.ActionMroot,
			ScheduleVersion:  b.Header.ScheduleVersion,
		},
	}

	// Activated protocol features accumulate in order, no duplicates.
	result.ActivatedProtocolFeatures = b.ActivatedProtocolFeatures
	if len(input.NewProtocolFeatureActivations) > 0 {
		merged := make([]Digest, len(b.ActivatedProtocolFeatures), len(b.ActivatedProtocolFeatures)+len(input.NewProtocolFeatureActivations))
		copy(merged, b.ActivatedProtocolFeatures)
		seen := make(map[Digest]struct{}, len(merged))
		for _, f := range merged {
			seen[f] = struct{}{}
		}
		for _, f := range input.NewProtocolFeatureActivations {
			if _, dup := seen[f]; dup {
				return nil, fmt.Errorf("%w: protocol feature activated twice", ErrBlockValidation)
			}
			seen[f] = struct{}{}
			merged = append(merged, f)
		}
		result.ActivatedProtocolFeatures = merged
	}

	// Finality core advances only when the block carries a QC claim.
	result.Core = b.Core
	result.LastQcClaim = b.LastQcClaim
	if input.QcClaim != nil {
		core, err := b.Core.Next(*input.QcClaim)
		if err != nil {
			return nil, err
		}
		result.Core = core
		result.LastQcClaim = *input.QcClaim
	}

	if err := result.rotateProposerPolicy(b, input); err != nil {
		return nil, err
	}
	result.promoteFinalizerPolicy(b, input)

	ifExt := InstantFinalityExtension{
		QcClaim:            result.LastQcClaim,
		NewFinalizerPolicy: input.NewFinalizerPolicy,
		NewProposerPolicy:  input.NewProposerPolicy,
	}
	result.Header.setExtension(InstantFinalityExtensionID, ifExt.Bytes())

	if len(input.NewProtocolFeatureActivations) > 0 {
		pfa := ProtocolFeatureActivationExtension{Features: input.NewProtocolFeatureActivations}
		result.Header.setExtension(ProtocolFeatureActivationExtensionID, pfa.Bytes())
	}

	result.ID = result.Header.CalculateID()
	return result, nil
}

// rotateProposerPolicy activates the head pending schedule once its
// activation slot is at least one slot behind the new block, then
// inserts any newly proposed schedule at its activation time.
func (result *BlockHeaderState) rotateProposerPolicy(parent *BlockHeaderState, input BlockInput) error {
	result.ActiveProposerPolicy = parent.ActiveProposerPolicy
	result.PendingProposerPolicies = parent.PendingProposerPolicies

	if len(parent.PendingProposerPolicies) > 0 {
		head := parent.PendingProposerPolicies[0]
		if head.ActiveTime.Slot <= input.Timestamp.Slot-1 {
			result.Header.ScheduleVersion = parent.Header.ScheduleVersion + 1
			activated := *head
			activated.Version = result.Header.ScheduleVersion
			result.ActiveProposerPolicy = &activated
			result.PendingProposerPolicies = parent.PendingProposerPolicies[1:]
		}
	}

	if input.NewProposerPolicy != nil {
		if len(input.NewProposerPolicy.Schedule) == 0 {
			return ErrEmptySchedule
		}
		pending := make([]*ProposerPolicy, len(result.PendingProposerPolicies), len(result.PendingProposerPolicies)+1)
		copy(pending, result.PendingProposerPolicies)
		pending = append(pending, input.NewProposerPolicy)
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].ActiveTime.Slot < pending[j].ActiveTime.Slot
		})
		result.PendingProposerPolicies = pending
	}
	return nil
}

// promoteFinalizerPolicy walks the staged policy through its two hops
// and installs a newly proposed one.
func (result *BlockHeaderState) promoteFinalizerPolicy(parent *BlockHeaderState, input BlockInput) {
	result.ActiveFinalizerPolicy = parent.ActiveFinalizerPolicy
	result.StagedFinalizer = parent.StagedFinalizer
	result.FinalizerPolicies = parent.FinalizerPolicies
	result.FinalizerSpans = parent.FinalizerSpans

	blockNum := result.Header.BlockNum()
	if staged := parent.StagedFinalizer; staged != nil {
		switch {
		case !staged.PendingSince.Valid:
			if result.Core.FinalOnStrongQcBlockNum.Valid &&
				result.Core.FinalOnStrongQcBlockNum.Num >= staged.ProposedAt {
				promoted := *staged
				promoted.PendingSince = BlockNumOf(blockNum)
				result.StagedFinalizer = &promoted
				result.appendPendingSpan(promoted.Policy.Generation, blockNum)
			}
		case result.Core.LastFinalBlockNum >= staged.PendingSince.Num:
			result.ActiveFinalizerPolicy = staged.Policy
			result.StagedFinalizer = nil
			result.markSpanActive(staged.Policy.Generation, blockNum)
		}
	}

	if input.NewFinalizerPolicy != nil {
		proposed := &FinalizerPolicy{
			Generation: result.ActiveFinalizerPolicy.Generation + 1,
			Threshold:  input.NewFinalizerPolicy.Threshold,
			Finalizers: input.NewFinalizerPolicy.Finalizers,
		}
		proposed.buildKeyIndex()
		result.StagedFinalizer = &StagedFinalizerPolicy{
			Policy:     proposed,
			ProposedAt: blockNum,
		}
		// A re-proposal of the same generation abandons the earlier
		// candidate; its pending span no longer describes any votes a
		// descendant can claim.
		result.dropUnactivatedSpan(proposed.Generation)
	}

	// Record every generation this state may be asked to verify.
	policies := make(map[uint32]*FinalizerPolicy, len(parent.FinalizerPolicies)+2)
	for gen, p := range parent.FinalizerPolicies {
		policies[gen] = p
	}
	policies[result.ActiveFinalizerPolicy.Generation] = result.ActiveFinalizerPolicy
	if result.StagedFinalizer != nil {
		policies[result.StagedFinalizer.Policy.Generation] = result.StagedFinalizer.Policy
	}
	result.FinalizerPolicies = policies
}

// The span slice is shared with ancestors, so every mutation copies.

func (b *BlockHeaderState) appendPendingSpan(gen, n uint32) {
	spans := make([]FinalizerGenerationSpan, len(b.FinalizerSpans), len(b.FinalizerSpans)+1)
	copy(spans, b.FinalizerSpans)
	b.FinalizerSpans = append(spans, FinalizerGenerationSpan{
		Generation:  gen,
		PendingFrom: BlockNumOf(n),
	})
}

func (b *BlockHeaderState) markSpanActive(gen, n uint32) {
	spans := make([]FinalizerGenerationSpan, len(b.FinalizerSpans))
	copy(spans, b.FinalizerSpans)
	for i := range spans {
		if spans[i].Generation == gen {
			spans[i].ActiveFrom = BlockNumOf(n)
		}
	}
	b.FinalizerSpans = spans
}

func (b *BlockHeaderState) dropUnactivatedSpan(gen uint32) {
	spans := make([]FinalizerGenerationSpan, 0, len(b.FinalizerSpans))
	for _, s := range b.FinalizerSpans {
		if s.Generation == gen && !s.ActiveFrom.Valid {
			continue
		}
		spans = append(spans, s)
	}
	b.FinalizerSpans = spans
}

// NextFromHeader validates a received signed header against this state
// and produces the child state. The header must name the scheduled
// producer, link to this block, and carry exactly one instant-finality
// extension; the recomputed id must match.
func (b *BlockHeaderState) NextFromHeader(sh *SignedBlockHeader) (*BlockHeaderState, error) {
	h := &sh.Header
	if h.Previous != b.ID {
		return nil, fmt.Errorf("%w: previous %s does not link to %s",
			ErrUnlinkableBlock, h.Previous, b.ID)
	}
	producer := b.ScheduledProducer(h.Timestamp).ProducerName
	if h.Producer != producer {
		return nil, fmt.Errorf("%w: wrong producer %s, expected %s",
			ErrBlockValidation, h.Producer, producer)
	}
	if err := h.validateExtensions(); err != nil {
		return nil, err
	}

	ifPayload, ok := h.Extension(InstantFinalityExtensionID)
	if !ok {
		return nil, fmt.Errorf("%w: instant finality extension", ErrMissingExtension)
	}
	ifExt, err := InstantFinalityExtensionFromBytes(ifPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad instant finality extension: %v", ErrBlockValidation, err)
	}

	var features []Digest
	if pfaPayload, ok := h.Extension(ProtocolFeatureActivationExtensionID); ok {
		pfa, err := ProtocolFeatureActivationExtensionFromBytes(pfaPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: bad protocol feature extension: %v", ErrBlockValidation, err)
		}
		features = pfa.Features
	}

	claim := ifExt.QcClaim
	input := BlockInput{
		Timestamp:                     h.Timestamp,
		Producer:                      producer,
		TransactionMroot:              h.TransactionMroot,
		ActionMroot:                   h.ActionMroot,
		NewProtocolFeatureActivations: features,
		NewProposerPolicy:             ifExt.NewProposerPolicy,
		NewFinalizerPolicy:            ifExt.NewFinalizerPolicy,
		QcClaim:                       &claim,
	}
	result, err := b.Next(input)
	if err != nil {
		return nil, err
	}
	if result.ID != h.CalculateID() {
		return nil, fmt.Errorf("%w: recomputed header does not match received header", ErrBlockValidation)
	}
	return result, nil
}

// GenesisState builds the root state from which a chain starts. The
// given finalizer policy is active from the genesis block, which is
// final.
func GenesisState(header BlockHeader, proposer *ProposerPolicy, finalizer *FinalizerPolicy) *BlockHeaderState {
	id := header.CalculateID()
	blockNum := header.BlockNum()
	return &BlockHeaderState{
		ID:                    id,
		Header:                header,
		ActiveProposerPolicy:  proposer,
		ActiveFinalizerPolicy: finalizer,
		Core:                  GenesisCore(blockNum),
		LastQcClaim:           QcClaim{BlockNum: blockNum, IsStrongQc: true},
		FinalizerPolicies:     map[uint32]*FinalizerPolicy{finalizer.Generation: finalizer},
		FinalizerSpans: []FinalizerGenerationSpan{{
			Generation: finalizer.Generation,
			ActiveFrom: BlockNumOf(blockNum),
		}},
	}
}
