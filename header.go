// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Header extension ids. Extensions are carried sorted by id and none of
// them may repeat within a header.
const (
	ProtocolFeatureActivationExtensionID uint16 = 1
	InstantFinalityExtensionID           uint16 = 2
	HsProposalInfoExtensionID            uint16 = 3
)

// QcBlockExtensionID tags the block-level extension carrying a full QC.
const QcBlockExtensionID uint16 = 1

type HeaderExtension struct {
	ID      uint16
	Payload []byte
}

// BlockHeader is the canonical block header. Its encoding is bit-exact
// across nodes; the block id is derived from it.
type BlockHeader struct {
	Timestamp        BlockTimestamp
	Producer         Name
	Confirmed        uint16
	Previous         Digest
	TransactionMroot Digest
	ActionMroot      Digest
	ScheduleVersion  uint32
	Extensions       []HeaderExtension
}

func (h *BlockHeader) BlockNum() uint32 {
	return h.Previous.BlockNum() + 1
}

func (h *BlockHeader) encode(e *Encoder) {
	e.WriteUint32(h.Timestamp.Slot)
	e.WriteName(h.Producer)
	e.WriteUint16(h.Confirmed)
	e.WriteDigest(h.Previous)
	e.WriteDigest(h.TransactionMroot)
	e.WriteDigest(h.ActionMroot)
	e.WriteUint32(h.ScheduleVersion)
	e.WriteVarUint32(uint32(len(h.Extensions)))
	for _, ext := range h.Extensions {
		e.WriteUint16(ext.ID)
		e.WriteBytes(ext.Payload)
	}
}

func (h *BlockHeader) Bytes() []byte {
	var e Encoder
	h.encode(&e)
	return e.Bytes()
}

// CalculateID hashes the canonical header encoding and stamps the block
// number into the first four bytes, big-endian, so ids sort and index
// by height directly.
func (h *BlockHeader) CalculateID() Digest {
	id := ComputeDigest(h.Bytes())
	binary.BigEndian.PutUint32(id[:4], h.BlockNum())
	return id
}

func decodeBlockHeader(d *Decoder) (*BlockHeader, error) {
	var h BlockHeader
	slot, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	h.Timestamp = BlockTimestamp{Slot: slot}
	if h.Producer, err = d.ReadName(); err != nil {
		return nil, err
	}
	if h.Confirmed, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if h.Previous, err = d.ReadDigest(); err != nil {
		return nil, err
	}
	if h.TransactionMroot, err = d.ReadDigest(); err != nil {
		return nil, err
	}
	if h.ActionMroot, err = d.ReadDigest(); err != nil {
		return nil, err
	}
	if h.ScheduleVersion, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	count, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		id, err := d.ReadUint16()
		if err != nil {
			return nil, err
		}
		payload, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		h.Extensions = append(h.Extensions, HeaderExtension{ID: id, Payload: payload})
	}
	return &h, nil
}

func BlockHeaderFromBytes(b []byte) (*BlockHeader, error) {
	d := NewDecoder(b)
	h, err := decodeBlockHeader(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return h, nil
}

// validateExtensions checks the sorted-unique invariant on the wire.
func (h *BlockHeader) validateExtensions() error {
	for i := 1; i < len(h.Extensions); i++ {
		prev, cur := h.Extensions[i-1].ID, h.Extensions[i].ID
		if cur == prev {
			return fmt.Errorf("%w: id %d", ErrDuplicateExtension, cur)
		}
		if cur < prev {
			return fmt.Errorf("%w: extension id %d after %d", ErrBlockValidation, cur, prev)
		}
	}
	return nil
}

// Extension returns the payload of the extension with the given id.
func (h *BlockHeader) Extension(id uint16) ([]byte, bool) {
	for _, ext := range h.Extensions {
		if ext.ID == id {
			return ext.Payload, true
		}
	}
	return nil, false
}

func (h *BlockHeader) setExtension(id uint16, payload []byte) {
	h.Extensions = append(h.Extensions, HeaderExtension{ID: id, Payload: payload})
	sort.Slice(h.Extensions, func(i, j int) bool { return h.Extensions[i].ID < h.Extensions[j].ID })
}

// InstantFinalityExtension is present in every block header. It carries
// the QC claim driving core advancement and any policy changes proposed
// by the block.
type InstantFinalityExtension struct {
	QcClaim            QcClaim
	NewFinalizerPolicy *FinalizerPolicy
	NewProposerPolicy  *ProposerPolicy
}

func (x *InstantFinalityExtension) encode(e *Encoder) {
	x.QcClaim.encode(e)
	e.WriteBool(x.NewFinalizerPolicy != nil)
	if x.NewFinalizerPolicy != nil {
		x.NewFinalizerPolicy.encode(e)
	}
	e.WriteBool(x.NewProposerPolicy != nil)
	if x.NewProposerPolicy != nil {
		x.NewProposerPolicy.encode(e)
	}
}

func (x *InstantFinalityExtension) Bytes() []byte {
	var e Encoder
	x.encode(&e)
	return e.Bytes()
}

func InstantFinalityExtensionFromBytes(b []byte) (*InstantFinalityExtension, error) {
	d := NewDecoder(b)
	var x InstantFinalityExtension
	var err error
	if x.QcClaim, err = decodeQcClaim(d); err != nil {
		return nil, err
	}
	hasFinPolicy, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasFinPolicy {
		if x.NewFinalizerPolicy, err = decodeFinalizerPolicy(d); err != nil {
			return nil, err
		}
	}
	hasPropPolicy, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasPropPolicy {
		if x.NewProposerPolicy, err = decodeProposerPolicy(d); err != nil {
			return nil, err
		}
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &x, nil
}

// HsProposalInfoExtension mirrors the header's QC claim for consumers
// that only track proposal progress.
type HsProposalInfoExtension struct {
	LastQcBlockHeight uint32
	IsLastQcStrong    bool
}

func (x *HsProposalInfoExtension) Bytes() []byte {
	var e Encoder
	e.WriteUint32(x.LastQcBlockHeight)
	e.WriteBool(x.IsLastQcStrong)
	return e.Bytes()
}

func HsProposalInfoExtensionFromBytes(b []byte) (*HsProposalInfoExtension, error) {
	d := NewDecoder(b)
	var x HsProposalInfoExtension
	var err error
	if x.LastQcBlockHeight, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if x.IsLastQcStrong, err = d.ReadBool(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &x, nil
}

// ProtocolFeatureActivationExtension lists the feature digests
// activated by the block.
type ProtocolFeatureActivationExtension struct {
	Features []Digest
}

func (x *ProtocolFeatureActivationExtension) Bytes() []byte {
	var e Encoder
	e.WriteVarUint32(uint32(len(x.Features)))
	for _, f := range x.Features {
		e.WriteDigest(f)
	}
	return e.Bytes()
}

func ProtocolFeatureActivationExtensionFromBytes(b []byte) (*ProtocolFeatureActivationExtension, error) {
	d := NewDecoder(b)
	count, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	x := &ProtocolFeatureActivationExtension{}
	for i := uint32(0); i < count; i++ {
		f, err := d.ReadDigest()
		if err != nil {
			return nil, err
		}
		x.Features = append(x.Features, f)
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return x, nil
}

// SignedBlockHeader carries the producer's signature over the block id.
type SignedBlockHeader struct {
	Header            BlockHeader
	ProducerSignature []byte
}

func (s *SignedBlockHeader) encode(e *Encoder) {
	s.Header.encode(e)
	e.WriteBytes(s.ProducerSignature)
}

func (s *SignedBlockHeader) Bytes() []byte {
	var e Encoder
	s.encode(&e)
	return e.Bytes()
}

func decodeSignedBlockHeader(d *Decoder) (*SignedBlockHeader, error) {
	h, err := decodeBlockHeader(d)
	if err != nil {
		return nil, err
	}
	sig, err := d.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &SignedBlockHeader{Header: *h, ProducerSignature: sig}, nil
}

func SignedBlockHeaderFromBytes(b []byte) (*SignedBlockHeader, error) {
	d := NewDecoder(b)
	s, err := decodeSignedBlockHeader(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return s, nil
}

type BlockExtension struct {
	ID      uint16
	Payload []byte
}

// SignedBlock is a signed header plus block-level extensions. The only
// extension the finality core consumes is the QC extension, present
// exactly when the header advances the QC claim.
type SignedBlock struct {
	SignedHeader SignedBlockHeader
	Extensions   []BlockExtension
}

// QcExtension decodes the block's QC extension, if present.
func (b *SignedBlock) QcExtension() (*Qc, error) {
	for _, ext := range b.Extensions {
		if ext.ID == QcBlockExtensionID {
			return QcFromBytes(ext.Payload)
		}
	}
	return nil, nil
}

func (b *SignedBlock) SetQcExtension(q *Qc) {
	b.Extensions = append(b.Extensions, BlockExtension{ID: QcBlockExtensionID, Payload: q.Bytes()})
	sort.Slice(b.Extensions, func(i, j int) bool { return b.Extensions[i].ID < b.Extensions[j].ID })
}

func (b *SignedBlock) encode(e *Encoder) {
	b.SignedHeader.encode(e)
	e.WriteVarUint32(uint32(len(b.Extensions)))
	for _, ext := range b.Extensions {
		e.WriteUint16(ext.ID)
		e.WriteBytes(ext.Payload)
	}
}

func (b *SignedBlock) Bytes() []byte {
	var e Encoder
	b.encode(&e)
	return e.Bytes()
}

func SignedBlockFromBytes(buf []byte) (*SignedBlock, error) {
	d := NewDecoder(buf)
	sh, err := decodeSignedBlockHeader(d)
	if err != nil {
		return nil, err
	}
	b := &SignedBlock{SignedHeader: *sh}
	count, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		id, err := d.ReadUint16()
		if err != nil {
			return nil, err
		}
		payload, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		b.Extensions = append(b.Extensions, BlockExtension{ID: id, Payload: payload})
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return b, nil
}
