// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statehistory serves finalized chain data to downstream
// consumers over WebSocket. A client asks for status or a window of
// blocks and grants message credits; the server streams one result per
// credit, attaching decompressed trace, delta, and finality payloads.
package statehistory

import (
	"github.com/pkg/errors"

	"savanna"
)

// BlockPosition names a block by number and id.
type BlockPosition struct {
	BlockNum uint32
	BlockID  savanna.Digest
}

type GetStatusRequestV0 struct{}

type GetStatusRequestV1 struct{}

// GetBlocksRequestV0 opens or replaces the block subscription.
// StartBlockNum doubles as the send cursor and MaxMessagesInFlight as
// the credit balance while the request is current.
type GetBlocksRequestV0 struct {
	StartBlockNum       uint32
	EndBlockNum         uint32
	MaxMessagesInFlight uint32
	HavePositions       []BlockPosition
	IrreversibleOnly    bool
	FetchBlock          bool
	FetchTraces         bool
	FetchDeltas         bool
}

type GetBlocksRequestV1 struct {
	GetBlocksRequestV0
	FetchFinalityData bool
}

// GetBlocksAckRequestV0 grants the server more message credits.
type GetBlocksAckRequestV0 struct {
	NumMessages uint32
}

type GetStatusResultV0 struct {
	Head                 BlockPosition
	LastIrreversible     BlockPosition
	TraceBeginBlock      uint32
	TraceEndBlock        uint32
	ChainStateBeginBlock uint32
	ChainStateEndBlock   uint32
}

type GetStatusResultV1 struct {
	GetStatusResultV0
	FinalityDataBeginBlock uint32
	FinalityDataEndBlock   uint32
}

// GetBlocksResultV0 carries one block of the subscription. The
// optional payloads are decompressed before they hit the wire.
type GetBlocksResultV0 struct {
	Head             BlockPosition
	LastIrreversible BlockPosition
	ThisBlock        *BlockPosition
	PrevBlock        *BlockPosition
	Block            []byte
	Traces           []byte
	Deltas           []byte
}

type GetBlocksResultV1 struct {
	GetBlocksResultV0
	FinalityData []byte
}

const (
	statusRequestV0Tag uint32 = iota
	statusRequestV1Tag
	blocksRequestV0Tag
	blocksRequestV1Tag
	blocksAckRequestV0Tag
)

const (
	statusResultV0Tag uint32 = iota
	statusResultV1Tag
	blocksResultV0Tag
	blocksResultV1Tag
)

func (p BlockPosition) encode(e *savanna.Encoder) {
	e.WriteUint32(p.BlockNum)
	e.WriteDigest(p.BlockID)
}

func decodeBlockPosition(d *savanna.Decoder) (BlockPosition, error) {
	var p BlockPosition
	var err error
	if p.BlockNum, err = d.ReadUint32(); err != nil {
		return p, err
	}
	if p.BlockID, err = d.ReadDigest(); err != nil {
		return p, err
	}
	return p, nil
}

func encodeOptPosition(e *savanna.Encoder, p *BlockPosition) {
	e.WriteBool(p != nil)
	if p != nil {
		p.encode(e)
	}
}

func decodeOptPosition(d *savanna.Decoder) (*BlockPosition, error) {
	present, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	p, err := decodeBlockPosition(d)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func encodeOptBytes(e *savanna.Encoder, b []byte) {
	e.WriteBool(b != nil)
	if b != nil {
		e.WriteBytes(b)
	}
}

func decodeOptBytes(d *savanna.Decoder) ([]byte, error) {
	present, err := d.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return d.ReadBytes()
}

func (r *GetBlocksRequestV0) encode(e *savanna.Encoder) {
	e.WriteUint32(r.StartBlockNum)
	e.WriteUint32(r.EndBlockNum)
	e.WriteUint32(r.MaxMessagesInFlight)
	e.WriteVarUint32(uint32(len(r.HavePositions)))
	for _, p := range r.HavePositions {
		p.encode(e)
	}
	e.WriteBool(r.IrreversibleOnly)
	e.WriteBool(r.FetchBlock)
	e.WriteBool(r.FetchTraces)
	e.WriteBool(r.FetchDeltas)
}

func decodeBlocksRequestV0(d *savanna.Decoder) (GetBlocksRequestV0, error) {
	var r GetBlocksRequestV0
	var err error
	if r.StartBlockNum, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.EndBlockNum, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.MaxMessagesInFlight, err = d.ReadUint32(); err != nil {
		return r, err
	}
	count, err := d.ReadVarUint32()
	if err != nil {
		return r, err
	}
	for i := uint32(0); i < count; i++ {
		p, err := decodeBlockPosition(d)
		if err != nil {
			return r, err
		}
		r.HavePositions = append(r.HavePositions, p)
	}
	if r.IrreversibleOnly, err = d.ReadBool(); err != nil {
		return r, err
	}
	if r.FetchBlock, err = d.ReadBool(); err != nil {
		return r, err
	}
	if r.FetchTraces, err = d.ReadBool(); err != nil {
		return r, err
	}
	if r.FetchDeltas, err = d.ReadBool(); err != nil {
		return r, err
	}
	return r, nil
}

func (r *GetStatusResultV0) encode(e *savanna.Encoder) {
	r.Head.encode(e)
	r.LastIrreversible.encode(e)
	e.WriteUint32(r.TraceBeginBlock)
	e.WriteUint32(r.TraceEndBlock)
	e.WriteUint32(r.ChainStateBeginBlock)
	e.WriteUint32(r.ChainStateEndBlock)
}

func decodeStatusResultV0(d *savanna.Decoder) (GetStatusResultV0, error) {
	var r GetStatusResultV0
	var err error
	if r.Head, err = decodeBlockPosition(d); err != nil {
		return r, err
	}
	if r.LastIrreversible, err = decodeBlockPosition(d); err != nil {
		return r, err
	}
	if r.TraceBeginBlock, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.TraceEndBlock, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.ChainStateBeginBlock, err = d.ReadUint32(); err != nil {
		return r, err
	}
	if r.ChainStateEndBlock, err = d.ReadUint32(); err != nil {
		return r, err
	}
	return r, nil
}

func (r *GetBlocksResultV0) encode(e *savanna.Encoder) {
	r.Head.encode(e)
	r.LastIrreversible.encode(e)
	encodeOptPosition(e, r.ThisBlock)
	encodeOptPosition(e, r.PrevBlock)
	encodeOptBytes(e, r.Block)
	encodeOptBytes(e, r.Traces)
	encodeOptBytes(e, r.Deltas)
}

func decodeBlocksResultV0(d *savanna.Decoder) (GetBlocksResultV0, error) {
	var r GetBlocksResultV0
	var err error
	if r.Head, err = decodeBlockPosition(d); err != nil {
		return r, err
	}
	if r.LastIrreversible, err = decodeBlockPosition(d); err != nil {
		return r, err
	}
	if r.ThisBlock, err = decodeOptPosition(d); err != nil {
		return r, err
	}
	if r.PrevBlock, err = decodeOptPosition(d); err != nil {
		return r, err
	}
	if r.Block, err = decodeOptBytes(d); err != nil {
		return r, err
	}
	if r.Traces, err = decodeOptBytes(d); err != nil {
		return r, err
	}
	if r.Deltas, err = decodeOptBytes(d); err != nil {
		return r, err
	}
	return r, nil
}

// EncodeRequest frames a client request as a tagged wire message.
func EncodeRequest(req interface{}) ([]byte, error) {
	var e savanna.Encoder
	switch r := req.(type) {
	case *GetStatusRequestV0:
		e.WriteVarUint32(statusRequestV0Tag)
	case *GetStatusRequestV1:
		e.WriteVarUint32(statusRequestV1Tag)
	case *GetBlocksRequestV0:
		e.WriteVarUint32(blocksRequestV0Tag)
		r.encode(&e)
	case *GetBlocksRequestV1:
		e.WriteVarUint32(blocksRequestV1Tag)
		r.GetBlocksRequestV0.encode(&e)
		e.WriteBool(r.FetchFinalityData)
	case *GetBlocksAckRequestV0:
		e.WriteVarUint32(blocksAckRequestV0Tag)
		e.WriteUint32(r.NumMessages)
	default:
		return nil, errors.Errorf("unknown request type %T", req)
	}
	return e.Bytes(), nil
}

// DecodeRequest parses a tagged client request.
func DecodeRequest(b []byte) (interface{}, error) {
	d := savanna.NewDecoder(b)
	tag, err := d.ReadVarUint32()
	if err != nil {
		return nil, errors.Wrap(err, "reading request tag")
	}
	var req interface{}
	switch tag {
	case statusRequestV0Tag:
		req = &GetStatusRequestV0{}
	case statusRequestV1Tag:
		req = &GetStatusRequestV1{}
	case blocksRequestV0Tag:
		r, err := decodeBlocksRequestV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks request")
		}
		req = &r
	case blocksRequestV1Tag:
		r0, err := decodeBlocksRequestV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks request")
		}
		finality, err := d.ReadBool()
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks request")
		}
		req = &GetBlocksRequestV1{GetBlocksRequestV0: r0, FetchFinalityData: finality}
	case blocksAckRequestV0Tag:
		n, err := d.ReadUint32()
		if err != nil {
			return nil, errors.Wrap(err, "decoding ack request")
		}
		req = &GetBlocksAckRequestV0{NumMessages: n}
	default:
		return nil, errors.Errorf("unknown request tag %d", tag)
	}
	if err := d.Finish(); err != nil {
		return nil, errors.Wrap(err, "trailing request bytes")
	}
	return req, nil
}

// EncodeResult frames a server result as a tagged wire message.
func EncodeResult(res interface{}) ([]byte, error) {
	var e savanna.Encoder
	switch r := res.(type) {
	case *GetStatusResultV0:
		e.WriteVarUint32(statusResultV0Tag)
		r.encode(&e)
	case *GetStatusResultV1:
		e.WriteVarUint32(statusResultV1Tag)
		r.GetStatusResultV0.encode(&e)
		e.WriteUint32(r.FinalityDataBeginBlock)
		e.WriteUint32(r.FinalityDataEndBlock)
	case *GetBlocksResultV0:
		e.WriteVarUint32(blocksResultV0Tag)
		r.encode(&e)
	case *GetBlocksResultV1:
		e.WriteVarUint32(blocksResultV1Tag)
		r.GetBlocksResultV0.encode(&e)
		encodeOptBytes(&e, r.FinalityData)
	default:
		return nil, errors.Errorf("unknown result type %T", res)
	}
	return e.Bytes(), nil
}

// DecodeResult parses a tagged server result.
func DecodeResult(b []byte) (interface{}, error) {
	d := savanna.NewDecoder(b)
	tag, err := d.ReadVarUint32()
	if err != nil {
		return nil, errors.Wrap(err, "reading result tag")
	}
	var res interface{}
	switch tag {
	case statusResultV0Tag:
		r, err := decodeStatusResultV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding status result")
		}
		res = &r
	case statusResultV1Tag:
		r0, err := decodeStatusResultV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding status result")
		}
		r := &GetStatusResultV1{GetStatusResultV0: r0}
		if r.FinalityDataBeginBlock, err = d.ReadUint32(); err != nil {
			return nil, errors.Wrap(err, "decoding status result")
		}
		if r.FinalityDataEndBlock, err = d.ReadUint32(); err != nil {
			return nil, errors.Wrap(err, "decoding status result")
		}
		res = r
	case blocksResultV0Tag:
		r, err := decodeBlocksResultV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks result")
		}
		res = &r
	case blocksResultV1Tag:
		r0, err := decodeBlocksResultV0(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks result")
		}
		finality, err := decodeOptBytes(d)
		if err != nil {
			return nil, errors.Wrap(err, "decoding blocks result")
		}
		res = &GetBlocksResultV1{GetBlocksResultV0: r0, FinalityData: finality}
	default:
		return nil, errors.Errorf("unknown result tag %d", tag)
	}
	if err := d.Finish(); err != nil {
		return nil, errors.Wrap(err, "trailing result bytes")
	}
	return res, nil
}
