// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statehistory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"savanna"
)

func posOf(n uint32, tag string) BlockPosition {
	return BlockPosition{BlockNum: n, BlockID: savanna.ComputeDigest([]byte(tag))}
}

func TestRequestCodecRoundTrip(t *testing.T) {
	requests := []interface{}{
		&GetStatusRequestV0{},
		&GetStatusRequestV1{},
		&GetBlocksRequestV0{
			StartBlockNum:       10,
			EndBlockNum:         500,
			MaxMessagesInFlight: 4,
			HavePositions:       []BlockPosition{posOf(7, "a"), posOf(9, "b")},
			IrreversibleOnly:    true,
			FetchBlock:          true,
			FetchDeltas:         true,
		},
		&GetBlocksRequestV1{
			GetBlocksRequestV0: GetBlocksRequestV0{StartBlockNum: 1, EndBlockNum: 2, FetchTraces: true},
			FetchFinalityData:  true,
		},
		&GetBlocksAckRequestV0{NumMessages: 3},
	}
	for _, req := range requests {
		raw, err := EncodeRequest(req)
		require.NoError(t, err)
		decoded, err := DecodeRequest(raw)
		require.NoError(t, err)
		require.Equal(t, req, decoded)
	}
}

func TestRequestCodecRejections(t *testing.T) {
	_, err := DecodeRequest(nil)
	require.Error(t, err)

	// Tag 99 names no request.
	_, err = DecodeRequest([]byte{99})
	require.Error(t, err)

	raw, err := EncodeRequest(&GetBlocksAckRequestV0{NumMessages: 1})
	require.NoError(t, err)
	_, err = DecodeRequest(append(raw, 0))
	require.Error(t, err)

	// Results are not requests.
	_, err = EncodeRequest(&GetStatusResultV0{})
	require.Error(t, err)
}

func TestResultCodecRoundTrip(t *testing.T) {
	this := posOf(10, "this")
	prev := posOf(9, "prev")
	blocks := GetBlocksResultV0{
		Head:             posOf(12, "head"),
		LastIrreversible: prev,
		ThisBlock:        &this,
		PrevBlock:        &prev,
		Block:            []byte("raw block"),
		Deltas:           []byte("raw deltas"),
	}
	status := GetStatusResultV0{
		Head:                 posOf(12, "head"),
		LastIrreversible:     posOf(9, "lib"),
		TraceBeginBlock:      2,
		TraceEndBlock:        12,
		ChainStateBeginBlock: 1,
		ChainStateEndBlock:   12,
	}
	results := []interface{}{
		&status,
		&GetStatusResultV1{
			GetStatusResultV0:      status,
			FinalityDataBeginBlock: 3,
			FinalityDataEndBlock:   12,
		},
		&blocks,
		&GetBlocksResultV1{GetBlocksResultV0: blocks, FinalityData: []byte("finality")},
		&GetBlocksResultV1{GetBlocksResultV0: GetBlocksResultV0{Head: posOf(1, "h"), LastIrreversible: posOf(1, "h")}},
	}
	for _, res := range results {
		raw, err := EncodeResult(res)
		require.NoError(t, err)
		decoded, err := DecodeResult(raw)
		require.NoError(t, err)
		require.Equal(t, res, decoded)
	}
}

func TestResultCodecRejections(t *testing.T) {
	_, err := DecodeResult([]byte{99})
	require.Error(t, err)

	raw, err := EncodeResult(&GetStatusResultV0{})
	require.NoError(t, err)
	_, err = DecodeResult(append(raw, 0))
	require.Error(t, err)
	_, err = DecodeResult(raw[:len(raw)-1])
	require.Error(t, err)

	_, err = EncodeResult(&GetStatusRequestV0{})
	require.Error(t, err)
}
