// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package record

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, []byte("safety state")} {
		r := Record{Version: 1, Type: SafetyInfoRecordType, Payload: payload}
		raw := r.Bytes()

		var decoded Record
		n, err := decoded.FromBytes(bytes.NewReader(raw))
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		require.Equal(t, r.Version, decoded.Version)
		require.Equal(t, r.Type, decoded.Type)
		require.Equal(t, len(payload), len(decoded.Payload))
		require.Equal(t, append([]byte{}, payload...), append([]byte{}, decoded.Payload...))
	}
}

func TestRecordDetectsCorruption(t *testing.T) {
	r := Record{Type: QcRecordType, Payload: []byte{1, 2, 3, 4}}
	raw := r.Bytes()

	// Any flipped bit, header or payload, fails the checksum.
	for _, i := range []int{0, typeOffset, payloadOffset, len(raw) - 1} {
		corrupted := append([]byte{}, raw...)
		corrupted[i] ^= 0x80
		var decoded Record
		_, err := decoded.FromBytes(bytes.NewReader(corrupted))
		require.ErrorIs(t, err, ErrInvalidCRC)
	}
}

func TestRecordRejectsOversizePayload(t *testing.T) {
	header := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(header[sizeOffset:], maxPayloadLen+1)

	var decoded Record
	_, err := decoded.FromBytes(bytes.NewReader(header))
	require.ErrorIs(t, err, ErrPayloadSize)
}

func TestRecordShortInput(t *testing.T) {
	r := Record{Type: VoteRecordType, Payload: []byte("vote")}
	raw := r.Bytes()

	var decoded Record
	_, err := decoded.FromBytes(bytes.NewReader(raw[:len(raw)-1]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = decoded.FromBytes(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}
