// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
)

// A framed record is a version byte, a record type, a payload length,
// the payload, and a CRC64-ECMA checksum over everything before it.
// Integers are little-endian. A torn tail write either reads short or
// fails the checksum, and the log is truncated at the last intact
// record.
const (
	versionLen  = 1
	typeLen     = 2
	sizeLen     = 4
	checksumLen = 8

	headerLen = versionLen + typeLen + sizeLen

	typeOffset    = versionLen
	sizeOffset    = typeOffset + typeLen
	payloadOffset = sizeOffset + sizeLen

	// Safety records are tiny; QC records scale with the committee but
	// stay far below this.
	maxPayloadLen = 16 << 20
)

var (
	ErrInvalidCRC  = errors.New("invalid CRC checksum")
	ErrPayloadSize = errors.New("payload size exceeds limit")

	crcTable = crc64.MakeTable(crc64.ECMA)
)

type Record struct {
	Version uint8
	Type    uint16
	Payload []byte
}

func (r *Record) Bytes() []byte {
	buff := make([]byte, headerLen+len(r.Payload), headerLen+len(r.Payload)+checksumLen)
	buff[0] = r.Version
	binary.LittleEndian.PutUint16(buff[typeOffset:], r.Type)
	binary.LittleEndian.PutUint32(buff[sizeOffset:], uint32(len(r.Payload)))
	copy(buff[payloadOffset:], r.Payload)

	crc := crc64.New(crcTable)
	crc.Write(buff)
	return crc.Sum(buff)
}

// FromBytes reads one framed record from in and returns the number of
// bytes consumed. A checksum mismatch returns ErrInvalidCRC; the caller
// decides whether to truncate.
func (r *Record) FromBytes(in io.Reader) (int, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(in, header); err != nil {
		return 0, err
	}

	payloadLen := binary.LittleEndian.Uint32(header[sizeOffset:])
	if payloadLen > maxPayloadLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadSize, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(in, payload); err != nil {
		return 0, err
	}

	checksum := make([]byte, checksumLen)
	if _, err := io.ReadFull(in, checksum); err != nil {
		return 0, err
	}

	crc := crc64.New(crcTable)
	crc.Write(header)
	crc.Write(payload)
	if !bytes.Equal(checksum, crc.Sum(nil)) {
		return 0, ErrInvalidCRC
	}

	r.Version = header[0]
	r.Type = binary.LittleEndian.Uint16(header[typeOffset:])
	r.Payload = payload
	return headerLen + len(payload) + checksumLen, nil
}
