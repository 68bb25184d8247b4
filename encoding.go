// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// The wire format is canonical: integers are fixed little-endian,
// container sizes are unsigned varints. Encoding the same value twice
// yields identical bytes on every node.

type Encoder struct {
	buf bytes.Buffer
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteVarUint32(v uint32) {
	var b [5]byte
	n := binary.PutUvarint(b[:], uint64(v))
	e.buf.Write(b[:n])
}

func (e *Encoder) WriteRaw(b []byte) {
	e.buf.Write(b)
}

// WriteBytes writes a varint length prefix followed by the raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteVarUint32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

func (e *Encoder) WriteDigest(d Digest) {
	e.buf.Write(d[:])
}

func (e *Encoder) WriteName(n Name) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	e.buf.Write(b[:producerNameLen])
}

type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) ensure(n int) error {
	if d.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, d.Remaining())
	}
	return nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	if err := d.ensure(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("invalid boolean byte %d", v)
	}
	return v == 1, nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	if err := d.ensure(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.ensure(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if err := d.ensure(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) ReadVarUint32() (uint32, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 || v > 0xffffffff {
		return 0, fmt.Errorf("invalid varint at offset %d", d.pos)
	}
	d.pos += n
	return uint32(v), nil
}

func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	if err := d.ensure(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:])
	d.pos += n
	return b, nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	return d.ReadRaw(int(n))
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) ReadDigest() (Digest, error) {
	var dg Digest
	if err := d.ensure(DigestLen); err != nil {
		return dg, err
	}
	copy(dg[:], d.buf[d.pos:])
	d.pos += DigestLen
	return dg, nil
}

func (d *Decoder) ReadName() (Name, error) {
	if err := d.ensure(producerNameLen); err != nil {
		return 0, err
	}
	var b [8]byte
	copy(b[:producerNameLen], d.buf[d.pos:])
	d.pos += producerNameLen
	return Name(binary.LittleEndian.Uint64(b[:])), nil
}

// Finish returns an error if the decoder has unconsumed bytes, which a
// canonical encoding never leaves behind.
func (d *Decoder) Finish() error {
	if d.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after decoding", d.Remaining())
	}
	return nil
}

// Bitset records which finalizers of a policy have voted, indexed by
// the finalizer's position in the policy. The byte layout is LSB first
// and part of the wire format.
type Bitset struct {
	size uint32
	bits []byte
}

func NewBitset(size uint32) *Bitset {
	return &Bitset{size: size, bits: make([]byte, (size+7)/8)}
}

func (b *Bitset) Size() uint32 {
	return b.size
}

func (b *Bitset) Test(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *Bitset) Set(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range %d", i, b.size))
	}
	b.bits[i/8] |= 1 << (i % 8)
}

func (b *Bitset) Count() uint32 {
	var n int
	for _, w := range b.bits {
		n += bits.OnesCount8(w)
	}
	return uint32(n)
}

func (b *Bitset) Any() bool {
	for _, w := range b.bits {
		if w != 0 {
			return true
		}
	}
	return false
}

func (b *Bitset) Clone() *Bitset {
	c := NewBitset(b.size)
	copy(c.bits, b.bits)
	return c
}

func (b *Bitset) Equal(other *Bitset) bool {
	return other != nil && b.size == other.size && bytes.Equal(b.bits, other.bits)
}

func (b *Bitset) encode(e *Encoder) {
	e.WriteVarUint32(b.size)
	e.WriteRaw(b.bits)
}

func decodeBitset(d *Decoder) (*Bitset, error) {
	size, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	raw, err := d.ReadRaw(int((size + 7) / 8))
	if err != nil {
		return nil, err
	}
	return &Bitset{size: size, bits: raw}, nil
}
