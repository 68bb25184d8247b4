// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	DigestLen = 32

	// WeakDigestLen is the strong digest followed by the four byte weak tag.
	WeakDigestLen = DigestLen + len(weakDigestPostfix)

	blockIntervalMs = 500
	blockEpochMs    = 946684800000 // 2000-01-01T00:00:00.000Z
	producerNameLen = 7
	maxNameLen      = 11
	nameCharset     = ".12345abcdefghijklmnopqrstuvwxyz"

	// ProducerRepetitions is how many consecutive slots each scheduled
	// producer keeps before the schedule moves to the next one.
	ProducerRepetitions = 12
)

const weakDigestPostfix = "WEAK"

type Digest [DigestLen]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// BlockNum extracts the block number embedded in the first four bytes
// of a block id.
func (d Digest) BlockNum() uint32 {
	return binary.BigEndian.Uint32(d[:4])
}

func ComputeDigest(data []byte) Digest {
	return sha256.Sum256(data)
}

type WeakDigest [WeakDigestLen]byte

// CreateWeakDigest appends the literal weak tag to the strong digest.
// Finalizers sign the strong digest for a strong vote and the weak
// digest for a weak vote, so no signature verifies under both tags.
func CreateWeakDigest(d Digest) WeakDigest {
	var w WeakDigest
	copy(w[:DigestLen], d[:])
	copy(w[DigestLen:], weakDigestPostfix)
	return w
}

// BlockTimestamp is a half-second slot counted from the block epoch.
// Slots uniquely order blocks on a branch.
type BlockTimestamp struct {
	Slot uint32
}

func NewBlockTimestamp(t time.Time) BlockTimestamp {
	ms := t.UnixMilli() - blockEpochMs
	if ms < 0 {
		ms = 0
	}
	return BlockTimestamp{Slot: uint32(ms / blockIntervalMs)}
}

func (t BlockTimestamp) Time() time.Time {
	return time.UnixMilli(blockEpochMs + int64(t.Slot)*blockIntervalMs).UTC()
}

func (t BlockTimestamp) Next() BlockTimestamp {
	return BlockTimestamp{Slot: t.Slot + 1}
}

func (t BlockTimestamp) IsZero() bool {
	return t.Slot == 0
}

func (t BlockTimestamp) After(other BlockTimestamp) bool {
	return t.Slot > other.Slot
}

func (t BlockTimestamp) String() string {
	return t.Time().Format("2006-01-02T15:04:05.000")
}

// Name is a producer account name packed five bits per character,
// eleven characters at most so that it fits the seven byte wire field.
type Name uint64

func NameFromString(s string) (Name, error) {
	if len(s) > maxNameLen {
		return 0, fmt.Errorf("name %q is longer than %d characters", s, maxNameLen)
	}
	var v uint64
	for i := 0; i < maxNameLen; i++ {
		var sym uint64
		if i < len(s) {
			idx := strings.IndexByte(nameCharset, s[i])
			if idx < 0 {
				return 0, fmt.Errorf("name %q contains invalid character %q", s, s[i])
			}
			sym = uint64(idx)
		}
		v = v<<5 | sym
	}
	return Name(v), nil
}

// MustName is a convenience for static producer names.
func MustName(s string) Name {
	n, err := NameFromString(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	buf := make([]byte, 0, maxNameLen)
	v := uint64(n)
	for i := maxNameLen - 1; i >= 0; i-- {
		sym := (v >> (uint(i) * 5)) & 0x1f
		buf = append(buf, nameCharset[sym])
	}
	return strings.TrimRight(string(buf), ".")
}
