// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"fmt"
	"sync"

	"github.com/onflow/crypto"
)

// VoteMessage is the network vote: one finalizer's BLS signature over a
// block's strong or weak digest.
type VoteMessage struct {
	BlockID      Digest
	Strong       bool
	FinalizerKey crypto.PublicKey
	Sig          crypto.Signature
}

func (v *VoteMessage) BlockNum() uint32 {
	return v.BlockID.BlockNum()
}

func (v *VoteMessage) encode(e *Encoder) {
	e.WriteDigest(v.BlockID)
	e.WriteBool(v.Strong)
	e.WriteBytes(v.FinalizerKey.Encode())
	e.WriteBytes(v.Sig)
}

func (v *VoteMessage) Bytes() []byte {
	var e Encoder
	v.encode(&e)
	return e.Bytes()
}

func VoteMessageFromBytes(b []byte) (*VoteMessage, error) {
	d := NewDecoder(b)
	var v VoteMessage
	var err error
	if v.BlockID, err = d.ReadDigest(); err != nil {
		return nil, err
	}
	if v.Strong, err = d.ReadBool(); err != nil {
		return nil, err
	}
	keyBytes, err := d.ReadBytes()
	if err != nil {
		return nil, err
	}
	if v.FinalizerKey, err = decodePublicKey(keyBytes); err != nil {
		return nil, fmt.Errorf("vote finalizer key: %w", err)
	}
	if v.Sig, err = d.ReadBytes(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &v, nil
}

// connectionVoteLimiter caps how many not-yet-useful votes a single
// connection may have in flight, so a misbehaving peer cannot flood the
// aggregators. Accepted votes free their slot once processed.
type connectionVoteLimiter struct {
	mtx      sync.Mutex
	inFlight map[string]uint32
	maxVotes uint32
}

func newConnectionVoteLimiter(maxVotes uint32) *connectionVoteLimiter {
	return &connectionVoteLimiter{
		inFlight: make(map[string]uint32),
		maxVotes: maxVotes,
	}
}

// acquire reserves a vote slot for the connection. Returns false when
// the connection is at its cap.
func (l *connectionVoteLimiter) acquire(connection string) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.inFlight[connection] >= l.maxVotes {
		return false
	}
	l.inFlight[connection]++
	return true
}

func (l *connectionVoteLimiter) release(connection string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.inFlight[connection] > 0 {
		l.inFlight[connection]--
	}
	if l.inFlight[connection] == 0 {
		delete(l.inFlight, connection)
	}
}
