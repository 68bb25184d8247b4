// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"
)

var ErrClaimNotMonotonic = errors.New("qc claim must not decrease")

// OptBlockNum is a block number that may be unset during bootstrap,
// before the chain has seen its first QC.
type OptBlockNum struct {
	Num   uint32
	Valid bool
}

func BlockNumOf(n uint32) OptBlockNum {
	return OptBlockNum{Num: n, Valid: true}
}

func (o OptBlockNum) Or(fallback uint32) uint32 {
	if o.Valid {
		return o.Num
	}
	return fallback
}

// FinalityCore is the per-block finality bookkeeping advanced by the QC
// claim each child block carries. All three values are monotone
// non-decreasing along any branch.
type FinalityCore struct {
	// LastQcBlockNum is the highest block this branch has seen claimed
	// by any QC.
	LastQcBlockNum OptBlockNum
	// FinalOnStrongQcBlockNum becomes final as soon as a strong QC on a
	// later block of this branch appears.
	FinalOnStrongQcBlockNum OptBlockNum
	// LastFinalBlockNum is the irreversible block number.
	LastFinalBlockNum uint32
}

// GenesisCore is the finality state of the genesis block, which is
// final from the start and its own QC target.
func GenesisCore(blockNum uint32) FinalityCore {
	return FinalityCore{
		LastQcBlockNum:          BlockNumOf(blockNum),
		FinalOnStrongQcBlockNum: BlockNumOf(blockNum),
		LastFinalBlockNum:       blockNum,
	}
}

// Next advances the core with the QC claim a child block carries. A
// repeated claim inherits the core unchanged. A strong claim makes the
// previous final-on-strong target irreversible and the previous claim
// target the next candidate. A weak claim clears the candidate without
// moving finality. The claimed block number is recorded in all cases.
func (c FinalityCore) Next(claim QcClaim) (FinalityCore, error) {
	if c.LastQcBlockNum.Valid && claim.BlockNum == c.LastQcBlockNum.Num {
		return c, nil
	}
	if c.LastQcBlockNum.Valid && claim.BlockNum < c.LastQcBlockNum.Num {
		return FinalityCore{}, fmt.Errorf("%w: claim on %d after claim on %d",
			ErrClaimNotMonotonic, claim.BlockNum, c.LastQcBlockNum.Num)
	}

	next := c
	if claim.IsStrongQc {
		if c.FinalOnStrongQcBlockNum.Valid {
			next.LastFinalBlockNum = c.FinalOnStrongQcBlockNum.Num
		}
		next.FinalOnStrongQcBlockNum = c.LastQcBlockNum
	} else {
		next.FinalOnStrongQcBlockNum = OptBlockNum{}
	}
	next.LastQcBlockNum = BlockNumOf(claim.BlockNum)
	return next, nil
}

func (c FinalityCore) encode(e *Encoder) {
	e.WriteBool(c.LastQcBlockNum.Valid)
	if c.LastQcBlockNum.Valid {
		e.WriteUint32(c.LastQcBlockNum.Num)
	}
	e.WriteBool(c.FinalOnStrongQcBlockNum.Valid)
	if c.FinalOnStrongQcBlockNum.Valid {
		e.WriteUint32(c.FinalOnStrongQcBlockNum.Num)
	}
	e.WriteUint32(c.LastFinalBlockNum)
}

func decodeOptBlockNum(d *Decoder) (OptBlockNum, error) {
	valid, err := d.ReadBool()
	if err != nil {
		return OptBlockNum{}, err
	}
	if !valid {
		return OptBlockNum{}, nil
	}
	n, err := d.ReadUint32()
	if err != nil {
		return OptBlockNum{}, err
	}
	return BlockNumOf(n), nil
}

func decodeFinalityCore(d *Decoder) (FinalityCore, error) {
	var c FinalityCore
	var err error
	if c.LastQcBlockNum, err = decodeOptBlockNum(d); err != nil {
		return c, err
	}
	if c.FinalOnStrongQcBlockNum, err = decodeOptBlockNum(d); err != nil {
		return c, err
	}
	if c.LastFinalBlockNum, err = d.ReadUint32(); err != nil {
		return c, err
	}
	return c, nil
}
