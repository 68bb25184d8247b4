// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import "errors"

var ErrEmptySchedule = errors.New("proposer schedule has no producers")

type KeyWeight struct {
	PubKey []byte
	Weight uint16
}

type BlockSigningAuthority struct {
	Threshold uint32
	Keys      []KeyWeight
}

type ProposerAuthority struct {
	ProducerName Name
	Authority    BlockSigningAuthority
}

// ProposerPolicy is an ordered producer schedule that becomes active at
// the slot recorded in ActiveTime.
type ProposerPolicy struct {
	Version    uint32
	ActiveTime BlockTimestamp
	Schedule   []ProposerAuthority
}

// ScheduledProducer returns the producer for slot t. Each producer
// keeps ProducerRepetitions consecutive slots before the schedule
// rotates.
func (p *ProposerPolicy) ScheduledProducer(t BlockTimestamp) ProposerAuthority {
	n := uint32(len(p.Schedule))
	index := t.Slot % (n * ProducerRepetitions) / ProducerRepetitions
	return p.Schedule[index]
}

func (p *ProposerPolicy) encode(e *Encoder) {
	e.WriteUint32(p.Version)
	e.WriteUint32(p.ActiveTime.Slot)
	e.WriteVarUint32(uint32(len(p.Schedule)))
	for _, a := range p.Schedule {
		e.WriteName(a.ProducerName)
		e.WriteUint32(a.Authority.Threshold)
		e.WriteVarUint32(uint32(len(a.Authority.Keys)))
		for _, k := range a.Authority.Keys {
			e.WriteBytes(k.PubKey)
			e.WriteUint16(k.Weight)
		}
	}
}

func (p *ProposerPolicy) Bytes() []byte {
	var e Encoder
	p.encode(&e)
	return e.Bytes()
}

func decodeProposerPolicy(d *Decoder) (*ProposerPolicy, error) {
	version, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	slot, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	count, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrEmptySchedule
	}
	schedule := make([]ProposerAuthority, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := d.ReadName()
		if err != nil {
			return nil, err
		}
		threshold, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		keyCount, err := d.ReadVarUint32()
		if err != nil {
			return nil, err
		}
		keys := make([]KeyWeight, 0, keyCount)
		for j := uint32(0); j < keyCount; j++ {
			pub, err := d.ReadBytes()
			if err != nil {
				return nil, err
			}
			weight, err := d.ReadUint16()
			if err != nil {
				return nil, err
			}
			keys = append(keys, KeyWeight{PubKey: pub, Weight: weight})
		}
		schedule = append(schedule, ProposerAuthority{
			ProducerName: name,
			Authority:    BlockSigningAuthority{Threshold: threshold, Keys: keys},
		})
	}
	return &ProposerPolicy{Version: version, ActiveTime: BlockTimestamp{Slot: slot}, Schedule: schedule}, nil
}

func ProposerPolicyFromBytes(b []byte) (*ProposerPolicy, error) {
	d := NewDecoder(b)
	p, err := decodeProposerPolicy(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}
