// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"bytes"
	"fmt"

	"savanna/record"
)

// InMemWAL mirrors WriteAheadLog on a byte buffer for tests that do not
// want filesystem state.
type InMemWAL bytes.Buffer

func (w *InMemWAL) Append(r *record.Record) error {
	(*bytes.Buffer)(w).Write(r.Bytes())
	return nil
}

func (w *InMemWAL) ReadAll() ([]record.Record, error) {
	r := bytes.NewReader((*bytes.Buffer)(w).Bytes())
	var records []record.Record
	for r.Len() > 0 {
		var rec record.Record
		if _, err := rec.FromBytes(r); err != nil {
			return nil, fmt.Errorf("failed reading in-memory record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (w *InMemWAL) Truncate() error {
	(*bytes.Buffer)(w).Reset()
	return nil
}

func (w *InMemWAL) Close() error {
	return nil
}
