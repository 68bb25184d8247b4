// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wal

import (
	"fmt"
	"io"
	"os"

	"savanna/record"
)

const (
	walFlags       = os.O_APPEND | os.O_CREATE | os.O_RDWR
	walPermissions = 0666
)

// WriteAheadLog is an append-only file of framed records. A finalizer
// persists its safety state here before emitting each vote, so a crash
// between deciding and voting can never produce a conflicting vote.
type WriteAheadLog struct {
	file *os.File
}

// New opens the log at fileName, creating it if necessary. Call Close
// when done.
func New(fileName string) (*WriteAheadLog, error) {
	file, err := os.OpenFile(fileName, walFlags, walPermissions)
	if err != nil {
		return nil, err
	}
	return &WriteAheadLog{file: file}, nil
}

// Append writes r and syncs the file. The record is durable once
// Append returns.
func (w *WriteAheadLog) Append(r *record.Record) error {
	if _, err := w.file.Write(r.Bytes()); err != nil {
		return err
	}
	return w.file.Sync()
}

// ReadAll returns every intact record from the start of the log. On a
// corrupt record the log is truncated at the last intact one and the
// records read so far are returned; a torn final write is expected
// after a crash.
func (w *WriteAheadLog) ReadAll() ([]record.Record, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("error seeking to start: %w", err)
	}

	fileInfo, err := w.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	bytesToRead := fileInfo.Size()

	var records []record.Record
	for bytesToRead > 0 {
		var r record.Record
		bytesRead, err := r.FromBytes(w.file)
		if err != nil {
			return records, w.truncateAt(fileInfo.Size() - bytesToRead)
		}
		bytesToRead -= int64(bytesRead)
		records = append(records, r)
	}
	return records, nil
}

// Truncate drops every record in the log.
func (w *WriteAheadLog) Truncate() error {
	return w.truncateAt(0)
}

func (w *WriteAheadLog) truncateAt(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WriteAheadLog) Close() error {
	return w.file.Close()
}
