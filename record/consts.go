// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package record

const (
	UndefinedRecordType uint16 = iota
	SafetyInfoRecordType
	VoteRecordType
	QcRecordType
	PolicyRecordType
	SnapshotRecordType
)
