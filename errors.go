// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import "errors"

var (
	// ErrBlockValidation covers header mismatches, wrong producers,
	// missing or duplicate extensions, non-monotone QC claims and
	// finality rule violations. The block and its descendants are
	// rejected.
	ErrBlockValidation = errors.New("block validation failed")

	// ErrUnlinkableBlock means the parent is not present in the fork
	// database.
	ErrUnlinkableBlock = errors.New("unlinkable block")

	// ErrForkDatabase is fatal to startup, e.g. opening from a snapshot
	// while a fork database exists but no block log does.
	ErrForkDatabase = errors.New("fork database error")

	ErrDuplicateExtension = errors.New("duplicate header extension")
	ErrMissingExtension   = errors.New("missing instant finality extension")

	ErrShortBuffer = errors.New("buffer too small")
)
