// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocklog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFlat lays down a flat blocks.log with n blocks and returns the
// log path.
func writeFlat(t *testing.T, dir string, n int) string {
	b, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	for _, sb := range makeChain(n) {
		require.NoError(t, b.Append(sb))
	}
	require.NoError(t, b.Close())
	return filepath.Join(dir, headLogName)
}

func TestSplitAndMergeRoundTrip(t *testing.T) {
	src := writeFlat(t, t.TempDir(), 25)
	splitDir := t.TempDir()
	require.NoError(t, SplitBlocklog(src, splitDir, 10))

	// Two full chunks and a partial tail chunk.
	for _, name := range []string{
		"blocks-1-10.log", "blocks-1-10.index",
		"blocks-11-20.log", "blocks-21-25.log",
	} {
		_, err := os.Stat(filepath.Join(splitDir, name))
		require.NoError(t, err)
	}

	mergeDir := t.TempDir()
	require.NoError(t, MergeBlocklogs(splitDir, mergeDir))
	require.NoError(t, SmokeTest(filepath.Join(mergeDir, headLogName), 1))

	b, err := Open(Config{Dir: mergeDir})
	require.NoError(t, err)
	defer b.Close()
	head, ok := b.HeadBlockNum()
	require.True(t, ok)
	require.Equal(t, uint32(25), head)
	sb, err := b.Fetch(17)
	require.NoError(t, err)
	require.Equal(t, uint32(17), sb.SignedHeader.Header.BlockNum())
}

func TestSplitRejectsZeroStride(t *testing.T) {
	src := writeFlat(t, t.TempDir(), 3)
	var blErr *BlockLogError
	require.ErrorAs(t, SplitBlocklog(src, t.TempDir(), 0), &blErr)
}

func TestMergeRejectsGaps(t *testing.T) {
	src := writeFlat(t, t.TempDir(), 30)
	splitDir := t.TempDir()
	require.NoError(t, SplitBlocklog(src, splitDir, 10))
	require.NoError(t, os.Remove(filepath.Join(splitDir, "blocks-11-20.log")))
	require.NoError(t, os.Remove(filepath.Join(splitDir, "blocks-11-20.index")))

	var blErr *BlockLogError
	require.ErrorAs(t, MergeBlocklogs(splitDir, t.TempDir()), &blErr)
}

func TestTrimBlocklogFront(t *testing.T) {
	src := writeFlat(t, t.TempDir(), 25)
	dstDir := t.TempDir()
	require.NoError(t, TrimBlocklogFront(src, dstDir, 10))
	require.NoError(t, SmokeTest(filepath.Join(dstDir, headLogName), 10))

	b, err := Open(Config{Dir: dstDir})
	require.NoError(t, err)
	defer b.Close()
	first, ok := b.FirstBlockNum()
	require.True(t, ok)
	require.Equal(t, uint32(10), first)
	head, ok := b.HeadBlockNum()
	require.True(t, ok)
	require.Equal(t, uint32(25), head)

	var blErr *BlockLogError
	require.ErrorAs(t, TrimBlocklogFront(src, t.TempDir(), 100), &blErr)
}

func TestTrimBlocklogEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeFlat(t, dir, 25)
	require.NoError(t, TrimBlocklogEnd(path, 15))
	require.NoError(t, SmokeTest(path, 1))

	b, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	head, ok := b.HeadBlockNum()
	require.True(t, ok)
	require.Equal(t, uint32(15), head)
	_, err = b.Fetch(16)
	var blErr *BlockLogError
	require.ErrorAs(t, err, &blErr)
	require.NoError(t, b.Close())

	// Trimming past the head is a no-op, trimming below the first block
	// is refused.
	require.NoError(t, TrimBlocklogEnd(path, 99))
	require.ErrorAs(t, TrimBlocklogEnd(path, 0), &blErr)
}

func TestSmokeTestDetectsWrongStart(t *testing.T) {
	path := writeFlat(t, t.TempDir(), 5)
	require.NoError(t, SmokeTest(path, 1))
	var blErr *BlockLogError
	require.ErrorAs(t, SmokeTest(path, 2), &blErr)
}
