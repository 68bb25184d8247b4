// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blocklog persists the irreversible chain as a partitioned,
// append-only log. Blocks land in a head log that rotates into
// blocks-<first>-<last>.{log,index} chunk pairs every stride blocks,
// with older chunks archived or dropped past the retention limit.
package blocklog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"savanna"
)

const (
	logVersion    uint32 = 1
	logHeaderLen         = 8
	maxEntryLen          = 16 << 20
	indexEntryLen        = 8

	headLogName   = "blocks.log"
	headIndexName = "blocks.index"

	defaultCacheSize = 256
)

var chunkNamePattern = regexp.MustCompile(`^blocks-([0-9]+)-([0-9]+)\.log$`)

// BlockLogError marks any structural failure of the log: corrupted
// files, gaps, or appends that break contiguity. Opening a damaged log
// reports it instead of silently truncating.
type BlockLogError struct {
	inner error
}

func (e *BlockLogError) Error() string { return "block log: " + e.inner.Error() }

func (e *BlockLogError) Unwrap() error { return e.inner }

func blockLogErrorf(format string, args ...interface{}) error {
	return &BlockLogError{inner: errors.Errorf(format, args...)}
}

func wrapBlockLog(err error, msg string) error {
	return &BlockLogError{inner: errors.Wrap(err, msg)}
}

// Config locates the log on disk. RetainedDir and ArchiveDir may be
// relative, in which case they resolve against Dir. Stride 0 disables
// rotation; MaxRetainedFiles 0 retains every rotated chunk.
type Config struct {
	Dir              string
	RetainedDir      string
	ArchiveDir       string
	Stride           uint32
	MaxRetainedFiles uint32
	CacheSize        int
}

type chunk struct {
	first, last uint32
	logPath     string
	indexPath   string
}

// BlockLog is the partitioned block store. Appends go to the head log;
// reads hit an LRU cache first, then the head log or the retained
// chunk covering the requested number.
type BlockLog struct {
	mtx sync.RWMutex

	dir         string
	retainedDir string
	archiveDir  string
	stride      uint32
	maxRetained uint32

	log       *os.File
	index     *os.File
	firstNum  uint32
	count     uint32
	positions []uint64

	retained []chunk
	cache    *lru.Cache[uint32, *savanna.SignedBlock]
}

// Open scans the configured directories, validates every chunk pair
// and the head log, and returns the ready store. Any inconsistency is
// a BlockLogError.
func Open(cfg Config) (*BlockLog, error) {
	if cfg.Dir == "" {
		return nil, blockLogErrorf("blocks directory not configured")
	}
	retainedDir := resolveDir(cfg.Dir, cfg.RetainedDir)
	if retainedDir == "" {
		retainedDir = cfg.Dir
	}
	archiveDir := resolveDir(cfg.Dir, cfg.ArchiveDir)

	for _, dir := range []string{cfg.Dir, retainedDir, archiveDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapBlockLog(err, "creating blocks directory")
		}
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[uint32, *savanna.SignedBlock](cacheSize)
	if err != nil {
		return nil, wrapBlockLog(err, "creating block cache")
	}

	b := &BlockLog{
		dir:         cfg.Dir,
		retainedDir: retainedDir,
		archiveDir:  archiveDir,
		stride:      cfg.Stride,
		maxRetained: cfg.MaxRetainedFiles,
		cache:       cache,
	}
	if err := b.loadRetained(); err != nil {
		return nil, err
	}
	if err := b.openHead(); err != nil {
		return nil, err
	}
	if len(b.retained) > 0 && b.count > 0 {
		lastRetained := b.retained[len(b.retained)-1].last
		if b.firstNum != lastRetained+1 {
			return nil, blockLogErrorf("head log starts at %d, retained chunks end at %d",
				b.firstNum, lastRetained)
		}
	}
	return b, nil
}

func resolveDir(base, dir string) string {
	if dir == "" {
		return ""
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

func (b *BlockLog) loadRetained() error {
	entries, err := os.ReadDir(b.retainedDir)
	if err != nil {
		return wrapBlockLog(err, "reading retained directory")
	}
	for _, e := range entries {
		m := chunkNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		first, _ := strconv.ParseUint(m[1], 10, 32)
		last, _ := strconv.ParseUint(m[2], 10, 32)
		if first == 0 || last < first {
			return blockLogErrorf("bad chunk range in %s", e.Name())
		}
		c := chunk{
			first:     uint32(first),
			last:      uint32(last),
			logPath:   filepath.Join(b.retainedDir, e.Name()),
			indexPath: filepath.Join(b.retainedDir, chunkBaseName(uint32(first), uint32(last))+".index"),
		}
		if err := validateChunk(c); err != nil {
			return err
		}
		b.retained = append(b.retained, c)
	}
	sort.Slice(b.retained, func(i, j int) bool { return b.retained[i].first < b.retained[j].first })
	for i := 1; i < len(b.retained); i++ {
		if b.retained[i].first != b.retained[i-1].last+1 {
			return blockLogErrorf("retained chunks not contiguous: %d-%d then %d-%d",
				b.retained[i-1].first, b.retained[i-1].last,
				b.retained[i].first, b.retained[i].last)
		}
	}
	return nil
}

func chunkBaseName(first, last uint32) string {
	return fmt.Sprintf("blocks-%d-%d", first, last)
}

// validateChunk checks the chunk pair without walking every entry: the
// index must be exactly sized for the advertised range, and the last
// indexed entry must decode to the advertised last block.
func validateChunk(c chunk) error {
	idx, err := os.Open(c.indexPath)
	if err != nil {
		return wrapBlockLog(err, "opening chunk index")
	}
	defer idx.Close()
	info, err := idx.Stat()
	if err != nil {
		return wrapBlockLog(err, "stating chunk index")
	}
	want := int64(c.last-c.first+1) * indexEntryLen
	if info.Size() != want {
		return blockLogErrorf("chunk index %s has size %d, want %d", c.indexPath, info.Size(), want)
	}
	var posBuf [indexEntryLen]byte
	if _, err := idx.ReadAt(posBuf[:], info.Size()-indexEntryLen); err != nil {
		return wrapBlockLog(err, "reading chunk index")
	}
	pos := binary.LittleEndian.Uint64(posBuf[:])

	log, err := os.Open(c.logPath)
	if err != nil {
		return wrapBlockLog(err, "opening chunk log")
	}
	defer log.Close()
	logInfo, err := log.Stat()
	if err != nil {
		return wrapBlockLog(err, "stating chunk log")
	}
	first, err := readLogHeader(log)
	if err != nil {
		return err
	}
	if first != c.first {
		return blockLogErrorf("chunk %s claims first block %d in header", c.logPath, first)
	}
	block, end, err := readEntryAt(log, pos, logInfo.Size())
	if err != nil {
		return err
	}
	if end != logInfo.Size() {
		return blockLogErrorf("chunk %s has %d trailing bytes", c.logPath, logInfo.Size()-end)
	}
	if n := block.SignedHeader.Header.BlockNum(); n != c.last {
		return blockLogErrorf("chunk %s last entry is block %d, want %d", c.logPath, n, c.last)
	}
	return nil
}

func (b *BlockLog) openHead() error {
	logPath := filepath.Join(b.dir, headLogName)
	indexPath := filepath.Join(b.dir, headIndexName)

	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return wrapBlockLog(err, "opening head log")
	}
	indexFile, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		logFile.Close()
		return wrapBlockLog(err, "opening head index")
	}
	b.log = logFile
	b.index = indexFile

	logInfo, err := logFile.Stat()
	if err != nil {
		return wrapBlockLog(err, "stating head log")
	}
	if logInfo.Size() == 0 {
		indexInfo, err := indexFile.Stat()
		if err != nil {
			return wrapBlockLog(err, "stating head index")
		}
		if indexInfo.Size() != 0 {
			return blockLogErrorf("head index nonempty but head log empty")
		}
		return nil
	}

	first, err := readLogHeader(logFile)
	if err != nil {
		return err
	}
	b.firstNum = first

	indexInfo, err := indexFile.Stat()
	if err != nil {
		return wrapBlockLog(err, "stating head index")
	}
	if indexInfo.Size()%indexEntryLen != 0 {
		return blockLogErrorf("head index size %d not a multiple of %d", indexInfo.Size(), indexEntryLen)
	}
	count := indexInfo.Size() / indexEntryLen
	if count == 0 {
		return blockLogErrorf("head log nonempty but head index empty")
	}
	b.positions = make([]uint64, count)
	buf := make([]byte, indexInfo.Size())
	if _, err := indexFile.ReadAt(buf, 0); err != nil {
		return wrapBlockLog(err, "reading head index")
	}
	prev := uint64(0)
	for i := range b.positions {
		b.positions[i] = binary.LittleEndian.Uint64(buf[i*indexEntryLen:])
		if i > 0 && b.positions[i] <= prev {
			return blockLogErrorf("head index positions not increasing at entry %d", i)
		}
		prev = b.positions[i]
	}
	if b.positions[0] != logHeaderLen {
		return blockLogErrorf("head index first position %d, want %d", b.positions[0], logHeaderLen)
	}

	// The final entry must decode and land exactly on end of file.
	block, end, err := readEntryAt(logFile, prev, logInfo.Size())
	if err != nil {
		return err
	}
	if end != logInfo.Size() {
		return blockLogErrorf("head log has %d trailing bytes", logInfo.Size()-end)
	}
	wantLast := b.firstNum + uint32(count) - 1
	if n := block.SignedHeader.Header.BlockNum(); n != wantLast {
		return blockLogErrorf("head log last entry is block %d, want %d", n, wantLast)
	}
	b.count = uint32(count)
	return nil
}

func readLogHeader(f *os.File) (uint32, error) {
	var hdr [logHeaderLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, wrapBlockLog(err, "reading log header")
	}
	if v := binary.LittleEndian.Uint32(hdr[0:4]); v != logVersion {
		return 0, blockLogErrorf("unsupported log version %d", v)
	}
	first := binary.LittleEndian.Uint32(hdr[4:8])
	if first == 0 {
		return 0, blockLogErrorf("log header names block 0")
	}
	return first, nil
}

func readEntryAt(f *os.File, pos uint64, limit int64) (*savanna.SignedBlock, int64, error) {
	if int64(pos)+4 > limit {
		return nil, 0, blockLogErrorf("entry position %d past end of log", pos)
	}
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], int64(pos)); err != nil {
		return nil, 0, wrapBlockLog(err, "reading entry length")
	}
	entryLen := binary.LittleEndian.Uint32(lenBuf[:])
	if entryLen == 0 || entryLen > maxEntryLen {
		return nil, 0, blockLogErrorf("entry at %d has length %d", pos, entryLen)
	}
	end := int64(pos) + 4 + int64(entryLen)
	if end > limit {
		return nil, 0, blockLogErrorf("entry at %d overruns log", pos)
	}
	payload := make([]byte, entryLen)
	if _, err := f.ReadAt(payload, int64(pos)+4); err != nil {
		return nil, 0, wrapBlockLog(err, "reading entry")
	}
	block, err := savanna.SignedBlockFromBytes(payload)
	if err != nil {
		return nil, 0, blockLogErrorf("decoding entry at %d: %v", pos, err)
	}
	return block, end, nil
}

// Append writes the block at the tail of the head log. The first block
// appended to an empty store fixes the log's starting number; every
// later block must extend the head by exactly one.
func (b *BlockLog) Append(block *savanna.SignedBlock) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	n := block.SignedHeader.Header.BlockNum()
	if b.count == 0 && len(b.retained) == 0 {
		if err := b.startHead(n); err != nil {
			return err
		}
	} else {
		head := b.headBlockNumLocked()
		if n != head+1 {
			return blockLogErrorf("appending block %d after head %d", n, head)
		}
		if b.count == 0 {
			if err := b.startHead(n); err != nil {
				return err
			}
		}
	}

	payload := block.Bytes()
	pos := uint64(logHeaderLen)
	if b.count > 0 {
		last := b.positions[b.count-1]
		var lenBuf [4]byte
		if _, err := b.log.ReadAt(lenBuf[:], int64(last)); err != nil {
			return wrapBlockLog(err, "reading tail entry length")
		}
		pos = last + 4 + uint64(binary.LittleEndian.Uint32(lenBuf[:]))
	}

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := b.log.WriteAt(buf, int64(pos)); err != nil {
		return wrapBlockLog(err, "writing entry")
	}
	var posBuf [indexEntryLen]byte
	binary.LittleEndian.PutUint64(posBuf[:], pos)
	if _, err := b.index.WriteAt(posBuf[:], int64(b.count)*indexEntryLen); err != nil {
		return wrapBlockLog(err, "writing index entry")
	}
	if err := b.log.Sync(); err != nil {
		return wrapBlockLog(err, "syncing log")
	}
	if err := b.index.Sync(); err != nil {
		return wrapBlockLog(err, "syncing index")
	}
	b.positions = append(b.positions, pos)
	b.count++
	b.cache.Add(n, block)

	if b.stride > 0 && b.count >= b.stride {
		return b.rotateLocked()
	}
	return nil
}

func (b *BlockLog) startHead(first uint32) error {
	var hdr [logHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], logVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], first)
	if _, err := b.log.WriteAt(hdr[:], 0); err != nil {
		return wrapBlockLog(err, "writing log header")
	}
	b.firstNum = first
	return nil
}

// rotateLocked seals the head log into a retained chunk pair and
// enforces the retention limit, archiving or deleting the oldest
// chunks past it.
func (b *BlockLog) rotateLocked() error {
	last := b.firstNum + b.count - 1
	base := chunkBaseName(b.firstNum, last)
	logPath := filepath.Join(b.retainedDir, base+".log")
	indexPath := filepath.Join(b.retainedDir, base+".index")

	if err := b.log.Close(); err != nil {
		return wrapBlockLog(err, "closing head log")
	}
	if err := b.index.Close(); err != nil {
		return wrapBlockLog(err, "closing head index")
	}
	if err := os.Rename(filepath.Join(b.dir, headLogName), logPath); err != nil {
		return wrapBlockLog(err, "rotating head log")
	}
	if err := os.Rename(filepath.Join(b.dir, headIndexName), indexPath); err != nil {
		return wrapBlockLog(err, "rotating head index")
	}
	b.retained = append(b.retained, chunk{
		first:     b.firstNum,
		last:      last,
		logPath:   logPath,
		indexPath: indexPath,
	})

	if b.maxRetained > 0 {
		for uint32(len(b.retained)) > b.maxRetained {
			oldest := b.retained[0]
			b.retained = b.retained[1:]
			if err := b.evictChunk(oldest); err != nil {
				return err
			}
		}
	}

	b.firstNum = 0
	b.count = 0
	b.positions = b.positions[:0]
	return b.reopenHead()
}

func (b *BlockLog) evictChunk(c chunk) error {
	if b.archiveDir != "" {
		base := chunkBaseName(c.first, c.last)
		if err := os.Rename(c.logPath, filepath.Join(b.archiveDir, base+".log")); err != nil {
			return wrapBlockLog(err, "archiving chunk log")
		}
		if err := os.Rename(c.indexPath, filepath.Join(b.archiveDir, base+".index")); err != nil {
			return wrapBlockLog(err, "archiving chunk index")
		}
		return nil
	}
	if err := os.Remove(c.logPath); err != nil {
		return wrapBlockLog(err, "removing chunk log")
	}
	if err := os.Remove(c.indexPath); err != nil {
		return wrapBlockLog(err, "removing chunk index")
	}
	return nil
}

func (b *BlockLog) reopenHead() error {
	logFile, err := os.OpenFile(filepath.Join(b.dir, headLogName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return wrapBlockLog(err, "creating head log")
	}
	indexFile, err := os.OpenFile(filepath.Join(b.dir, headIndexName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		logFile.Close()
		return wrapBlockLog(err, "creating head index")
	}
	b.log = logFile
	b.index = indexFile
	return nil
}

// Fetch returns the block with the given number, or a BlockLogError
// when it is outside the retained range.
func (b *BlockLog) Fetch(n uint32) (*savanna.SignedBlock, error) {
	if block, ok := b.cache.Get(n); ok {
		return block, nil
	}

	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.count > 0 && n >= b.firstNum && n < b.firstNum+b.count {
		info, err := b.log.Stat()
		if err != nil {
			return nil, wrapBlockLog(err, "stating head log")
		}
		block, _, err := readEntryAt(b.log, b.positions[n-b.firstNum], info.Size())
		if err != nil {
			return nil, err
		}
		b.cache.Add(n, block)
		return block, nil
	}

	i := sort.Search(len(b.retained), func(i int) bool { return b.retained[i].last >= n })
	if i == len(b.retained) || n < b.retained[i].first {
		return nil, blockLogErrorf("block %d not in log", n)
	}
	block, err := fetchFromChunk(b.retained[i], n)
	if err != nil {
		return nil, err
	}
	b.cache.Add(n, block)
	return block, nil
}

func fetchFromChunk(c chunk, n uint32) (*savanna.SignedBlock, error) {
	idx, err := os.Open(c.indexPath)
	if err != nil {
		return nil, wrapBlockLog(err, "opening chunk index")
	}
	defer idx.Close()
	var posBuf [indexEntryLen]byte
	if _, err := idx.ReadAt(posBuf[:], int64(n-c.first)*indexEntryLen); err != nil {
		return nil, wrapBlockLog(err, "reading chunk index")
	}
	pos := binary.LittleEndian.Uint64(posBuf[:])

	log, err := os.Open(c.logPath)
	if err != nil {
		return nil, wrapBlockLog(err, "opening chunk log")
	}
	defer log.Close()
	info, err := log.Stat()
	if err != nil {
		return nil, wrapBlockLog(err, "stating chunk log")
	}
	block, _, err := readEntryAt(log, pos, info.Size())
	if err != nil {
		return nil, err
	}
	if got := block.SignedHeader.Header.BlockNum(); got != n {
		return nil, blockLogErrorf("chunk %s entry %d decodes to block %d", c.logPath, n, got)
	}
	return block, nil
}

// FirstBlockNum returns the lowest retained block number. The second
// result is false when the log is empty.
func (b *BlockLog) FirstBlockNum() (uint32, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if len(b.retained) > 0 {
		return b.retained[0].first, true
	}
	if b.count > 0 {
		return b.firstNum, true
	}
	return 0, false
}

// HeadBlockNum returns the highest block number in the log. The second
// result is false when the log is empty.
func (b *BlockLog) HeadBlockNum() (uint32, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	n := b.headBlockNumLocked()
	return n, n != 0
}

func (b *BlockLog) headBlockNumLocked() uint32 {
	if b.count > 0 {
		return b.firstNum + b.count - 1
	}
	if len(b.retained) > 0 {
		return b.retained[len(b.retained)-1].last
	}
	return 0
}

func (b *BlockLog) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var firstErr error
	if b.log != nil {
		if err := b.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.log = nil
	}
	if b.index != nil {
		if err := b.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.index = nil
	}
	if firstErr != nil {
		return wrapBlockLog(firstErr, "closing block log")
	}
	return nil
}
