// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocklog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"savanna"
)

// logWalker iterates a single .log file entry by entry, checking that
// block numbers stay sequential and that entries exactly tile the file.
type logWalker struct {
	f     *os.File
	size  int64
	pos   int64
	first uint32
	next  uint32
}

func openWalker(path string) (*logWalker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapBlockLog(err, "opening log")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapBlockLog(err, "stating log")
	}
	first, err := readLogHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &logWalker{f: f, size: info.Size(), pos: logHeaderLen, first: first, next: first}, nil
}

func (w *logWalker) close() { w.f.Close() }

// nextEntry returns the entry position, the block, and false once the file
// is exhausted.
func (w *logWalker) nextEntry() (uint64, *savanna.SignedBlock, bool, error) {
	if w.pos == w.size {
		return 0, nil, false, nil
	}
	pos := uint64(w.pos)
	block, end, err := readEntryAt(w.f, pos, w.size)
	if err != nil {
		return 0, nil, false, err
	}
	if n := block.SignedHeader.Header.BlockNum(); n != w.next {
		return 0, nil, false, blockLogErrorf("entry at %d is block %d, want %d", pos, n, w.next)
	}
	w.pos = end
	w.next++
	return pos, block, true, nil
}

// logWriter builds a .log/.index pair entry by entry.
type logWriter struct {
	log   *os.File
	index *os.File
	pos   uint64
	count uint32
}

func createLogPair(logPath, indexPath string, first uint32) (*logWriter, error) {
	log, err := os.Create(logPath)
	if err != nil {
		return nil, wrapBlockLog(err, "creating log")
	}
	index, err := os.Create(indexPath)
	if err != nil {
		log.Close()
		return nil, wrapBlockLog(err, "creating index")
	}
	var hdr [logHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], logVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], first)
	if _, err := log.Write(hdr[:]); err != nil {
		log.Close()
		index.Close()
		return nil, wrapBlockLog(err, "writing log header")
	}
	return &logWriter{log: log, index: index, pos: logHeaderLen}, nil
}

func (w *logWriter) append(block *savanna.SignedBlock) error {
	payload := block.Bytes()
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.log.Write(buf); err != nil {
		return wrapBlockLog(err, "writing entry")
	}
	var posBuf [indexEntryLen]byte
	binary.LittleEndian.PutUint64(posBuf[:], w.pos)
	if _, err := w.index.Write(posBuf[:]); err != nil {
		return wrapBlockLog(err, "writing index entry")
	}
	w.pos += 4 + uint64(len(payload))
	w.count++
	return nil
}

func (w *logWriter) close() error {
	if err := w.log.Sync(); err != nil {
		w.log.Close()
		w.index.Close()
		return wrapBlockLog(err, "syncing log")
	}
	if err := w.index.Sync(); err != nil {
		w.log.Close()
		w.index.Close()
		return wrapBlockLog(err, "syncing index")
	}
	if err := w.log.Close(); err != nil {
		w.index.Close()
		return wrapBlockLog(err, "closing log")
	}
	if err := w.index.Close(); err != nil {
		return wrapBlockLog(err, "closing index")
	}
	return nil
}

func indexPathFor(logPath string) string {
	return strings.TrimSuffix(logPath, ".log") + ".index"
}

// SplitBlocklog rewrites the flat log at src into stride-sized
// blocks-<first>-<last> chunk pairs under dstDir. A final partial
// chunk keeps its actual range.
func SplitBlocklog(src, dstDir string, stride uint32) error {
	if stride == 0 {
		return blockLogErrorf("split stride must be positive")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return wrapBlockLog(err, "creating destination directory")
	}
	w, err := openWalker(src)
	if err != nil {
		return err
	}
	defer w.close()

	var out *logWriter
	var chunkFirst uint32
	var pending []*savanna.SignedBlock
	flush := func(last uint32) error {
		base := chunkBaseName(chunkFirst, last)
		out, err = createLogPair(
			filepath.Join(dstDir, base+".log"),
			filepath.Join(dstDir, base+".index"),
			chunkFirst)
		if err != nil {
			return err
		}
		for _, b := range pending {
			if err := out.append(b); err != nil {
				out.close()
				return err
			}
		}
		pending = pending[:0]
		return out.close()
	}

	for {
		_, block, ok, err := w.nextEntry()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n := block.SignedHeader.Header.BlockNum()
		if len(pending) == 0 {
			chunkFirst = n
		}
		pending = append(pending, block)
		if uint32(len(pending)) == stride {
			if err := flush(n); err != nil {
				return err
			}
		}
	}
	if len(pending) > 0 {
		return flush(chunkFirst + uint32(len(pending)) - 1)
	}
	return nil
}

// MergeBlocklogs concatenates every contiguous chunk pair in srcDir
// into a single flat blocks.log/blocks.index in dstDir.
func MergeBlocklogs(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return wrapBlockLog(err, "reading source directory")
	}
	var chunks []chunk
	for _, e := range entries {
		m := chunkNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		logPath := filepath.Join(srcDir, e.Name())
		chunks = append(chunks, chunk{logPath: logPath, indexPath: indexPathFor(logPath)})
	}
	if len(chunks) == 0 {
		return blockLogErrorf("no chunks in %s", srcDir)
	}
	for i := range chunks {
		w, err := openWalker(chunks[i].logPath)
		if err != nil {
			return err
		}
		chunks[i].first = w.first
		w.close()
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].first < chunks[j].first })

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return wrapBlockLog(err, "creating destination directory")
	}
	out, err := createLogPair(
		filepath.Join(dstDir, headLogName),
		filepath.Join(dstDir, headIndexName),
		chunks[0].first)
	if err != nil {
		return err
	}
	next := chunks[0].first
	for _, c := range chunks {
		w, err := openWalker(c.logPath)
		if err != nil {
			out.close()
			return err
		}
		if w.first != next {
			w.close()
			out.close()
			return blockLogErrorf("chunk %s starts at %d, want %d", c.logPath, w.first, next)
		}
		for {
			_, block, ok, err := w.nextEntry()
			if err != nil {
				w.close()
				out.close()
				return err
			}
			if !ok {
				break
			}
			if err := out.append(block); err != nil {
				w.close()
				out.close()
				return err
			}
			next++
		}
		w.close()
	}
	return out.close()
}

// TrimBlocklogFront copies the tail of the flat log at path, starting
// at newFirst, into dstDir/blocks.log.
func TrimBlocklogFront(path, dstDir string, newFirst uint32) error {
	w, err := openWalker(path)
	if err != nil {
		return err
	}
	defer w.close()
	if newFirst < w.first {
		return blockLogErrorf("log already starts at %d, before %d", w.first, newFirst)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return wrapBlockLog(err, "creating destination directory")
	}
	out, err := createLogPair(
		filepath.Join(dstDir, headLogName),
		filepath.Join(dstDir, headIndexName),
		newFirst)
	if err != nil {
		return err
	}
	kept := uint32(0)
	for {
		_, block, ok, err := w.nextEntry()
		if err != nil {
			out.close()
			return err
		}
		if !ok {
			break
		}
		if block.SignedHeader.Header.BlockNum() < newFirst {
			continue
		}
		if err := out.append(block); err != nil {
			out.close()
			return err
		}
		kept++
	}
	if kept == 0 {
		out.close()
		return blockLogErrorf("log ends before block %d", newFirst)
	}
	return out.close()
}

// TrimBlocklogEnd truncates the flat log at path, in place, so its
// last block is newLast.
func TrimBlocklogEnd(path string, newLast uint32) error {
	w, err := openWalker(path)
	if err != nil {
		return err
	}
	first := w.first
	if newLast < first {
		w.close()
		return blockLogErrorf("cannot trim below first block %d", first)
	}
	var cut int64
	found := false
	for {
		pos, block, ok, err := w.nextEntry()
		if err != nil {
			w.close()
			return err
		}
		if !ok {
			break
		}
		if block.SignedHeader.Header.BlockNum() == newLast+1 {
			cut = int64(pos)
			found = true
			break
		}
	}
	w.close()
	if !found {
		return nil
	}
	if err := os.Truncate(path, cut); err != nil {
		return wrapBlockLog(err, "truncating log")
	}
	indexLen := int64(newLast-first) + 1
	if err := os.Truncate(indexPathFor(path), indexLen*indexEntryLen); err != nil {
		return wrapBlockLog(err, "truncating index")
	}
	return nil
}

// SmokeTest walks every entry of the flat log at path, verifying the
// starting block, sequential numbering, index agreement, and that each
// entry decodes.
func SmokeTest(path string, firstBlock uint32) error {
	w, err := openWalker(path)
	if err != nil {
		return err
	}
	defer w.close()
	if w.first != firstBlock {
		return blockLogErrorf("log starts at block %d, want %d", w.first, firstBlock)
	}

	idx, err := os.Open(indexPathFor(path))
	if err != nil {
		return wrapBlockLog(err, "opening index")
	}
	defer idx.Close()
	info, err := idx.Stat()
	if err != nil {
		return wrapBlockLog(err, "stating index")
	}
	if info.Size()%indexEntryLen != 0 {
		return blockLogErrorf("index size %d not a multiple of %d", info.Size(), indexEntryLen)
	}

	count := int64(0)
	for {
		pos, _, ok, err := w.nextEntry()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if count*indexEntryLen >= info.Size() {
			return blockLogErrorf("index has %d entries, log has more", info.Size()/indexEntryLen)
		}
		var posBuf [indexEntryLen]byte
		if _, err := idx.ReadAt(posBuf[:], count*indexEntryLen); err != nil {
			return wrapBlockLog(err, "reading index entry")
		}
		if indexed := binary.LittleEndian.Uint64(posBuf[:]); indexed != pos {
			return blockLogErrorf("index entry %d is %d, log entry at %d", count, indexed, pos)
		}
		count++
	}
	if count*indexEntryLen != info.Size() {
		return blockLogErrorf("index has %d entries, log has %d", info.Size()/indexEntryLen, count)
	}
	return nil
}
