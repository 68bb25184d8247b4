// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statehistory

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"savanna"
)

const defaultWriteTimeout = 30 * time.Second

// ChainSource is the session's read-only view of the node.
type ChainSource interface {
	Head() BlockPosition
	LastIrreversible() BlockPosition
	BlockID(n uint32) (savanna.Digest, bool)
	Block(n uint32) (*savanna.SignedBlock, bool)
}

// PayloadLog stores zlib-compressed per-block payloads (traces, state
// deltas, finality data). Entries are decompressed by the session's
// writer before they hit the wire; nothing else touches the
// compression stream.
type PayloadLog interface {
	BlockRange() (first, last uint32)
	Entry(blockNum uint32) ([]byte, bool, error)
}

// CompressPayload encodes a payload the way PayloadLog entries are
// stored.
func CompressPayload(b []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(b)
	w.Close()
	return buf.Bytes()
}

func decompressPayload(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "opening payload stream")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing payload")
	}
	return out, nil
}

// Session serves one state-history client. A reader goroutine parses
// requests and a writer goroutine drains status replies and block
// results; the two share the subscription state under the mutex. The
// request's StartBlockNum is the live cursor and MaxMessagesInFlight
// the live credit balance.
type Session struct {
	log    savanna.Logger
	conn   *websocket.Conn
	chain  ChainSource
	traces PayloadLog
	deltas PayloadLog
	final  PayloadLog

	writeTimeout time.Duration
	onDone       func(*Session)

	mtx            sync.Mutex
	statusRequests []bool
	blocksRequest  GetBlocksRequestV0
	v1Finality     *bool

	wake      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// SessionConfig wires a session. TraceLog, DeltaLog, and FinalityLog
// may be nil when the corresponding payload is not collected.
type SessionConfig struct {
	Logger       savanna.Logger
	Conn         *websocket.Conn
	Chain        ChainSource
	TraceLog     PayloadLog
	DeltaLog     PayloadLog
	FinalityLog  PayloadLog
	WriteTimeout time.Duration
	OnDone       func(*Session)
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		log:          cfg.Logger,
		conn:         cfg.Conn,
		chain:        cfg.Chain,
		traces:       cfg.TraceLog,
		deltas:       cfg.DeltaLog,
		final:        cfg.FinalityLog,
		writeTimeout: cfg.WriteTimeout,
		onDone:       cfg.OnDone,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		if s.onDone != nil {
			s.onDone(s)
		}
	}()
	return s
}

// BlockApplied tells the session a block with the given number was
// applied. A number at or below an already-sent position means a fork
// replaced blocks the client has, so the cursor rewinds to resend
// from there.
func (s *Session) BlockApplied(blockNum uint32) {
	s.mtx.Lock()
	if blockNum < s.blocksRequest.StartBlockNum {
		s.blocksRequest.StartBlockNum = blockNum
	}
	s.mtx.Unlock()
	s.awake()
}

func (s *Session) awake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close tears the connection down and releases both loops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	s.awake()
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.Close()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debug("state history connection closed", zap.Error(err))
			}
			return
		}
		req, err := DecodeRequest(payload)
		if err != nil {
			s.log.Debug("bad state history request", zap.Error(err))
			return
		}
		s.applyRequest(req)
		s.awake()
	}
}

func (s *Session) applyRequest(req interface{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch r := req.(type) {
	case *GetStatusRequestV0:
		s.statusRequests = append(s.statusRequests, false)
	case *GetStatusRequestV1:
		s.statusRequests = append(s.statusRequests, true)
	case *GetBlocksRequestV0:
		s.v1Finality = nil
		s.installBlocksRequest(*r)
	case *GetBlocksRequestV1:
		finality := r.FetchFinalityData
		s.v1Finality = &finality
		s.installBlocksRequest(r.GetBlocksRequestV0)
	case *GetBlocksAckRequestV0:
		s.blocksRequest.MaxMessagesInFlight += r.NumMessages
	}
}

// installBlocksRequest rewinds the start to the oldest have-position
// whose id no longer matches the chain, then drops the positions.
func (s *Session) installBlocksRequest(r GetBlocksRequestV0) {
	for _, have := range r.HavePositions {
		if r.StartBlockNum <= have.BlockNum {
			continue
		}
		id, ok := s.chain.BlockID(have.BlockNum)
		if !ok || id != have.BlockID {
			if have.BlockNum < r.StartBlockNum {
				r.StartBlockNum = have.BlockNum
			}
		}
	}
	r.HavePositions = nil
	s.blocksRequest = r
}

type blockPackage struct {
	result   GetBlocksResultV0
	isV1     bool
	blockNum uint32
	traces   []byte
	deltas   []byte
	finality []byte
	hasBlock bool
}

// nextWork snapshots queued status requests and, when a credit is
// available and the cursor is within range, claims the next block to
// send. Payload entries come out compressed; the writer decompresses
// them after the lock is gone.
func (s *Session) nextWork() ([]bool, *blockPackage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	statusRequests := s.statusRequests
	s.statusRequests = nil

	head := s.chain.Head()
	lib := s.chain.LastIrreversible()
	latest := head.BlockNum
	if s.blocksRequest.IrreversibleOnly {
		latest = lib.BlockNum
	}
	cursor := s.blocksRequest.StartBlockNum
	if s.blocksRequest.MaxMessagesInFlight == 0 || cursor > latest || cursor >= s.blocksRequest.EndBlockNum {
		return statusRequests, nil
	}

	pkg := &blockPackage{
		result:   GetBlocksResultV0{Head: head, LastIrreversible: lib},
		isV1:     s.v1Finality != nil,
		blockNum: cursor,
	}
	if id, ok := s.chain.BlockID(cursor); ok {
		pkg.hasBlock = true
		pkg.result.ThisBlock = &BlockPosition{BlockNum: cursor, BlockID: id}
		if prevID, ok := s.chain.BlockID(cursor - 1); ok {
			pkg.result.PrevBlock = &BlockPosition{BlockNum: cursor - 1, BlockID: prevID}
		}
		if s.blocksRequest.FetchBlock {
			if block, ok := s.chain.Block(cursor); ok {
				pkg.result.Block = block.Bytes()
			}
		}
		pkg.traces = s.payloadEntry(s.traces, s.blocksRequest.FetchTraces, cursor)
		pkg.deltas = s.payloadEntry(s.deltas, s.blocksRequest.FetchDeltas, cursor)
		if pkg.isV1 && *s.v1Finality {
			pkg.finality = s.payloadEntry(s.final, true, cursor)
		}
	}
	s.blocksRequest.StartBlockNum++
	s.blocksRequest.MaxMessagesInFlight--
	return statusRequests, pkg
}

func (s *Session) payloadEntry(log PayloadLog, wanted bool, blockNum uint32) []byte {
	if !wanted || log == nil {
		return nil
	}
	entry, ok, err := log.Entry(blockNum)
	if err != nil {
		s.log.Warn("reading payload entry", zap.Uint32("block", blockNum), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return entry
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.Close()
	for {
		statusRequests, pkg := s.nextWork()
		if len(statusRequests) == 0 && pkg == nil {
			select {
			case <-s.wake:
				continue
			case <-s.closed:
				return
			}
		}

		for _, isV1 := range statusRequests {
			if err := s.writeStatus(isV1); err != nil {
				s.log.Debug("writing status result", zap.Error(err))
				return
			}
		}
		if pkg != nil {
			if err := s.writeBlock(pkg); err != nil {
				s.log.Debug("writing blocks result", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) currentStatus() GetStatusResultV1 {
	var res GetStatusResultV1
	res.Head = s.chain.Head()
	res.LastIrreversible = s.chain.LastIrreversible()
	if s.traces != nil {
		res.TraceBeginBlock, res.TraceEndBlock = s.traces.BlockRange()
	}
	if s.deltas != nil {
		res.ChainStateBeginBlock, res.ChainStateEndBlock = s.deltas.BlockRange()
	}
	if s.final != nil {
		res.FinalityDataBeginBlock, res.FinalityDataEndBlock = s.final.BlockRange()
	}
	return res
}

func (s *Session) writeStatus(isV1 bool) error {
	status := s.currentStatus()
	var res interface{}
	if isV1 {
		res = &status
	} else {
		res = &status.GetStatusResultV0
	}
	return s.writeResult(res)
}

func (s *Session) writeBlock(pkg *blockPackage) error {
	if pkg.hasBlock {
		var err error
		if pkg.result.Traces, err = s.inflate(pkg.traces); err != nil {
			return err
		}
		if pkg.result.Deltas, err = s.inflate(pkg.deltas); err != nil {
			return err
		}
		if pkg.isV1 {
			finality, err := s.inflate(pkg.finality)
			if err != nil {
				return err
			}
			return s.writeResult(&GetBlocksResultV1{GetBlocksResultV0: pkg.result, FinalityData: finality})
		}
	}
	if pkg.isV1 {
		return s.writeResult(&GetBlocksResultV1{GetBlocksResultV0: pkg.result})
	}
	return s.writeResult(&pkg.result)
}

func (s *Session) inflate(compressed []byte) ([]byte, error) {
	if compressed == nil {
		return nil, nil
	}
	return decompressPayload(compressed)
}

func (s *Session) writeResult(res interface{}) error {
	payload, err := EncodeResult(res)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return errors.Wrap(err, "writing result")
	}
	return nil
}
