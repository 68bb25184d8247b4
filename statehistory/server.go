// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statehistory

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"savanna"
)

// Server upgrades incoming connections into sessions and fans
// block-applied events out to every live one.
type Server struct {
	log      savanna.Logger
	chain    ChainSource
	traces   PayloadLog
	deltas   PayloadLog
	final    PayloadLog
	timeout  time.Duration
	upgrader websocket.Upgrader

	mtx      sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

type ServerConfig struct {
	Logger       savanna.Logger
	Chain        ChainSource
	TraceLog     PayloadLog
	DeltaLog     PayloadLog
	FinalityLog  PayloadLog
	WriteTimeout time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		log:      cfg.Logger,
		chain:    cfg.Chain,
		traces:   cfg.TraceLog,
		deltas:   cfg.DeltaLog,
		final:    cfg.FinalityLog,
		timeout:  cfg.WriteTimeout,
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP implements http.Handler for the websocket endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrading state history connection", zap.Error(err))
		return
	}
	s.log.Info("incoming state history connection", zap.String("remote", conn.RemoteAddr().String()))

	session := NewSession(SessionConfig{
		Logger:       s.log,
		Conn:         conn,
		Chain:        s.chain,
		TraceLog:     s.traces,
		DeltaLog:     s.deltas,
		FinalityLog:  s.final,
		WriteTimeout: s.timeout,
		OnDone:       s.dropSession,
	})

	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		session.Close()
		return
	}
	s.sessions[session] = struct{}{}
	s.mtx.Unlock()
}

func (s *Server) dropSession(session *Session) {
	s.mtx.Lock()
	delete(s.sessions, session)
	s.mtx.Unlock()
	s.log.Debug("state history session done")
}

// BlockApplied forwards the applied block number to every session.
func (s *Server) BlockApplied(blockNum uint32) {
	s.mtx.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mtx.Unlock()
	for _, session := range sessions {
		session.BlockApplied(blockNum)
	}
}

// Close tears down every live session and refuses new ones.
func (s *Server) Close() {
	s.mtx.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mtx.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
