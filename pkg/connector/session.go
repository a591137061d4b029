// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errSessionStopped = errors.New("session stopped")

const (
	frameWriteTimeout = 10 * time.Second
	poolSweepInterval = time.Second
)

// Session is one accepted gateway connection. It owns the connection's
// correlation pool, event queue and heartbeat supervisor, and is torn down
// as a whole when the connection ends.
type Session struct {
	bridge *Bridge
	id     string
	conn   *websocket.Conn
	log    zerolog.Logger

	pool       *Pool
	queue      *EventQueue
	dispatcher *Dispatcher
	actions    *ActionClient
	heartbeat  *Heartbeat
	transcoder *Transcoder

	writeMu  sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
	workers  sync.WaitGroup
}

var _ frameWriter = (*Session)(nil)

// newSession wraps an upgraded gateway connection.
func newSession(bridge *Bridge, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	log := bridge.Log.With().
		Str("component", "napcat_session").
		Str("session_id", id).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()
	s := &Session{
		bridge:   bridge,
		id:       id,
		conn:     conn,
		log:      log,
		pool:     NewPool(),
		queue:    NewEventQueue(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	cfg := bridge.Config
	s.dispatcher = NewDispatcher(s.pool, s.queue, cfg.Bridge.ReportSelfMessages, log)
	s.actions = NewActionClient(s.pool, s, cfg.Bridge.ActionTimeoutDuration(), log)
	s.heartbeat = NewHeartbeat(cfg.NapCat.DefaultHeartbeat(), s.Disconnect, log)
	s.transcoder = NewTranscoder(cfg.MaiBot.Platform, s.actions, bridge.fetcher, log)
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Actions returns the action client bound to this connection.
func (s *Session) Actions() *ActionClient {
	return s.actions
}

// Status returns the heartbeat state of the session.
func (s *Session) Status() SessionStatus {
	return s.heartbeat.Status()
}

// Done is closed once the session has been fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run serves the connection until it closes, the heartbeat dies or ctx is
// done. Teardown has completed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ctx = s.log.WithContext(ctx)
	s.log.Info().Msg("Gateway session started")

	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.process(ctx)
	}()
	go func() {
		defer s.workers.Done()
		s.pool.RunSweeper(ctx, poolSweepInterval)
	}()

	err := s.ingest(ctx)
	s.teardown(err)
	cancel()
	s.workers.Wait()
	close(s.done)
	s.log.Info().Msg("Gateway session ended")
	return err
}

// ingest reads frames in arrival order and hands each to the dispatcher.
// It returns nil when the session was stopped locally.
func (s *Session) ingest(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Disconnect)
	defer stop()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if msgType != websocket.TextMessage {
			s.log.Warn().Int("frame_type", msgType).Msg("Dropping non-text frame")
			continue
		}
		s.dispatcher.Dispatch(data)
	}
}

// process drains the event queue in order until it is closed.
func (s *Session) process(ctx context.Context) {
	for {
		evt, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.handleEvent(ctx, evt)
	}
}

func (s *Session) teardown(err error) {
	s.Disconnect()
	cause := err
	if cause == nil {
		cause = errSessionStopped
	}
	s.pool.FailAll(cause)
	s.queue.Close()
	s.heartbeat.Stop()
	if err != nil {
		s.log.Warn().Err(err).Msg("Gateway disconnected")
	}
}

// goWorker runs fn in a goroutine that Run waits for before returning. It
// must only be called from a goroutine Run is already waiting for.
func (s *Session) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// WriteFrame writes one text frame to the gateway.
func (s *Session) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-s.stopChan:
		return errSessionStopped
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(frameWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the connection. The read loop then ends and Run tears the
// session down. Safe to call more than once.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
