// Copyright 2024-2026 Aiku AI

package maim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send while the router connection is down.
var ErrNotConnected = errors.New("router not connected")

// Handler receives canonical messages pushed by the router. It is called from
// the read loop and must not block.
type Handler func(ctx context.Context, msg *MessageBase)

// RouterConfig configures the router client.
type RouterConfig struct {
	URL            string
	Platform       string
	Token          string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

// Router is a reconnecting WebSocket client for the MaiBot router.
type Router struct {
	cfg    RouterConfig
	dialer *websocket.Dialer
	log    zerolog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// NewRouter creates a router client. Call Run to connect.
func NewRouter(cfg RouterConfig, log zerolog.Logger) *Router {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Router{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.With().Str("component", "maim_router").Logger(),
	}
}

// RegisterHandler sets the callback for inbound router messages.
func (r *Router) RegisterHandler(h Handler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// Connected reports whether a router connection is currently open.
func (r *Router) Connected() bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn != nil
}

// Run connects to the router and keeps reconnecting until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Dur("retry_in", r.cfg.ReconnectDelay).Msg("Router connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

func (r *Router) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("platform", r.cfg.Platform)
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial router: %w", err)
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	r.log.Info().Str("url", r.cfg.URL).Msg("Connected to router")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		r.connMu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.connMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg MessageBase
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Warn().Err(err).Int("size", len(data)).Msg("Dropping malformed router message")
			continue
		}
		r.handlerMu.RLock()
		h := r.handler
		r.handlerMu.RUnlock()
		if h == nil {
			r.log.Debug().Str("message_id", msg.MessageInfo.MessageID).Msg("No handler registered, dropping router message")
			continue
		}
		h(ctx, &msg)
	}
}

// Send writes a canonical message to the router.
func (r *Router) Send(ctx context.Context, msg *MessageBase) error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	deadline := time.Now().Add(r.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to router: %w", err)
	}
	return nil
}

// Close drops the current connection. Run will redial unless its context is done.
func (r *Router) Close() error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
