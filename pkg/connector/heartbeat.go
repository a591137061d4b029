// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// SessionStatus is the liveness state of a gateway session.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusAlive        SessionStatus = "alive"
	StatusDisconnected SessionStatus = "disconnected"
)

// DefaultHeartbeatGrace is how long past the advertised interval a heartbeat
// may be late before the session is considered dead.
const DefaultHeartbeatGrace = 3 * time.Second

// Heartbeat tracks the liveness of one session. It starts Connecting, turns
// Alive on the lifecycle connect event, and turns Disconnected exactly once
// when heartbeats stop. A Heartbeat is never reused for another connection.
type Heartbeat struct {
	mu       sync.Mutex
	status   SessionStatus
	lastBeat time.Time
	interval time.Duration
	grace    time.Duration

	now    func() time.Time
	onDead func()
	stop   chan struct{}
	log    zerolog.Logger
}

// NewHeartbeat creates a supervisor. interval is used until the gateway
// advertises its own; onDead is called once on the transition to Disconnected.
func NewHeartbeat(interval time.Duration, onDead func(), log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		status:   StatusConnecting,
		interval: interval,
		grace:    DefaultHeartbeatGrace,
		now:      time.Now,
		onDead:   onDead,
		stop:     make(chan struct{}),
		log:      log,
	}
}

// Status returns the current state.
func (h *Heartbeat) Status() SessionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Interval returns the current expected heartbeat interval.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// LastBeat returns when the last healthy heartbeat was observed.
func (h *Heartbeat) LastBeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBeat
}

// Connect handles the lifecycle connect event. It returns false if the
// session was not Connecting, in which case nothing changes.
func (h *Heartbeat) Connect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusConnecting {
		return false
	}
	h.status = StatusAlive
	h.lastBeat = h.now()
	h.log.Info().Dur("interval", h.interval).Msg("Gateway connected, heartbeat supervision started")
	return true
}

// Beat records a heartbeat event. Healthy beats refresh the timestamp and
// adopt the advertised interval; unhealthy ones are only logged.
func (h *Heartbeat) Beat(status *onebot.HeartbeatStatus, interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusDisconnected {
		return
	}
	if !status.Healthy() {
		h.log.Warn().Any("status", status).Msg("Gateway reports degraded status")
		return
	}
	h.lastBeat = h.now()
	if interval > 0 && interval != h.interval {
		h.log.Debug().Dur("old", h.interval).Dur("new", interval).Msg("Gateway changed heartbeat interval")
		h.interval = interval
	}
	h.log.Debug().Msg("Heartbeat OK")
}

// Check runs one liveness check and reports whether the session is still
// alive. A stale session is moved to Disconnected and onDead is called.
func (h *Heartbeat) Check() bool {
	h.mu.Lock()
	switch h.status {
	case StatusDisconnected:
		h.mu.Unlock()
		return false
	case StatusConnecting:
		h.mu.Unlock()
		return true
	}
	gap := h.now().Sub(h.lastBeat)
	if gap <= h.interval+h.grace {
		h.mu.Unlock()
		return true
	}
	h.status = StatusDisconnected
	h.mu.Unlock()

	h.log.Warn().Dur("since_last_heartbeat", gap).Msg("Heartbeat timed out, dropping gateway session")
	if h.onDead != nil {
		h.onDead()
	}
	return false
}

// Run performs a check every interval until the session dies, Stop is called
// or ctx is done. The interval is re-read each round.
func (h *Heartbeat) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(h.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		if !h.Check() {
			return
		}
	}
}

// Stop ends the check loop and marks the session Disconnected without
// calling onDead.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusDisconnected {
		select {
		case <-h.stop:
		default:
			close(h.stop)
		}
		return
	}
	h.status = StatusDisconnected
	close(h.stop)
}
