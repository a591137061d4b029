// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

var errClosedSession = errors.New("session closed")

// pendingRequest is one outstanding action call. It is owned by the pool
// until it is removed from the pending map; whoever removes it completes it.
type pendingRequest struct {
	echo     string
	action   string
	issuedAt time.Time
	deadline time.Time

	done  chan struct{}
	reply *onebot.ActionReply
	err   error
}

func (p *pendingRequest) complete(reply *onebot.ActionReply, err error) {
	p.reply = reply
	p.err = err
	close(p.done)
}

// Pool correlates action replies with the calls waiting for them.
type Pool struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  error
	now     func() time.Time
}

func NewPool() *Pool {
	return &Pool{
		pending: make(map[string]*pendingRequest),
		now:     time.Now,
	}
}

// Register adds a pending request for echo. It fails if the echo is already
// pending or the pool has been shut down.
func (p *Pool) Register(echo, action string, timeout time.Duration) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, &TransportClosedError{Cause: p.closed}
	}
	if _, exists := p.pending[echo]; exists {
		return nil, fmt.Errorf("echo %s is already pending", echo)
	}
	now := p.now()
	req := &pendingRequest{
		echo:     echo,
		action:   action,
		issuedAt: now,
		deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}
	p.pending[echo] = req
	return &Future{pool: p, req: req, timeout: timeout}, nil
}

// take removes and returns the pending request for echo, or nil.
func (p *Pool) take(echo string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[echo]
	if !ok {
		return nil
	}
	delete(p.pending, echo)
	return req
}

// Resolve completes the request matching the reply's echo. It returns false
// if nothing was waiting for it.
func (p *Pool) Resolve(reply *onebot.ActionReply) bool {
	req := p.take(reply.Echo)
	if req == nil {
		return false
	}
	req.complete(reply, nil)
	return true
}

// Fail completes the request for echo with err, if it is still pending.
func (p *Pool) Fail(echo string, err error) bool {
	req := p.take(echo)
	if req == nil {
		return false
	}
	req.complete(nil, err)
	return true
}

// Sweep expires every request whose deadline is before now and returns how
// many were expired.
func (p *Pool) Sweep(now time.Time) int {
	p.mu.Lock()
	var expired []*pendingRequest
	for echo, req := range p.pending {
		if now.After(req.deadline) {
			delete(p.pending, echo)
			expired = append(expired, req)
		}
	}
	p.mu.Unlock()
	for _, req := range expired {
		req.complete(nil, &TimeoutError{Action: req.action, Echo: req.echo, Timeout: req.deadline.Sub(req.issuedAt)})
	}
	return len(expired)
}

// FailAll completes every pending request with a TransportClosedError and
// rejects future registrations.
func (p *Pool) FailAll(cause error) {
	p.mu.Lock()
	if p.closed == nil {
		p.closed = cause
		if p.closed == nil {
			p.closed = errClosedSession
		}
	}
	pending := p.pending
	p.pending = make(map[string]*pendingRequest)
	p.mu.Unlock()
	for _, req := range pending {
		req.complete(nil, &TransportClosedError{Cause: cause})
	}
}

// Len returns the number of pending requests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// RunSweeper expires stale requests every interval until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

// Future is the handle for one in-flight action call.
type Future struct {
	pool    *Pool
	req     *pendingRequest
	timeout time.Duration
}

// Echo returns the correlation token of the call.
func (f *Future) Echo() string {
	return f.req.echo
}

// Done is closed once the call is resolved, failed, expired or cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.req.done
}

// Cancel abandons the call. A reply arriving later is ignored.
func (f *Future) Cancel() {
	f.pool.Fail(f.req.echo, context.Canceled)
}

// Wait blocks until the reply arrives, the deadline passes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*onebot.ActionReply, error) {
	timer := time.NewTimer(time.Until(f.req.deadline))
	defer timer.Stop()
	select {
	case <-f.req.done:
	case <-timer.C:
		f.pool.Fail(f.req.echo, &TimeoutError{Action: f.req.action, Echo: f.req.echo, Timeout: f.timeout})
	case <-ctx.Done():
		f.pool.Fail(f.req.echo, ctx.Err())
	}
	// Whichever path completed the request, done is closed by now or will be
	// closed by the racing resolver that took it from the map.
	<-f.req.done
	return f.req.reply, f.req.err
}
