// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// ActionCaller sends an action to the gateway and waits for its reply.
// A reply whose status is not ok is returned as an *ActionFailedError.
type ActionCaller interface {
	Call(ctx context.Context, action string, params any) (*onebot.ActionReply, error)
}

// frameWriter writes one text frame to the gateway.
type frameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// ActionClient turns the duplex gateway socket into request/response calls
// by tagging each request with a fresh echo token registered in a Pool.
type ActionClient struct {
	pool    *Pool
	w       frameWriter
	timeout time.Duration
	log     zerolog.Logger
	newEcho func() string
}

var _ ActionCaller = (*ActionClient)(nil)

func NewActionClient(pool *Pool, w frameWriter, timeout time.Duration, log zerolog.Logger) *ActionClient {
	return &ActionClient{
		pool:    pool,
		w:       w,
		timeout: timeout,
		log:     log,
		newEcho: uuid.NewString,
	}
}

// CallAsync sends the action and returns a Future for its reply without
// waiting. The caller must Wait on or Cancel the future.
func (c *ActionClient) CallAsync(ctx context.Context, action string, params any, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	req := &onebot.Request{Action: action, Params: params, Echo: c.newEcho()}
	data, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", action, err)
	}
	fut, err := c.pool.Register(req.Echo, action, timeout)
	if err != nil {
		return nil, err
	}
	if err = c.w.WriteFrame(ctx, data); err != nil {
		c.pool.Fail(req.Echo, err)
		return nil, &TransportClosedError{Cause: err}
	}
	c.log.Trace().Str("action", action).Str("echo", req.Echo).Msg("Sent action")
	return fut, nil
}

// CallTimeout is Call with an explicit deadline instead of the default one.
func (c *ActionClient) CallTimeout(ctx context.Context, action string, params any, timeout time.Duration) (*onebot.ActionReply, error) {
	fut, err := c.CallAsync(ctx, action, params, timeout)
	if err != nil {
		return nil, err
	}
	reply, err := fut.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return reply, &ActionFailedError{
			Action:  action,
			Status:  reply.Status,
			RetCode: reply.RetCode,
			Message: firstNonEmpty(reply.Wording, reply.Message),
		}
	}
	return reply, nil
}

func (c *ActionClient) Call(ctx context.Context, action string, params any) (*onebot.ActionReply, error) {
	return c.CallTimeout(ctx, action, params, 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
