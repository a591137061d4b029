// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// okReply builds a successful action reply carrying data.
func okReply(data any) *onebot.ActionReply {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return &onebot.ActionReply{Status: "ok", Data: raw}
}

// actionCall records one call made through mockActions.
type actionCall struct {
	Action string
	Params any
}

// mockActions is an ActionCaller answering from a table of handlers.
type mockActions struct {
	mu       sync.Mutex
	calls    []actionCall
	handlers map[string]func(params any) (*onebot.ActionReply, error)
}

func newMockActions() *mockActions {
	return &mockActions{handlers: make(map[string]func(any) (*onebot.ActionReply, error))}
}

func (m *mockActions) On(action string, fn func(params any) (*onebot.ActionReply, error)) *mockActions {
	m.handlers[action] = fn
	return m
}

// Reply makes action always answer with data.
func (m *mockActions) Reply(action string, data any) *mockActions {
	return m.On(action, func(any) (*onebot.ActionReply, error) { return okReply(data), nil })
}

// Fail makes action always fail with err.
func (m *mockActions) Fail(action string, err error) *mockActions {
	return m.On(action, func(any) (*onebot.ActionReply, error) { return nil, err })
}

func (m *mockActions) Call(_ context.Context, action string, params any) (*onebot.ActionReply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, actionCall{Action: action, Params: params})
	fn := m.handlers[action]
	m.mu.Unlock()
	if fn == nil {
		return nil, &ActionFailedError{Action: action, Status: "failed", RetCode: 1404}
	}
	return fn(params)
}

func (m *mockActions) Calls() []actionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]actionCall(nil), m.calls...)
}

func (m *mockActions) Actions() []string {
	var out []string
	for _, c := range m.Calls() {
		out = append(out, c.Action)
	}
	return out
}

// mockSource hands out a fixed ActionCaller.
type mockSource struct {
	actions ActionCaller
}

func (s mockSource) Actions() (ActionCaller, error) {
	if s.actions == nil {
		return nil, ErrNoSession
	}
	return s.actions, nil
}

// mockFetcher serves base64 payloads from a map; unknown URLs fail.
type mockFetcher map[string]string

func (f mockFetcher) FetchBase64(_ context.Context, url string) (string, error) {
	if b64, ok := f[url]; ok {
		return b64, nil
	}
	return "", &FetchError{URL: url, StatusCode: 404}
}

// mockUpstream captures messages sent to the router.
type mockUpstream struct {
	mu   sync.Mutex
	msgs []*maim.MessageBase
	sent chan *maim.MessageBase
	err  error
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{sent: make(chan *maim.MessageBase, 64)}
}

// Connected reports the upstream as connected unless sends are set to fail.
func (u *mockUpstream) Connected() bool {
	return u.err == nil
}

func (u *mockUpstream) Send(_ context.Context, msg *maim.MessageBase) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	u.msgs = append(u.msgs, msg)
	u.mu.Unlock()
	u.sent <- msg
	return nil
}

func (u *mockUpstream) Messages() []*maim.MessageBase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*maim.MessageBase(nil), u.msgs...)
}

// frameRecorder is a frameWriter that keeps every frame written.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	notify chan []byte
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{notify: make(chan []byte, 16)}
}

func (f *frameRecorder) WriteFrame(_ context.Context, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.frames = append(f.frames, data)
	f.mu.Unlock()
	f.notify <- data
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// segTexts returns the text payloads of a seglist's children, with the kind
// prefixed for non-text children.
func segTexts(seg maim.Seg) []string {
	var out []string
	for _, child := range seg.Children {
		if child.Type == maim.SegText {
			out = append(out, child.Str)
		} else {
			out = append(out, string(child.Type)+":"+child.Str)
		}
	}
	return out
}
