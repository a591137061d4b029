// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// ErrQueueClosed is returned by EventQueue once it has been closed.
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is an unbounded FIFO with a single consumer. Push never blocks,
// so the ingest loop can keep routing action replies while the consumer is
// itself waiting on one.
type EventQueue struct {
	mu     sync.Mutex
	items  []onebot.Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends evt to the queue.
func (q *EventQueue) Push(evt onebot.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest event, blocking until one is available,
// the queue is closed or ctx is done. Events still queued at Close are
// discarded.
func (q *EventQueue) Pop(ctx context.Context) (onebot.Event, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) > 0 {
			evt := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return evt, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes the consumer and rejects further pushes.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
