// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// Outcome is what the dispatcher did with one inbound frame.
type Outcome int

const (
	// OutcomeQueued means the event was handed to the event processor.
	OutcomeQueued Outcome = iota
	// OutcomeResolved means the frame completed a pending action call.
	OutcomeResolved
	// OutcomeDropped means the frame was discarded and the reason logged.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeResolved:
		return "resolved"
	default:
		return "dropped"
	}
}

// Dispatcher classifies inbound frames and routes each to exactly one of the
// event queue or the correlation pool, or drops it.
type Dispatcher struct {
	pool       *Pool
	queue      *EventQueue
	reportSelf bool
	log        zerolog.Logger
}

func NewDispatcher(pool *Pool, queue *EventQueue, reportSelf bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{pool: pool, queue: queue, reportSelf: reportSelf, log: log}
}

// Dispatch routes one raw frame.
func (d *Dispatcher) Dispatch(frame []byte) Outcome {
	evt, err := onebot.Decode(frame)
	if err != nil {
		d.log.Warn().Err(err).Int("size", len(frame)).Msg("Dropping malformed frame")
		return OutcomeDropped
	}

	switch e := evt.(type) {
	case *onebot.ActionReply:
		if !d.pool.Resolve(e) {
			d.log.Debug().Str("echo", e.Echo).Str("status", e.Status).Msg("Dropping reply with no pending call")
			return OutcomeDropped
		}
		return OutcomeResolved
	case *onebot.MessageEvent:
		if e.IsSelfSent() && !d.reportSelf {
			d.log.Debug().Stringer("message_id", e.MessageID).Msg("Dropping self-sent message")
			return OutcomeDropped
		}
	case *onebot.MetaEvent, *onebot.NoticeEvent:
	case *onebot.UnknownEvent:
		d.log.Debug().Str("post_type", string(e.PostType)).Msg("Dropping unhandled event type")
		return OutcomeDropped
	}

	if err = d.queue.Push(evt); err != nil {
		d.log.Warn().Err(err).Msg("Dropping event, queue is closed")
		return OutcomeDropped
	}
	return OutcomeQueued
}
