// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/napcat-bridge/pkg/banstore"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// handleEvent dispatches a queued gateway event to the appropriate handler.
func (s *Session) handleEvent(ctx context.Context, evt onebot.Event) {
	switch e := evt.(type) {
	case *onebot.MessageEvent:
		s.handleMessage(ctx, e)
	case *onebot.MetaEvent:
		s.handleMetaEvent(ctx, e)
	case *onebot.NoticeEvent:
		s.handleNotice(ctx, e)
	default:
		s.log.Trace().Type("event", evt).Msg("Unhandled event type")
	}
}

func (s *Session) handleMessage(ctx context.Context, evt *onebot.MessageEvent) {
	log := s.log.With().
		Stringer("message_id", evt.MessageID).
		Stringer("group_id", evt.GroupID).
		Stringer("user_id", evt.Sender.UserID).
		Logger()

	msg, err := s.transcoder.Transcode(ctx, evt)
	var unsupported *UnsupportedKindError
	switch {
	case errors.As(err, &unsupported):
		log.Warn().Str("kind", unsupported.Kind).Msg("Dropping unsupported message kind")
		return
	case err != nil:
		log.Warn().Err(err).Msg("Dropping message, translation aborted")
		return
	case msg == nil:
		log.Debug().Msg("Dropping empty message")
		return
	}
	s.bridge.sendUpstream(ctx, msg)
}

func (s *Session) handleMetaEvent(ctx context.Context, evt *onebot.MetaEvent) {
	switch evt.MetaEventType {
	case onebot.MetaEventLifecycle:
		if evt.SubType != onebot.LifecycleConnect {
			s.log.Info().Str("sub_type", evt.SubType).Msg("Gateway lifecycle event")
			return
		}
		if !s.heartbeat.Connect() {
			s.log.Debug().Msg("Ignoring repeated lifecycle connect")
			return
		}
		s.goWorker(func() { s.heartbeat.Run(ctx) })
		s.goWorker(func() {
			if err := s.bridge.syncModeration(ctx, s.actions); err != nil {
				s.log.Warn().Err(err).Msg("Moderation sync failed, ban records left unchanged")
			}
		})
	case onebot.MetaEventHeartbeat:
		s.heartbeat.Beat(evt.Status, time.Duration(evt.Interval)*time.Millisecond)
	default:
		s.log.Debug().Str("meta_event_type", evt.MetaEventType).Msg("Unhandled meta event")
	}
}

func (s *Session) handleNotice(ctx context.Context, evt *onebot.NoticeEvent) {
	log := s.log.With().
		Str("notice_type", evt.NoticeType).
		Str("sub_type", evt.SubType).
		Stringer("group_id", evt.GroupID).
		Logger()

	switch evt.NoticeType {
	case onebot.NoticeGroupBan:
		s.handleGroupBan(ctx, evt)
	case onebot.NoticeNotify:
		if evt.SubType != onebot.NoticeSubPoke {
			log.Debug().Msg("Unhandled notify notice")
			return
		}
		s.bridge.sendUpstream(ctx, s.bridge.noticeMessage(evt.GroupID, evt.UserID, map[string]any{
			"type":      "poke",
			"user_id":   evt.UserID,
			"target_id": evt.TargetID,
			"group_id":  evt.GroupID,
		}))
	case onebot.NoticeGroupRecall, onebot.NoticeFriendRecall:
		log.Info().
			Stringer("message_id", evt.MessageID).
			Stringer("operator_id", evt.OperatorID).
			Msg("Message recalled")
	default:
		log.Debug().Msg("Unhandled notice")
	}
}

// banRecordFromNotice converts a group_ban notice to the record it implies.
// Whole-group mutes carry no lift time.
func banRecordFromNotice(evt *onebot.NoticeEvent) banstore.BanRecord {
	rec := banstore.BanRecord{GroupID: int64(evt.GroupID), UserID: int64(evt.UserID)}
	if !rec.IsWholeGroup() && evt.Duration > 0 {
		start := evt.Time.Time
		if start.IsZero() {
			start = time.Now()
		}
		rec.LiftTime = start.Add(time.Duration(evt.Duration) * time.Second)
	}
	return rec
}

func (s *Session) handleGroupBan(ctx context.Context, evt *onebot.NoticeEvent) {
	rec := banRecordFromNotice(evt)
	var err error
	switch evt.SubType {
	case onebot.NoticeSubBan:
		err = s.bridge.bans.Apply(ctx, rec)
	case onebot.NoticeSubLiftBan:
		err = s.bridge.bans.Lift(ctx, rec.UserID, rec.GroupID)
	default:
		s.log.Debug().Str("sub_type", evt.SubType).Msg("Unhandled group_ban notice")
		return
	}
	if err != nil {
		s.log.Error().Err(err).
			Stringer("group_id", evt.GroupID).
			Stringer("user_id", evt.UserID).
			Msg("Failed to record mute change")
	}

	fields := map[string]any{
		"type":        string(evt.SubType),
		"group_id":    evt.GroupID,
		"user_id":     evt.UserID,
		"operator_id": evt.OperatorID,
		"whole_group": rec.IsWholeGroup(),
	}
	if evt.SubType == onebot.NoticeSubBan {
		fields["duration"] = evt.Duration
		if !rec.LiftTime.IsZero() {
			fields["lift_time"] = rec.LiftTime.Unix()
		}
	}
	s.bridge.sendUpstream(ctx, s.bridge.noticeMessage(evt.GroupID, evt.OperatorID, fields))
}
