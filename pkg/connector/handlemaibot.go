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

	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/connector/onebotfmt"
	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// Command names accepted in canonical command segments.
const (
	CommandGroupBan      = "GROUP_BAN"
	CommandGroupWholeBan = "GROUP_WHOLE_BAN"
	CommandGroupKick     = "GROUP_KICK"
	CommandSendPoke      = "SEND_POKE"
)

// maxBanDuration is the longest mute the platform accepts, in seconds.
const maxBanDuration = 30 * 24 * 60 * 60

var (
	errNothingToSend = errors.New("message has no sendable content")
	errNoTarget      = errors.New("message has neither a group nor a user")
)

// ActionSource provides the action client of the current gateway session.
type ActionSource interface {
	Actions() (ActionCaller, error)
}

// Upstream is the router-facing half of the bridge.
type Upstream interface {
	Send(ctx context.Context, msg *maim.MessageBase) error
}

// Ack describes the platform's acknowledgment of one outbound message.
type Ack struct {
	// UpstreamID is the router-assigned id of the outbound message.
	UpstreamID string
	Action     string
	// PlatformID is the id the gateway assigned to the sent message, if any.
	PlatformID onebot.ID
}

// OutboundBridge delivers messages from the router to the gateway.
type OutboundBridge struct {
	platform string
	source   ActionSource
	upstream Upstream
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func NewOutboundBridge(platform string, source ActionSource, upstream Upstream, log zerolog.Logger) *OutboundBridge {
	return &OutboundBridge{
		platform: platform,
		source:   source,
		upstream: upstream,
		log:      log.With().Str("component", "outbound").Logger(),
	}
}

// HandleUpstream is the router handler. Each message is delivered in its own
// goroutine so the router's read loop never waits on the gateway.
func (o *OutboundBridge) HandleUpstream(ctx context.Context, msg *maim.MessageBase) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ack, err := o.Send(ctx, msg)
		o.acknowledge(ctx, msg, ack, err)
	}()
}

// Wait blocks until every delivery started by HandleUpstream has finished.
func (o *OutboundBridge) Wait() {
	o.wg.Wait()
}

// Send delivers one canonical message and returns the platform's
// acknowledgment. A message containing a command segment is executed as that
// command; anything else is rendered and sent as a chat message.
func (o *OutboundBridge) Send(ctx context.Context, msg *maim.MessageBase) (*Ack, error) {
	target, ok := targetOf(&msg.MessageInfo)
	if !ok {
		return nil, errNoTarget
	}
	actions, err := o.source.Actions()
	if err != nil {
		return nil, err
	}
	ack := &Ack{UpstreamID: msg.MessageInfo.MessageID}

	if cmd, ok := onebotfmt.FindCommand(msg.MessageSegment); ok {
		action, params, err := commandAction(target, cmd)
		if err != nil {
			return nil, err
		}
		ack.Action = action
		if _, err = actions.Call(ctx, action, params); err != nil {
			return nil, err
		}
		return ack, nil
	}

	rendered := onebotfmt.Render(msg.MessageSegment)
	if len(rendered.Skipped) > 0 {
		o.log.Debug().
			Str("message_id", msg.MessageInfo.MessageID).
			Interface("skipped", rendered.Skipped).
			Msg("Skipping segments with no platform rendering")
	}
	if rendered.IsEmpty() {
		return nil, errNothingToSend
	}

	var params any
	if target.IsGroup() {
		ack.Action = onebot.ActionSendGroupMsg
		params = &onebot.GroupMessageParams{GroupID: target.GroupID, Message: rendered.Segments}
	} else {
		ack.Action = onebot.ActionSendPrivateMsg
		params = &onebot.PrivateMessageParams{UserID: target.UserID, Message: rendered.Segments}
	}
	res, err := callInto[onebot.SendResult](ctx, actions, ack.Action, params)
	if err != nil {
		return nil, err
	}
	if res != nil {
		ack.PlatformID = res.MessageID
	}
	return ack, nil
}

// commandAction maps a command segment to the action implementing it.
func commandAction(target outboundTarget, cmd maim.Seg) (string, any, error) {
	name, _ := cmd.Fields["name"].(string)
	args, _ := cmd.Fields["args"].(map[string]any)

	needGroup := func() error {
		if !target.IsGroup() {
			return fmt.Errorf("%s requires a group", name)
		}
		return nil
	}

	switch name {
	case CommandGroupBan:
		if err := needGroup(); err != nil {
			return "", nil, err
		}
		userID, err := parseArgID(args["qq_id"])
		if err != nil {
			return "", nil, fmt.Errorf("invalid qq_id: %w", err)
		}
		duration, err := parseArgInt(args["duration"])
		if err != nil {
			return "", nil, fmt.Errorf("invalid duration: %w", err)
		}
		if duration < 0 || duration > maxBanDuration {
			return "", nil, fmt.Errorf("duration %d out of range", duration)
		}
		return onebot.ActionSetGroupBan, &onebot.GroupBanParams{GroupID: target.GroupID, UserID: userID, Duration: duration}, nil
	case CommandGroupWholeBan:
		if err := needGroup(); err != nil {
			return "", nil, err
		}
		enable, ok := args["enable"].(bool)
		if !ok {
			return "", nil, fmt.Errorf("invalid enable: expected a boolean")
		}
		return onebot.ActionSetGroupWholeBan, &onebot.GroupWholeBanParams{GroupID: target.GroupID, Enable: enable}, nil
	case CommandGroupKick:
		if err := needGroup(); err != nil {
			return "", nil, err
		}
		userID, err := parseArgID(args["qq_id"])
		if err != nil {
			return "", nil, fmt.Errorf("invalid qq_id: %w", err)
		}
		return onebot.ActionSetGroupKick, &onebot.GroupKickParams{GroupID: target.GroupID, UserID: userID}, nil
	case CommandSendPoke:
		userID, err := parseArgID(args["qq_id"])
		if err != nil {
			return "", nil, fmt.Errorf("invalid qq_id: %w", err)
		}
		return onebot.ActionSendPoke, &onebot.PokeParams{GroupID: target.GroupID, UserID: userID}, nil
	default:
		return "", nil, &UnsupportedKindError{Kind: "command/" + name}
	}
}

// acknowledge reports the result of a delivery back to the router.
func (o *OutboundBridge) acknowledge(ctx context.Context, msg *maim.MessageBase, ack *Ack, sendErr error) {
	log := o.log.With().Str("message_id", msg.MessageInfo.MessageID).Logger()
	fields := map[string]any{
		"type": "echo",
		"echo": msg.MessageInfo.MessageID,
		"ok":   sendErr == nil,
	}
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("Failed to deliver message to gateway")
		fields["error"] = sendErr.Error()
	} else {
		log.Debug().Str("action", ack.Action).Stringer("actual_id", ack.PlatformID).Msg("Delivered message to gateway")
		fields["action"] = ack.Action
		fields["actual_id"] = MakeMessageID(ack.PlatformID)
	}

	target, _ := targetOf(&msg.MessageInfo)
	reply := notifyMessage(o.platform, target.GroupID, target.UserID, fields)
	if err := o.upstream.Send(ctx, reply); err != nil {
		log.Warn().Err(err).Msg("Failed to send delivery acknowledgment")
	}
}
