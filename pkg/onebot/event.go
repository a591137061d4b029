// Copyright 2024-2026 Aiku AI

// Package onebot models the frames exchanged with a OneBot v11 gateway
// (NapCat and compatible implementations) over its reverse WebSocket.
//
// Inbound frames are decoded exactly once, at the transport boundary, into
// one of the closed set of [Event] variants: [*MessageEvent], [*MetaEvent],
// [*NoticeEvent] or [*ActionReply]. Downstream code switches on the concrete
// type instead of poking at untyped maps.
package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"go.mau.fi/util/jsontime"
)

// PostType is the discriminator carried by every pushed event frame.
type PostType string

const (
	PostTypeMessage     PostType = "message"
	PostTypeMessageSent PostType = "message_sent"
	PostTypeMetaEvent   PostType = "meta_event"
	PostTypeNotice      PostType = "notice"
	PostTypeRequest     PostType = "request"
)

// Message types and sub types.
const (
	MessageTypePrivate = "private"
	MessageTypeGroup   = "group"

	SubTypeFriend    = "friend"
	SubTypeGroupTemp = "group"
	SubTypeNormal    = "normal"
	SubTypeAnonymous = "anonymous"
	SubTypeNotice    = "notice"
)

// Meta event types and sub types.
const (
	MetaEventLifecycle = "lifecycle"
	MetaEventHeartbeat = "heartbeat"

	LifecycleConnect = "connect"
	LifecycleEnable  = "enable"
	LifecycleDisable = "disable"
)

// Notice types and sub types.
const (
	NoticeGroupBan     = "group_ban"
	NoticeGroupRecall  = "group_recall"
	NoticeFriendRecall = "friend_recall"
	NoticeNotify       = "notify"

	NoticeSubBan     = "ban"
	NoticeSubLiftBan = "lift_ban"
	NoticeSubPoke    = "poke"
)

// Event is one decoded inbound frame. The set of implementations is closed.
type Event interface {
	isEvent()
}

// ID is a numeric platform identifier that tolerates being encoded either as
// a JSON number or as a JSON string, as gateways are inconsistent about it.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*id = ID(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

// String renders the id in decimal.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Sender is the sender block of a message event.
type Sender struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// MessageEvent is a message pushed by the gateway (post_type message or
// message_sent).
type MessageEvent struct {
	PostType    PostType      `json:"post_type"`
	Time        jsontime.Unix `json:"time"`
	SelfID      ID            `json:"self_id"`
	MessageType string        `json:"message_type"`
	SubType     string        `json:"sub_type"`
	MessageID   ID            `json:"message_id"`
	UserID      ID            `json:"user_id"`
	GroupID     ID            `json:"group_id,omitempty"`
	Sender      Sender        `json:"sender"`
	Message     Segments      `json:"message"`
	RawMessage  string        `json:"raw_message,omitempty"`
	Font        int           `json:"font,omitempty"`
}

func (*MessageEvent) isEvent() {}

// IsSelfSent reports whether the gateway reported one of the bot's own messages.
func (e *MessageEvent) IsSelfSent() bool {
	return e.PostType == PostTypeMessageSent
}

// HeartbeatStatus is the status block of heartbeat meta events.
type HeartbeatStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// Healthy reports whether the gateway considers itself online and good.
func (s *HeartbeatStatus) Healthy() bool {
	return s != nil && s.Online && s.Good
}

// MetaEvent is a lifecycle or heartbeat frame.
type MetaEvent struct {
	Time          jsontime.Unix    `json:"time"`
	SelfID        ID               `json:"self_id"`
	MetaEventType string           `json:"meta_event_type"`
	SubType       string           `json:"sub_type,omitempty"`
	Status        *HeartbeatStatus `json:"status,omitempty"`
	// Interval is the advertised heartbeat interval in milliseconds.
	Interval int64 `json:"interval,omitempty"`
}

func (*MetaEvent) isEvent() {}

// NoticeEvent is a group/friend state change notification.
type NoticeEvent struct {
	Time       jsontime.Unix `json:"time"`
	SelfID     ID            `json:"self_id"`
	NoticeType string        `json:"notice_type"`
	SubType    string        `json:"sub_type,omitempty"`
	GroupID    ID            `json:"group_id,omitempty"`
	UserID     ID            `json:"user_id,omitempty"`
	OperatorID ID            `json:"operator_id,omitempty"`
	TargetID   ID            `json:"target_id,omitempty"`
	MessageID  ID            `json:"message_id,omitempty"`
	// Duration is the mute length in seconds for group_ban notices.
	Duration int64 `json:"duration,omitempty"`
}

func (*NoticeEvent) isEvent() {}

// ActionReply is the gateway's answer to an action request. It is recognised
// by the absence of post_type.
type ActionReply struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo,omitempty"`
}

func (*ActionReply) isEvent() {}

// OK reports whether the gateway executed the action successfully.
func (r *ActionReply) OK() bool {
	return r.Status == "ok" && r.RetCode == 0
}

// HasData reports whether the reply carries a non-null data payload.
func (r *ActionReply) HasData() bool {
	d := bytes.TrimSpace(r.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// DecodeData unmarshals the data payload into v. A null payload leaves v untouched.
func (r *ActionReply) DecodeData(v any) error {
	if !r.HasData() {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode %T reply data: %w", v, err)
	}
	return nil
}

// UnknownEvent is a frame with a post_type this bridge does not handle
// (e.g. friend/group requests). It is decoded so the caller can log it.
type UnknownEvent struct {
	PostType PostType
	Raw      json.RawMessage
}

func (*UnknownEvent) isEvent() {}

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	PostType PostType
	Err      error
}

func (e *DecodeError) Error() string {
	if e.PostType == "" {
		return fmt.Sprintf("malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("malformed %s frame: %v", e.PostType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	PostType *PostType `json:"post_type"`
}

// Decode classifies a raw frame by its post_type and decodes it into the
// matching Event variant. Frames without post_type are action replies.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.PostType == nil {
		var reply ActionReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, &DecodeError{Err: err}
		}
		return &reply, nil
	}

	postType := *env.PostType
	var evt Event
	switch postType {
	case PostTypeMessage, PostTypeMessageSent:
		evt = &MessageEvent{}
	case PostTypeMetaEvent:
		evt = &MetaEvent{}
	case PostTypeNotice:
		evt = &NoticeEvent{}
	default:
		return &UnknownEvent{PostType: postType, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, &DecodeError{PostType: postType, Err: err}
	}
	return evt, nil
}
