// Copyright 2024-2026 Aiku AI

// Package maim models the canonical message envelope exchanged with the
// MaiBot message router, and provides a WebSocket client for the router.
package maim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// SegType names a canonical segment kind.
type SegType string

const (
	SegText    SegType = "text"
	SegImage   SegType = "image"
	SegEmoji   SegType = "emoji"
	SegAt      SegType = "at"
	SegReply   SegType = "reply"
	SegVoice   SegType = "voice"
	SegNotify  SegType = "notify"
	SegCommand SegType = "command"
	SegList    SegType = "seglist"
)

// Seg is a node of the canonical segment tree.
//
// Leaf kinds (text, image, emoji, at, reply, voice) carry their payload in
// Str. A seglist carries its ordered children in Children. Structured kinds
// (command, notify) carry an object in Fields.
type Seg struct {
	Type     SegType
	Str      string
	Children []Seg
	Fields   map[string]any
}

// Text builds a text segment.
func Text(s string) Seg { return Seg{Type: SegText, Str: s} }

// Image builds an image segment from a base64 payload.
func Image(b64 string) Seg { return Seg{Type: SegImage, Str: b64} }

// Emoji builds a sticker segment from a base64 payload.
func Emoji(b64 string) Seg { return Seg{Type: SegEmoji, Str: b64} }

// At builds a mention segment.
func At(s string) Seg { return Seg{Type: SegAt, Str: s} }

// List wraps segments in a seglist.
func List(children ...Seg) Seg { return Seg{Type: SegList, Children: children} }

// Notify builds a notify segment.
func Notify(fields map[string]any) Seg { return Seg{Type: SegNotify, Fields: fields} }

// Command builds a command segment.
func Command(name string, args map[string]any) Seg {
	return Seg{Type: SegCommand, Fields: map[string]any{"name": name, "args": args}}
}

// Len returns the number of direct children of a seglist, or 1 for any other node.
func (s Seg) Len() int {
	if s.Type == SegList {
		return len(s.Children)
	}
	return 1
}

type wireSeg struct {
	Type SegType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s Seg) MarshalJSON() ([]byte, error) {
	var data any
	switch {
	case s.Type == SegList:
		children := s.Children
		if children == nil {
			children = []Seg{}
		}
		data = children
	case s.Fields != nil:
		data = s.Fields
	default:
		data = s.Str
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireSeg{Type: s.Type, Data: raw})
}

func (s *Seg) UnmarshalJSON(b []byte) error {
	var w wireSeg
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Seg{Type: w.Type}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &s.Children); err != nil {
			return fmt.Errorf("invalid %s children: %w", w.Type, err)
		}
		if s.Children == nil {
			s.Children = []Seg{}
		}
	case '{':
		if err := json.Unmarshal(data, &s.Fields); err != nil {
			return fmt.Errorf("invalid %s data: %w", w.Type, err)
		}
	case '"':
		if err := json.Unmarshal(data, &s.Str); err != nil {
			return fmt.Errorf("invalid %s data: %w", w.Type, err)
		}
	default:
		// Numbers and booleans (e.g. reply ids sent as integers) are kept verbatim.
		s.Str = string(data)
	}
	return nil
}

// ID is a numeric identifier that accepts JSON numbers and decimal strings.
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

// UserInfo identifies a user on a platform.
type UserInfo struct {
	Platform     string `json:"platform"`
	UserID       ID     `json:"user_id"`
	UserNickname string `json:"user_nickname,omitempty"`
	UserCardname string `json:"user_cardname,omitempty"`
}

// GroupInfo identifies a group on a platform.
type GroupInfo struct {
	Platform  string `json:"platform"`
	GroupID   ID     `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// FormatInfo advertises which segment kinds a message contains and which the
// sender can accept in replies.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// TemplateInfo carries prompt template overrides. The bridge never sets it
// but passes it through.
type TemplateInfo struct {
	TemplateItems   map[string]string `json:"template_items,omitempty"`
	TemplateName    string            `json:"template_name,omitempty"`
	TemplateDefault bool              `json:"template_default,omitempty"`
}

// BaseMessageInfo is the metadata block of a canonical message.
type BaseMessageInfo struct {
	Platform         string         `json:"platform"`
	MessageID        string         `json:"message_id"`
	Time             float64        `json:"time"`
	UserInfo         *UserInfo      `json:"user_info,omitempty"`
	GroupInfo        *GroupInfo     `json:"group_info,omitempty"`
	TemplateInfo     *TemplateInfo  `json:"template_info,omitempty"`
	FormatInfo       *FormatInfo    `json:"format_info,omitempty"`
	AdditionalConfig map[string]any `json:"additional_config,omitempty"`
}

// MessageBase is the canonical message envelope.
type MessageBase struct {
	MessageInfo    BaseMessageInfo `json:"message_info"`
	MessageSegment Seg             `json:"message_segment"`
	RawMessage     string          `json:"raw_message,omitempty"`
}
