// Copyright 2024-2026 Aiku AI

package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aiku/napcat-bridge/pkg/onebot/cqcode"
)

// SegmentType names a message segment kind.
type SegmentType string

const (
	SegText    SegmentType = "text"
	SegFace    SegmentType = "face"
	SegImage   SegmentType = "image"
	SegRecord  SegmentType = "record"
	SegVideo   SegmentType = "video"
	SegAt      SegmentType = "at"
	SegRPS     SegmentType = "rps"
	SegDice    SegmentType = "dice"
	SegShake   SegmentType = "shake"
	SegPoke    SegmentType = "poke"
	SegShare   SegmentType = "share"
	SegReply   SegmentType = "reply"
	SegForward SegmentType = "forward"
	SegNode    SegmentType = "node"
	SegJSON    SegmentType = "json"
	SegFile    SegmentType = "file"
)

// Image sub types as reported by NapCat.
const (
	ImageSubTypePicture = 0
	ImageSubTypeSticker = 1
)

// AtAll is the at-target used for mentioning every member.
const AtAll = "all"

// Segment is one element of a message array.
type Segment struct {
	Type SegmentType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextData is the data of a text segment.
type TextData struct {
	Text string `json:"text"`
}

// ImageData is the data of an image segment.
type ImageData struct {
	File    string `json:"file,omitempty"`
	URL     string `json:"url,omitempty"`
	Summary string `json:"summary,omitempty"`
	SubType int    `json:"sub_type"`
}

// IsSticker reports whether the image is a sticker rather than a picture.
func (d *ImageData) IsSticker() bool {
	return d.SubType != ImageSubTypePicture
}

// AtData is the data of a mention segment. QQ is either a decimal user id or "all".
type AtData struct {
	QQ string `json:"qq"`
}

func (d *AtData) UnmarshalJSON(data []byte) error {
	var raw struct {
		QQ json.RawMessage `json:"qq"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	qq := bytes.TrimSpace(raw.QQ)
	if len(qq) > 0 && qq[0] == '"' {
		return json.Unmarshal(qq, &d.QQ)
	}
	d.QQ = string(qq)
	return nil
}

// UserID returns the mentioned user, or false for @all and malformed targets.
func (d *AtData) UserID() (ID, bool) {
	if d.QQ == "" || d.QQ == AtAll {
		return 0, false
	}
	v, err := strconv.ParseInt(d.QQ, 10, 64)
	if err != nil {
		return 0, false
	}
	return ID(v), true
}

// IDData is the data of segments that only reference an id (reply, forward, face).
type IDData struct {
	ID string `json:"id"`
}

func (d *IDData) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id := bytes.TrimSpace(raw.ID)
	if len(id) > 0 && id[0] == '"' {
		return json.Unmarshal(id, &d.ID)
	}
	d.ID = string(id)
	return nil
}

// ParseData unmarshals the segment data into v.
func (s *Segment) ParseData(v any) error {
	if len(s.Data) == 0 {
		return fmt.Errorf("%s segment has no data", s.Type)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("failed to parse %s segment data: %w", s.Type, err)
	}
	return nil
}

// NewSegment builds a segment from a typed data payload.
func NewSegment(typ SegmentType, data any) Segment {
	raw, err := json.Marshal(data)
	if err != nil {
		// Only called with the plain structs/maps of this package.
		panic(fmt.Errorf("failed to marshal %s segment: %w", typ, err))
	}
	return Segment{Type: typ, Data: raw}
}

// Text builds a text segment.
func Text(text string) Segment {
	return NewSegment(SegText, TextData{Text: text})
}

// Image builds an image segment from a file reference (URL, path or base64:// payload).
func Image(file string, subType int) Segment {
	return NewSegment(SegImage, ImageData{File: file, SubType: subType})
}

// Record builds a voice segment from a file reference.
func Record(file string) Segment {
	return NewSegment(SegRecord, map[string]string{"file": file})
}

// At builds a mention segment.
func At(qq string) Segment {
	return NewSegment(SegAt, map[string]string{"qq": qq})
}

// Reply builds a reply-reference segment.
func Reply(messageID string) Segment {
	return NewSegment(SegReply, map[string]string{"id": messageID})
}

// Segments is a message body. Gateways may send it either as an array of
// segments or as a CQ-code string; both decode into the array form.
type Segments []Segment

func (s *Segments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = nil
		return nil
	case data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FromCQCode(str)
		return nil
	default:
		var arr []Segment
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
}

// FromCQCode converts a CQ-code message string into segments.
func FromCQCode(msg string) Segments {
	parsed := cqcode.Parse(msg)
	out := make(Segments, 0, len(parsed))
	for _, p := range parsed {
		if p.Type == cqcode.TypeText {
			out = append(out, Text(p.Params["text"]))
			continue
		}
		data := make(map[string]any, len(p.Params))
		for k, v := range p.Params {
			data[k] = v
		}
		// NapCat's array form carries image sub_type as a number.
		if p.Type == string(SegImage) {
			if st, ok := p.Params["sub_type"]; ok {
				if n, err := strconv.Atoi(st); err == nil {
					data["sub_type"] = n
				}
			}
		}
		out = append(out, NewSegment(SegmentType(p.Type), data))
	}
	return out
}

// CQString renders the segments as a CQ-code string.
func (s Segments) CQString() string {
	codes := make([]cqcode.Code, 0, len(s))
	for _, seg := range s {
		if seg.Type == SegText {
			var text TextData
			_ = seg.ParseData(&text)
			codes = append(codes, cqcode.Code{Type: cqcode.TypeText, Params: map[string]string{"text": text.Text}})
			continue
		}
		var data map[string]any
		_ = json.Unmarshal(seg.Data, &data)
		params := make(map[string]string, len(data))
		for k, v := range data {
			switch val := v.(type) {
			case string:
				params[k] = val
			case nil:
			default:
				raw, _ := json.Marshal(val)
				params[k] = string(raw)
			}
		}
		codes = append(codes, cqcode.Code{Type: string(seg.Type), Params: params})
	}
	return cqcode.Format(codes)
}
