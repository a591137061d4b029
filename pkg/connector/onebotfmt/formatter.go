// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package onebotfmt renders canonical segment trees into OneBot message arrays.
package onebotfmt

import (
	"strings"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

const base64Prefix = "base64://"

// Rendered is the result of rendering a segment tree.
type Rendered struct {
	Segments []onebot.Segment
	// Skipped lists the kinds that have no platform rendering, in order.
	Skipped []maim.SegType
}

// Render flattens seg into a platform message. Reply references are moved to
// the front, where the gateway expects them; adjacent text runs are merged.
func Render(seg maim.Seg) Rendered {
	var r Rendered
	var replies []onebot.Segment
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			r.Segments = append(r.Segments, onebot.Text(text.String()))
			text.Reset()
		}
	}

	var walk func(s maim.Seg)
	walk = func(s maim.Seg) {
		switch s.Type {
		case maim.SegList:
			for _, child := range s.Children {
				walk(child)
			}
		case maim.SegText:
			text.WriteString(s.Str)
		case maim.SegImage:
			flush()
			r.Segments = append(r.Segments, onebot.Image(base64Prefix+s.Str, onebot.ImageSubTypePicture))
		case maim.SegEmoji:
			flush()
			r.Segments = append(r.Segments, onebot.Image(base64Prefix+s.Str, onebot.ImageSubTypeSticker))
		case maim.SegVoice:
			flush()
			r.Segments = append(r.Segments, onebot.Record(base64Prefix+s.Str))
		case maim.SegAt:
			flush()
			r.Segments = append(r.Segments, onebot.At(strings.TrimPrefix(s.Str, "@")))
		case maim.SegReply:
			if s.Str != "" {
				replies = append(replies, onebot.Reply(s.Str))
			}
		default:
			r.Skipped = append(r.Skipped, s.Type)
		}
	}
	walk(seg)
	flush()

	if len(replies) > 0 {
		// Only one reply reference is meaningful.
		r.Segments = append([]onebot.Segment{replies[0]}, r.Segments...)
	}
	return r
}

// IsEmpty reports whether nothing sendable was rendered. A lone reply
// reference is not a message.
func (r Rendered) IsEmpty() bool {
	for _, s := range r.Segments {
		if s.Type != onebot.SegReply {
			return false
		}
	}
	return true
}

// FindCommand returns the first command segment in seg, searching seglists
// depth first.
func FindCommand(seg maim.Seg) (maim.Seg, bool) {
	switch seg.Type {
	case maim.SegCommand:
		return seg, true
	case maim.SegList:
		for _, child := range seg.Children {
			if cmd, ok := FindCommand(child); ok {
				return cmd, true
			}
		}
	}
	return maim.Seg{}, false
}
