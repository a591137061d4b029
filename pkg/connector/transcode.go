// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// Transcoder turns platform message events into canonical messages.
type Transcoder struct {
	platform string
	actions  ActionCaller
	fetcher  Fetcher
	log      zerolog.Logger
}

func NewTranscoder(platform string, actions ActionCaller, fetcher Fetcher, log zerolog.Logger) *Transcoder {
	return &Transcoder{
		platform: platform,
		actions:  actions,
		fetcher:  fetcher,
		log:      log.With().Str("component", "transcoder").Logger(),
	}
}

// Transcode translates evt. It returns (nil, nil) when no segment survives
// translation, (nil, *UnsupportedKindError) for message kinds the bridge does
// not handle, and (nil, err) when the session went away mid-translation.
func (t *Transcoder) Transcode(ctx context.Context, evt *onebot.MessageEvent) (*maim.MessageBase, error) {
	log := t.log.With().
		Str("message_type", evt.MessageType).
		Str("sub_type", evt.SubType).
		Stringer("message_id", evt.MessageID).
		Logger()
	ctx = log.WithContext(ctx)

	info := maim.BaseMessageInfo{
		Platform:   t.platform,
		MessageID:  MakeMessageID(evt.MessageID),
		Time:       float64(evt.Time.Unix()),
		UserInfo:   senderToUserInfo(t.platform, evt.Sender, evt.UserID),
		FormatInfo: formatInfo(evt.IsSelfSent()),
	}
	if evt.Time.IsZero() {
		info.Time = 0
	}
	if evt.IsSelfSent() {
		info.AdditionalConfig = map[string]any{"sent_message": true}
	}

	switch {
	case evt.MessageType == onebot.MessageTypePrivate && evt.SubType == onebot.SubTypeFriend:
	case evt.MessageType == onebot.MessageTypeGroup && (evt.SubType == onebot.SubTypeNormal || evt.SubType == ""):
		name, err := t.groupName(ctx, evt.GroupID)
		if err != nil {
			return nil, err
		}
		info.GroupInfo = groupInfo(t.platform, evt.GroupID, name)
	default:
		return nil, &UnsupportedKindError{Kind: evt.MessageType + "/" + evt.SubType}
	}

	children, err := t.translateSegments(ctx, evt.SelfID, evt.GroupID, evt.Message)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	return &maim.MessageBase{
		MessageInfo:    info,
		MessageSegment: maim.List(children...),
		RawMessage:     rawText(evt),
	}, nil
}

// groupName looks up the group's display name. Lookup failures leave the
// name empty unless the session itself is gone.
func (t *Transcoder) groupName(ctx context.Context, groupID onebot.ID) (string, error) {
	info, err := getGroupInfo(ctx, t.actions, groupID)
	switch {
	case isTransportClosed(err) || ctx.Err() != nil:
		return "", fmt.Errorf("failed to get group info: %w", errors.Join(err, ctx.Err()))
	case err != nil:
		zerolog.Ctx(ctx).Warn().Err(err).Stringer("group_id", groupID).Msg("Failed to get group name")
		return "", nil
	case info == nil:
		return "", nil
	}
	return info.GroupName, nil
}

// translateSegments translates each segment in order. Per-segment failures
// drop that segment only.
func (t *Transcoder) translateSegments(ctx context.Context, selfID, groupID onebot.ID, segs onebot.Segments) ([]maim.Seg, error) {
	log := zerolog.Ctx(ctx)
	out := make([]maim.Seg, 0, len(segs))
	for i := range segs {
		seg, err := t.translateSegment(ctx, selfID, groupID, &segs[i])
		switch {
		case isTransportClosed(err) || ctx.Err() != nil:
			return nil, fmt.Errorf("aborted translating %s segment: %w", segs[i].Type, errors.Join(err, ctx.Err()))
		case err != nil:
			var unsupported *UnsupportedKindError
			if errors.As(err, &unsupported) {
				log.Warn().Str("segment_type", unsupported.Kind).Msg("Dropping unsupported segment")
			} else {
				log.Warn().Err(err).Str("segment_type", string(segs[i].Type)).Msg("Dropping segment")
			}
		case seg != nil:
			out = append(out, *seg)
		}
	}
	return out, nil
}

// translateSegment returns (nil, nil) for segments that translate to nothing.
func (t *Transcoder) translateSegment(ctx context.Context, selfID, groupID onebot.ID, seg *onebot.Segment) (*maim.Seg, error) {
	switch seg.Type {
	case onebot.SegText:
		var data onebot.TextData
		if err := seg.ParseData(&data); err != nil {
			return nil, err
		}
		if data.Text == "" {
			return nil, nil
		}
		s := maim.Text(data.Text)
		return &s, nil
	case onebot.SegImage:
		return t.translateImage(ctx, seg)
	case onebot.SegAt:
		return t.translateMention(ctx, selfID, groupID, seg)
	case onebot.SegForward:
		return nil, t.inspectForward(ctx, seg)
	default:
		return nil, &UnsupportedKindError{Kind: string(seg.Type)}
	}
}

func (t *Transcoder) translateImage(ctx context.Context, seg *onebot.Segment) (*maim.Seg, error) {
	var data onebot.ImageData
	if err := seg.ParseData(&data); err != nil {
		return nil, err
	}
	url := data.URL
	if url == "" && strings.HasPrefix(data.File, "http") {
		url = data.File
	}
	if url == "" {
		return nil, fmt.Errorf("image segment has no url")
	}
	b64, err := t.fetcher.FetchBase64(ctx, url)
	if err != nil {
		return nil, err
	}
	var s maim.Seg
	if data.IsSticker() {
		s = maim.Emoji(b64)
	} else {
		s = maim.Image(b64)
	}
	return &s, nil
}

// translateMention renders an at segment. Only a mention of selfID costs a
// login info lookup; other members are looked up in the group.
func (t *Transcoder) translateMention(ctx context.Context, selfID, groupID onebot.ID, seg *onebot.Segment) (*maim.Seg, error) {
	var data onebot.AtData
	if err := seg.ParseData(&data); err != nil {
		return nil, err
	}
	if data.QQ == onebot.AtAll {
		s := maim.Text("@全体成员 ")
		return &s, nil
	}
	target, ok := data.UserID()
	if !ok {
		return nil, fmt.Errorf("invalid mention target %q", data.QQ)
	}

	if selfID != 0 && target == selfID {
		self, err := getLoginInfo(ctx, t.actions)
		if err != nil {
			return nil, fmt.Errorf("failed to get self info: %w", err)
		}
		if self == nil || self.Nickname == "" {
			return nil, nil
		}
		s := maim.Text("@" + self.Nickname + " ")
		return &s, nil
	}

	if groupID == 0 {
		return nil, nil
	}
	member, err := getMemberInfo(ctx, t.actions, groupID, target)
	if err != nil {
		return nil, fmt.Errorf("failed to get member info: %w", err)
	}
	if member == nil || member.Nickname == "" {
		return nil, nil
	}
	s := maim.Text("@" + member.Nickname + " ")
	return &s, nil
}

// inspectForward fetches a forwarded message so its size is logged. The
// forwarded content itself is not translated.
func (t *Transcoder) inspectForward(ctx context.Context, seg *onebot.Segment) error {
	var data onebot.IDData
	if err := seg.ParseData(&data); err != nil {
		return err
	}
	fwd, err := getForwardMessage(ctx, t.actions, data.ID)
	if err != nil {
		return fmt.Errorf("failed to get forwarded message: %w", err)
	}
	nodes := 0
	if fwd != nil {
		nodes = len(fwd.Messages)
	}
	zerolog.Ctx(ctx).Info().Str("forward_id", data.ID).Int("nodes", nodes).Msg("Received forwarded message, not expanding")
	return nil
}
