// Copyright 2024-2026 Aiku AI

package connector

import (
	"time"

	"github.com/google/uuid"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// Formats advertised on inbound messages.
var (
	inboundContentFormat = []string{"text", "image", "emoji", "at"}
	inboundAcceptFormat  = []string{"text", "image", "emoji", "reply", "voice", "command"}

	selfSentContentFormat = []string{"text", "image", "emoji"}
	selfSentAcceptFormat  = []string{"text", "image", "emoji", "reply"}
)

// senderToUserInfo converts a message sender to canonical user info.
func senderToUserInfo(platform string, sender onebot.Sender, fallbackID onebot.ID) *maim.UserInfo {
	userID := sender.UserID
	if userID == 0 {
		userID = fallbackID
	}
	return &maim.UserInfo{
		Platform:     platform,
		UserID:       MakeUserID(userID),
		UserNickname: sender.Nickname,
		UserCardname: sender.Card,
	}
}

// userInfo builds canonical user info for events that carry only an id.
func userInfo(platform string, userID onebot.ID, nickname string) *maim.UserInfo {
	return &maim.UserInfo{
		Platform:     platform,
		UserID:       MakeUserID(userID),
		UserNickname: nickname,
	}
}

// groupInfo builds canonical group info. A zero id yields nil.
func groupInfo(platform string, groupID onebot.ID, name string) *maim.GroupInfo {
	if groupID == 0 {
		return nil
	}
	return &maim.GroupInfo{
		Platform:  platform,
		GroupID:   MakeGroupID(groupID),
		GroupName: name,
	}
}

// formatInfo returns the format advertisement for an inbound or self-sent message.
func formatInfo(selfSent bool) *maim.FormatInfo {
	if selfSent {
		return &maim.FormatInfo{ContentFormat: selfSentContentFormat, AcceptFormat: selfSentAcceptFormat}
	}
	return &maim.FormatInfo{ContentFormat: inboundContentFormat, AcceptFormat: inboundAcceptFormat}
}

// outboundTarget identifies where a canonical outbound message goes.
type outboundTarget struct {
	GroupID onebot.ID
	UserID  onebot.ID
}

func (t outboundTarget) IsGroup() bool {
	return t.GroupID != 0
}

// targetOf picks the destination of an outbound message: its group when it
// has one, otherwise the user it addresses.
func targetOf(info *maim.BaseMessageInfo) (outboundTarget, bool) {
	var t outboundTarget
	if info.GroupInfo != nil {
		t.GroupID = ParseGroupID(info.GroupInfo.GroupID)
	}
	if info.UserInfo != nil {
		t.UserID = ParseUserID(info.UserInfo.UserID)
	}
	return t, t.GroupID != 0 || t.UserID != 0
}

// notifyMessage wraps fields in a canonical notify message. Notify messages
// have no platform message id, so a random one is assigned.
func notifyMessage(platform string, groupID, userID onebot.ID, fields map[string]any) *maim.MessageBase {
	info := maim.BaseMessageInfo{
		Platform:  platform,
		MessageID: "notice-" + uuid.NewString(),
		Time:      float64(time.Now().Unix()),
		GroupInfo: groupInfo(platform, groupID, ""),
	}
	if userID != 0 {
		info.UserInfo = userInfo(platform, userID, "")
	}
	return &maim.MessageBase{
		MessageInfo:    info,
		MessageSegment: maim.Notify(fields),
	}
}
