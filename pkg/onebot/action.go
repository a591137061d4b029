// Copyright 2024-2026 Aiku AI

package onebot

import (
	"encoding/json"
)

// Action names used by the bridge.
const (
	ActionGetLoginInfo       = "get_login_info"
	ActionGetGroupInfo       = "get_group_info"
	ActionGetGroupList       = "get_group_list"
	ActionGetGroupMemberInfo = "get_group_member_info"
	ActionGetGroupShutList   = "get_group_shut_list"
	ActionGetForwardMsg      = "get_forward_msg"
	ActionSendGroupMsg       = "send_group_msg"
	ActionSendPrivateMsg     = "send_private_msg"
	ActionSetGroupBan        = "set_group_ban"
	ActionSetGroupWholeBan   = "set_group_whole_ban"
	ActionSetGroupKick       = "set_group_kick"
	ActionSendPoke           = "send_poke"
)

// Request is an outbound action frame. Echo is the correlation token the
// gateway copies verbatim into its reply.
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// Encode serializes the request as a single text frame.
func (r *Request) Encode() ([]byte, error) {
	if r.Params == nil {
		r.Params = struct{}{}
	}
	return json.Marshal(r)
}

// LoginInfo is the data of a get_login_info reply.
type LoginInfo struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
}

// GroupInfo is the data of a get_group_info reply and an element of get_group_list.
type GroupInfo struct {
	GroupID        ID     `json:"group_id"`
	GroupName      string `json:"group_name"`
	MemberCount    int    `json:"member_count,omitempty"`
	MaxMemberCount int    `json:"max_member_count,omitempty"`
	// GroupAllShut is non-zero while the whole group is muted.
	GroupAllShut int `json:"group_all_shut,omitempty"`
}

// MemberInfo is the data of a get_group_member_info reply.
type MemberInfo struct {
	GroupID  ID     `json:"group_id"`
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
	// ShutUpTimestamp is the unix time the member's mute ends, 0 if not muted.
	ShutUpTimestamp int64 `json:"shut_up_timestamp,omitempty"`
}

// DisplayName prefers the group card over the account nickname.
func (m *MemberInfo) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// ShutMember is an element of a get_group_shut_list reply.
type ShutMember struct {
	UIN        ID     `json:"uin"`
	Nick       string `json:"nick,omitempty"`
	ShutUpTime int64  `json:"shutUpTime"`
}

// ForwardNode is one message inside an expanded forward.
type ForwardNode struct {
	Sender  Sender   `json:"sender"`
	Time    int64    `json:"time"`
	Message Segments `json:"message"`
	Content Segments `json:"content,omitempty"`
}

// Segments returns the node's body regardless of which key the gateway used.
func (n *ForwardNode) Segments() Segments {
	if len(n.Message) > 0 {
		return n.Message
	}
	return n.Content
}

// ForwardMessage is the data of a get_forward_msg reply.
type ForwardMessage struct {
	Messages []ForwardNode `json:"messages"`
}

// SendResult is the data of a send_*_msg reply.
type SendResult struct {
	MessageID ID `json:"message_id"`
}

// GroupMessageParams are the params of send_group_msg.
type GroupMessageParams struct {
	GroupID ID        `json:"group_id"`
	Message []Segment `json:"message"`
}

// PrivateMessageParams are the params of send_private_msg.
type PrivateMessageParams struct {
	UserID  ID        `json:"user_id"`
	Message []Segment `json:"message"`
}

// GroupBanParams are the params of set_group_ban. Duration is in seconds; 0 lifts the mute.
type GroupBanParams struct {
	GroupID  ID    `json:"group_id"`
	UserID   ID    `json:"user_id"`
	Duration int64 `json:"duration"`
}

// GroupWholeBanParams are the params of set_group_whole_ban.
type GroupWholeBanParams struct {
	GroupID ID   `json:"group_id"`
	Enable  bool `json:"enable"`
}

// GroupKickParams are the params of set_group_kick.
type GroupKickParams struct {
	GroupID          ID   `json:"group_id"`
	UserID           ID   `json:"user_id"`
	RejectAddRequest bool `json:"reject_add_request"`
}

// PokeParams are the params of send_poke. GroupID is zero for a friend poke.
type PokeParams struct {
	GroupID ID `json:"group_id,omitempty"`
	UserID  ID `json:"user_id"`
}
