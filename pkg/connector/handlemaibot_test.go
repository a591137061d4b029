// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// decodeCanonical parses a router message the way the router client does.
func decodeCanonical(t *testing.T, data string) *maim.MessageBase {
	t.Helper()
	var msg maim.MessageBase
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("invalid canonical message: %v", err)
	}
	return &msg
}

func groupCommand(name string, args string) string {
	return `{"message_info":{"platform":"qq","message_id":"up-1","group_info":{"platform":"qq","group_id":5}},
		"message_segment":{"type":"seglist","data":[{"type":"command","data":{"name":"` + name + `","args":` + args + `}}]}}`
}

func TestOutbound_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		msg        string
		wantAction string
		wantParams any
		wantErr    bool
	}{
		{
			name:       "ban member",
			msg:        groupCommand(CommandGroupBan, `{"qq_id":10,"duration":600}`),
			wantAction: onebot.ActionSetGroupBan,
			wantParams: &onebot.GroupBanParams{GroupID: 5, UserID: 10, Duration: 600},
		},
		{
			name:       "lift ban with string id",
			msg:        groupCommand(CommandGroupBan, `{"qq_id":"10","duration":0}`),
			wantAction: onebot.ActionSetGroupBan,
			wantParams: &onebot.GroupBanParams{GroupID: 5, UserID: 10, Duration: 0},
		},
		{
			name:    "ban too long",
			msg:     groupCommand(CommandGroupBan, `{"qq_id":10,"duration":2592001}`),
			wantErr: true,
		},
		{
			name:    "ban without target",
			msg:     groupCommand(CommandGroupBan, `{"duration":60}`),
			wantErr: true,
		},
		{
			name:       "whole group mute",
			msg:        groupCommand(CommandGroupWholeBan, `{"enable":true}`),
			wantAction: onebot.ActionSetGroupWholeBan,
			wantParams: &onebot.GroupWholeBanParams{GroupID: 5, Enable: true},
		},
		{
			name:    "whole group mute without flag",
			msg:     groupCommand(CommandGroupWholeBan, `{}`),
			wantErr: true,
		},
		{
			name:       "kick",
			msg:        groupCommand(CommandGroupKick, `{"qq_id":10}`),
			wantAction: onebot.ActionSetGroupKick,
			wantParams: &onebot.GroupKickParams{GroupID: 5, UserID: 10},
		},
		{
			name:       "poke in group",
			msg:        groupCommand(CommandSendPoke, `{"qq_id":10}`),
			wantAction: onebot.ActionSendPoke,
			wantParams: &onebot.PokeParams{GroupID: 5, UserID: 10},
		},
		{
			name: "poke in private chat",
			msg: `{"message_info":{"platform":"qq","message_id":"up-2","user_info":{"platform":"qq","user_id":10}},
				"message_segment":{"type":"command","data":{"name":"SEND_POKE","args":{"qq_id":10}}}}`,
			wantAction: onebot.ActionSendPoke,
			wantParams: &onebot.PokeParams{UserID: 10},
		},
		{
			name: "kick outside a group",
			msg: `{"message_info":{"platform":"qq","message_id":"up-3","user_info":{"platform":"qq","user_id":10}},
				"message_segment":{"type":"command","data":{"name":"GROUP_KICK","args":{"qq_id":10}}}}`,
			wantErr: true,
		},
		{
			name:    "unknown command",
			msg:     groupCommand("DELETE_MSG", `{}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			actions := newMockActions().
				Reply(onebot.ActionSetGroupBan, nil).
				Reply(onebot.ActionSetGroupWholeBan, nil).
				Reply(onebot.ActionSetGroupKick, nil).
				Reply(onebot.ActionSendPoke, nil)
			o := NewOutboundBridge("qq", mockSource{actions}, newMockUpstream(), zerolog.Nop())

			ack, err := o.Send(context.Background(), decodeCanonical(t, tt.msg))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Send succeeded, calls = %v", actions.Actions())
				}
				if len(actions.Calls()) != 0 {
					t.Errorf("invalid command still issued %v", actions.Actions())
				}
				return
			}
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			calls := actions.Calls()
			if len(calls) != 1 || calls[0].Action != tt.wantAction {
				t.Fatalf("calls = %v, want one %s", actions.Actions(), tt.wantAction)
			}
			got, _ := json.Marshal(calls[0].Params)
			want, _ := json.Marshal(tt.wantParams)
			if string(got) != string(want) {
				t.Errorf("params = %s, want %s", got, want)
			}
			if ack.Action != tt.wantAction {
				t.Errorf("ack action = %s", ack.Action)
			}
		})
	}
}

func TestOutbound_SendMessage(t *testing.T) {
	t.Parallel()
	actions := newMockActions().
		Reply(onebot.ActionSendGroupMsg, onebot.SendResult{MessageID: 4321}).
		Reply(onebot.ActionSendPrivateMsg, onebot.SendResult{MessageID: 8765})
	o := NewOutboundBridge("qq", mockSource{actions}, newMockUpstream(), zerolog.Nop())

	group := decodeCanonical(t, `{"message_info":{"platform":"qq","message_id":"up-9",
		"group_info":{"platform":"qq","group_id":"5"},"user_info":{"platform":"qq","user_id":10}},
		"message_segment":{"type":"seglist","data":[{"type":"text","data":"hi "},{"type":"reply","data":"77"},{"type":"text","data":"there"}]}}`)
	ack, err := o.Send(context.Background(), group)
	if err != nil {
		t.Fatalf("Send group: %v", err)
	}
	if ack.PlatformID != 4321 || ack.UpstreamID != "up-9" || ack.Action != onebot.ActionSendGroupMsg {
		t.Errorf("ack = %+v", ack)
	}
	params := actions.Calls()[0].Params.(*onebot.GroupMessageParams)
	if params.GroupID != 5 || len(params.Message) != 2 || params.Message[0].Type != onebot.SegReply {
		t.Errorf("group params = %+v", params)
	}

	private := decodeCanonical(t, `{"message_info":{"platform":"qq","message_id":"up-10","user_info":{"platform":"qq","user_id":10}},
		"message_segment":{"type":"text","data":"psst"}}`)
	ack, err = o.Send(context.Background(), private)
	if err != nil {
		t.Fatalf("Send private: %v", err)
	}
	if ack.PlatformID != 8765 || ack.Action != onebot.ActionSendPrivateMsg {
		t.Errorf("ack = %+v", ack)
	}
}

func TestOutbound_SendErrors(t *testing.T) {
	t.Parallel()
	text := `{"type":"text","data":"x"}`

	tests := []struct {
		name    string
		source  ActionSource
		msg     string
		wantErr error
	}{
		{"no session", mockSource{}, `{"message_info":{"message_id":"a","user_info":{"user_id":1}},"message_segment":` + text + `}`, ErrNoSession},
		{"no target", mockSource{newMockActions()}, `{"message_info":{"message_id":"a"},"message_segment":` + text + `}`, errNoTarget},
		{"only reply", mockSource{newMockActions()}, `{"message_info":{"message_id":"a","user_info":{"user_id":1}},"message_segment":{"type":"reply","data":"5"}}`, errNothingToSend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := NewOutboundBridge("qq", tt.source, newMockUpstream(), zerolog.Nop())
			if _, err := o.Send(context.Background(), decodeCanonical(t, tt.msg)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Send: got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOutbound_Acknowledgment(t *testing.T) {
	t.Parallel()
	actions := newMockActions().
		Reply(onebot.ActionSendGroupMsg, onebot.SendResult{MessageID: 4321}).
		Fail(onebot.ActionSendPrivateMsg, &TimeoutError{Action: onebot.ActionSendPrivateMsg})
	upstream := newMockUpstream()
	o := NewOutboundBridge("qq", mockSource{actions}, upstream, zerolog.Nop())

	o.HandleUpstream(context.Background(), decodeCanonical(t, `{"message_info":{"message_id":"ok-1",
		"group_info":{"group_id":5}},"message_segment":{"type":"text","data":"hi"}}`))
	o.Wait()
	o.HandleUpstream(context.Background(), decodeCanonical(t, `{"message_info":{"message_id":"bad-1",
		"user_info":{"user_id":10}},"message_segment":{"type":"text","data":"hi"}}`))
	o.Wait()

	msgs := upstream.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d acknowledgments, want 2", len(msgs))
	}
	okAck := msgs[0].MessageSegment
	if okAck.Type != maim.SegNotify || okAck.Fields["type"] != "echo" || okAck.Fields["echo"] != "ok-1" ||
		okAck.Fields["actual_id"] != "4321" || okAck.Fields["ok"] != true {
		t.Errorf("success ack = %+v", okAck.Fields)
	}
	if msgs[0].MessageInfo.GroupInfo == nil || msgs[0].MessageInfo.GroupInfo.GroupID != 5 {
		t.Errorf("success ack not addressed to the group: %+v", msgs[0].MessageInfo)
	}
	badAck := msgs[1].MessageSegment
	if badAck.Fields["ok"] != false || badAck.Fields["echo"] != "bad-1" || badAck.Fields["error"] == nil {
		t.Errorf("failure ack = %+v", badAck.Fields)
	}
}

func TestOutbound_HandleUpstreamDoesNotBlock(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	actions := newMockActions().On(onebot.ActionSendPrivateMsg, func(any) (*onebot.ActionReply, error) {
		<-release
		return okReply(onebot.SendResult{MessageID: 1}), nil
	})
	o := NewOutboundBridge("qq", mockSource{actions}, newMockUpstream(), zerolog.Nop())

	returned := make(chan struct{})
	go func() {
		o.HandleUpstream(context.Background(), decodeCanonical(t, `{"message_info":{"message_id":"slow",
			"user_info":{"user_id":10}},"message_segment":{"type":"text","data":"hi"}}`))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("HandleUpstream blocked on the gateway call")
	}
	close(release)
	o.Wait()
}
