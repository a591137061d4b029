// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/aiku/napcat-bridge/pkg/onebot"
)

// callInto performs an action and decodes its data into a T. A reply without
// data yields (nil, nil).
func callInto[T any](ctx context.Context, c ActionCaller, action string, params any) (*T, error) {
	reply, err := c.Call(ctx, action, params)
	if err != nil {
		return nil, err
	}
	if !reply.HasData() {
		return nil, nil
	}
	var out T
	if err = reply.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getLoginInfo(ctx context.Context, c ActionCaller) (*onebot.LoginInfo, error) {
	return callInto[onebot.LoginInfo](ctx, c, onebot.ActionGetLoginInfo, nil)
}

func getGroupInfo(ctx context.Context, c ActionCaller, groupID onebot.ID) (*onebot.GroupInfo, error) {
	return callInto[onebot.GroupInfo](ctx, c, onebot.ActionGetGroupInfo, map[string]any{"group_id": groupID})
}

func getGroupList(ctx context.Context, c ActionCaller) ([]onebot.GroupInfo, error) {
	list, err := callInto[[]onebot.GroupInfo](ctx, c, onebot.ActionGetGroupList, nil)
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

// getMemberInfo bypasses the gateway's member cache so renamed members
// resolve to their current name.
func getMemberInfo(ctx context.Context, c ActionCaller, groupID, userID onebot.ID) (*onebot.MemberInfo, error) {
	return callInto[onebot.MemberInfo](ctx, c, onebot.ActionGetGroupMemberInfo, map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"no_cache": true,
	})
}

func getGroupShutList(ctx context.Context, c ActionCaller, groupID onebot.ID) ([]onebot.ShutMember, error) {
	list, err := callInto[[]onebot.ShutMember](ctx, c, onebot.ActionGetGroupShutList, map[string]any{"group_id": groupID})
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

func getForwardMessage(ctx context.Context, c ActionCaller, id string) (*onebot.ForwardMessage, error) {
	return callInto[onebot.ForwardMessage](ctx, c, onebot.ActionGetForwardMsg, map[string]any{"message_id": id})
}
