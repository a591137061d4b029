// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aiku/napcat-bridge/pkg/banstore"
	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

const waitTimeout = 2 * time.Second

type gatewayRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
	Echo   string          `json:"echo"`
}

// fakeGateway plays the NapCat side of a reverse WebSocket connection. It
// answers action requests from a fixed table and records every request.
type fakeGateway struct {
	conn     *websocket.Conn
	handlers map[string]func(params json.RawMessage) any
	writeMu  sync.Mutex
	requests chan gatewayRequest
	closed   chan struct{}
}

func startGateway(t *testing.T, b *Bridge) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(b.GatewayHandler())
	t.Cleanup(func() {
		srv.Close()
		require.Eventually(t, func() bool { return b.CurrentSession() == nil }, waitTimeout, 5*time.Millisecond,
			"gateway session still running after its connection closed")
	})
	return srv
}

func gatewayURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialGateway(t *testing.T, srv *httptest.Server, header http.Header, handlers map[string]func(json.RawMessage) any) *fakeGateway {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL(srv), header)
	require.NoError(t, err)
	gw := &fakeGateway{
		conn:     conn,
		handlers: handlers,
		requests: make(chan gatewayRequest, 128),
		closed:   make(chan struct{}),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go gw.serve()
	return gw
}

func (gw *fakeGateway) serve() {
	defer close(gw.closed)
	for {
		_, data, err := gw.conn.ReadMessage()
		if err != nil {
			return
		}
		var req gatewayRequest
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		select {
		case gw.requests <- req:
		default:
		}
		if h := gw.handlers[req.Action]; h != nil {
			gw.send(map[string]any{"status": "ok", "retcode": 0, "data": h(req.Params), "echo": req.Echo})
		}
	}
}

func (gw *fakeGateway) send(v any) {
	gw.writeMu.Lock()
	defer gw.writeMu.Unlock()
	_ = gw.conn.WriteJSON(v)
}

func (gw *fakeGateway) expectAction(t *testing.T, action string) gatewayRequest {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case req := <-gw.requests:
			if req.Action == action {
				return req
			}
		case <-timeout:
			t.Fatalf("gateway never received %s", action)
			return gatewayRequest{}
		}
	}
}

func waitSession(t *testing.T, b *Bridge, not *Session) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		s = b.CurrentSession()
		return s != nil && s != not
	}, waitTimeout, 5*time.Millisecond)
	return s
}

func waitUpstream(t *testing.T, u *mockUpstream) *maim.MessageBase {
	t.Helper()
	select {
	case msg := <-u.sent:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("nothing was sent upstream")
		return nil
	}
}

func staticReply(v any) func(json.RawMessage) any {
	return func(json.RawMessage) any { return v }
}

var lifecycleConnect = map[string]any{
	"post_type": "meta_event", "meta_event_type": "lifecycle", "sub_type": "connect", "time": 1700000000, "self_id": 999,
}

func TestBridge_InboundGroupMessage(t *testing.T) {
	t.Parallel()
	b, upstream := newTestBridge(t, nil)
	srv := startGateway(t, b)
	liftAt := time.Now().Add(time.Hour).Unix()
	gw := dialGateway(t, srv, nil, map[string]func(json.RawMessage) any{
		onebot.ActionGetGroupList:     staticReply([]map[string]any{{"group_id": 5, "group_name": "G"}}),
		onebot.ActionGetGroupInfo:     staticReply(map[string]any{"group_id": 5, "group_name": "G", "group_all_shut": 1}),
		onebot.ActionGetGroupShutList: staticReply([]map[string]any{{"uin": 10, "nick": "A", "shutUpTime": liftAt}}),
	})

	gw.send(lifecycleConnect)
	require.Eventually(t, func() bool {
		records, err := b.bans.List(context.Background())
		return err == nil && len(records) == 2
	}, waitTimeout, 10*time.Millisecond, "moderation snapshot not reconciled")
	require.Equal(t, StatusAlive, b.CurrentSession().Status())

	gw.send(map[string]any{
		"post_type": "message", "message_type": "group", "sub_type": "normal", "time": 1700000001,
		"message_id": 77, "user_id": 10, "group_id": 5,
		"sender":  map[string]any{"user_id": 10, "nickname": "A"},
		"message": []map[string]any{{"type": "text", "data": map[string]any{"text": "hello"}}},
	})
	msg := waitUpstream(t, upstream)
	require.EqualValues(t, 5, msg.MessageInfo.GroupInfo.GroupID)
	require.Equal(t, "G", msg.MessageInfo.GroupInfo.GroupName)
	require.EqualValues(t, 10, msg.MessageInfo.UserInfo.UserID)
	require.Equal(t, []string{"hello"}, segTexts(msg.MessageSegment))
}

func TestBridge_HealthCheck(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	srv := startGateway(t, b)

	var health healthResponse
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	require.Equal(t, StatusDisconnected, health.Session)
	require.True(t, health.LastHeartbeat.IsZero())
	require.NotNil(t, health.RouterConnected)
	require.True(t, *health.RouterConnected)

	gw := dialGateway(t, srv, nil, map[string]func(json.RawMessage) any{
		onebot.ActionGetGroupList: staticReply([]any{}),
	})
	s := waitSession(t, b, nil)
	gw.send(lifecycleConnect)
	require.Eventually(t, func() bool { return s.Status() == StatusAlive }, waitTimeout, 5*time.Millisecond)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	require.Equal(t, StatusAlive, health.Session)
	require.Equal(t, s.ID(), health.SessionID)
	require.False(t, health.LastHeartbeat.IsZero())
}

func TestBridge_HandshakeToken(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	b.Config.NapCat.Token = "s3cret"
	srv := startGateway(t, b)

	_, resp, err := websocket.DefaultDialer.Dial(gatewayURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
	require.Nil(t, b.CurrentSession())

	dialGateway(t, srv, http.Header{"Authorization": {"Bearer s3cret"}}, nil)
	waitSession(t, b, nil)
}

func TestBridge_NewConnectionReplacesSession(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	srv := startGateway(t, b)

	first := dialGateway(t, srv, nil, nil)
	s1 := waitSession(t, b, nil)
	dialGateway(t, srv, nil, nil)
	s2 := waitSession(t, b, s1)
	require.NotEqual(t, s1.ID(), s2.ID())

	select {
	case <-s1.Done():
	case <-time.After(waitTimeout):
		t.Fatal("replaced session was not torn down")
	}
	select {
	case <-first.closed:
	case <-time.After(waitTimeout):
		t.Fatal("replaced gateway connection still open")
	}
}

func TestBridge_DisconnectFailsPendingCalls(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	srv := startGateway(t, b)
	gw := dialGateway(t, srv, nil, nil)
	s := waitSession(t, b, nil)

	result := make(chan error, 1)
	go func() {
		_, err := s.Actions().Call(context.Background(), onebot.ActionGetLoginInfo, nil)
		result <- err
	}()
	gw.expectAction(t, onebot.ActionGetLoginInfo)
	_ = gw.conn.Close()

	select {
	case err := <-result:
		require.True(t, isTransportClosed(err), "got %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("pending call not failed on disconnect")
	}
	<-s.Done()
	_, err := b.Actions()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestBridge_OutboundThroughSession(t *testing.T) {
	t.Parallel()
	b, upstream := newTestBridge(t, nil)
	srv := startGateway(t, b)
	gw := dialGateway(t, srv, nil, map[string]func(json.RawMessage) any{
		onebot.ActionSendGroupMsg: staticReply(map[string]any{"message_id": 4321}),
	})
	waitSession(t, b, nil)

	b.Outbound.HandleUpstream(context.Background(), decodeCanonical(t, `{"message_info":{"platform":"qq","message_id":"up-1",
		"group_info":{"platform":"qq","group_id":5}},"message_segment":{"type":"seglist","data":[{"type":"text","data":"hi"}]}}`))

	req := gw.expectAction(t, onebot.ActionSendGroupMsg)
	var params onebot.GroupMessageParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	require.EqualValues(t, 5, params.GroupID)
	require.Len(t, params.Message, 1)

	ack := waitUpstream(t, upstream)
	require.Equal(t, "echo", ack.MessageSegment.Fields["type"])
	require.Equal(t, "up-1", ack.MessageSegment.Fields["echo"])
	require.Equal(t, "4321", ack.MessageSegment.Fields["actual_id"])
	b.Outbound.Wait()
}

func TestBridge_AdminAPI(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	srv := httptest.NewServer(b.AdminHandler())
	t.Cleanup(srv.Close)

	list := func() []banstore.BanRecord {
		resp, err := http.Get(srv.URL + "/api/bans")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var records []banstore.BanRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
		return records
	}
	require.Empty(t, list())

	resp, err := http.Post(srv.URL+"/api/bans/reconcile", "application/json",
		strings.NewReader(`[{"group_id":5,"user_id":0},{"group_id":5,"user_id":10,"lift_time":"2030-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	var res banstore.ReconcileResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	require.Equal(t, banstore.ReconcileResult{Created: 2}, res)
	require.Len(t, list(), 2)

	resp, err = http.Post(srv.URL+"/api/bans/reconcile", "application/json", strings.NewReader(`{"not":"a list"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Len(t, list(), 2)
}

func TestBridge_ExpireBans(t *testing.T) {
	t.Parallel()
	b, upstream := newTestBridge(t, nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 5, UserID: 10, LiftTime: now.Add(-time.Minute)}))
	require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 5, UserID: 11, LiftTime: now.Add(time.Hour)}))
	require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 5, UserID: banstore.WholeGroup}))

	b.expireBans(ctx, now)

	records, err := b.bans.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	msg := waitUpstream(t, upstream)
	require.Equal(t, onebot.NoticeSubLiftBan, msg.MessageSegment.Fields["type"])
	require.EqualValues(t, 10, msg.MessageSegment.Fields["user_id"])
	require.Len(t, upstream.Messages(), 1)
}

func TestBridge_SyncModerationAbortsOnFailure(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	ctx := context.Background()
	require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 7, UserID: 1}))

	actions := newMockActions().
		Reply(onebot.ActionGetGroupList, []onebot.GroupInfo{{GroupID: 5}, {GroupID: 7}}).
		Reply(onebot.ActionGetGroupInfo, onebot.GroupInfo{GroupID: 5}).
		On(onebot.ActionGetGroupShutList, func(params any) (*onebot.ActionReply, error) {
			if params.(map[string]any)["group_id"] == onebot.ID(7) {
				return nil, &TimeoutError{Action: onebot.ActionGetGroupShutList}
			}
			return okReply([]onebot.ShutMember{{UIN: 10}}), nil
		})

	require.Error(t, b.syncModeration(ctx, actions))
	records, err := b.bans.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 7, records[0].GroupID)
}

func TestBridge_SyncModerationRetakesStaleSnapshot(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	ctx := context.Background()
	lift := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 5, UserID: 10, LiftTime: lift}))

	var shutCalls int
	actions := newMockActions().
		Reply(onebot.ActionGetGroupList, []onebot.GroupInfo{{GroupID: 5}}).
		Reply(onebot.ActionGetGroupInfo, onebot.GroupInfo{GroupID: 5}).
		On(onebot.ActionGetGroupShutList, func(any) (*onebot.ActionReply, error) {
			shutCalls++
			if shutCalls > 1 {
				return okReply([]onebot.ShutMember{}), nil
			}
			// The lift_ban notice is handled while the first snapshot is in flight.
			require.NoError(t, b.bans.Lift(ctx, 10, 5))
			return okReply([]onebot.ShutMember{{UIN: 10, ShutUpTime: lift.Unix()}}), nil
		})

	require.NoError(t, b.syncModeration(ctx, actions))
	require.Equal(t, 2, shutCalls)
	records, err := b.bans.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestBridge_SyncModerationGivesUpWhenAlwaysStale(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t, nil)
	ctx := context.Background()

	var shutCalls int
	actions := newMockActions().
		Reply(onebot.ActionGetGroupList, []onebot.GroupInfo{{GroupID: 5}}).
		Reply(onebot.ActionGetGroupInfo, onebot.GroupInfo{GroupID: 5}).
		On(onebot.ActionGetGroupShutList, func(any) (*onebot.ActionReply, error) {
			shutCalls++
			require.NoError(t, b.bans.Apply(ctx, banstore.BanRecord{GroupID: 5, UserID: int64(100 + shutCalls)}))
			return okReply([]onebot.ShutMember{}), nil
		})

	err := b.syncModeration(ctx, actions)
	require.ErrorIs(t, err, banstore.ErrStaleSnapshot)
	require.Equal(t, maxModerationSyncAttempts, shutCalls)
	records, err := b.bans.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, maxModerationSyncAttempts)
}
