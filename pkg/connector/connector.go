// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/napcat-bridge/pkg/banstore"
	"github.com/aiku/napcat-bridge/pkg/maim"
	"github.com/aiku/napcat-bridge/pkg/onebot"
)

const maxReconcileBodySize = 1 << 20

// Bridge connects a single NapCat gateway session to the MaiBot router. It
// owns the gateway listener, the admin API and the moderation state.
type Bridge struct {
	Config   *Config
	Log      zerolog.Logger
	Outbound *OutboundBridge

	upstream Upstream
	bans     *banstore.Reconciler
	fetcher  Fetcher
	upgrader websocket.Upgrader

	sessionMu sync.Mutex
	session   *Session

	servers []*http.Server
	wg      sync.WaitGroup
}

var _ ActionSource = (*Bridge)(nil)

func NewBridge(cfg *Config, log zerolog.Logger, upstream Upstream, bans *banstore.Reconciler, fetcher Fetcher) *Bridge {
	b := &Bridge{
		Config:   cfg,
		Log:      log,
		upstream: upstream,
		bans:     bans,
		fetcher:  fetcher,
		upgrader: websocket.Upgrader{
			// The gateway is not a browser, so origin checks don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.Outbound = NewOutboundBridge(cfg.MaiBot.Platform, b, upstream, log)
	return b
}

// Start begins listening for the gateway and, if configured, the admin API,
// and starts the ban-lift watcher. Listeners are bound before Start returns.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.listen(ctx, "gateway", b.Config.NapCat.ListenAddr(), b.GatewayHandler()); err != nil {
		return err
	}
	if addr := b.Config.Bridge.AdminAPIAddr; addr != "" {
		if err := b.listen(ctx, "admin", addr, b.AdminHandler()); err != nil {
			return err
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.WatchBanLifts(ctx, b.Config.Bridge.BanLiftCheckIntervalDuration())
	}()
	return nil
}

func (b *Bridge) listen(ctx context.Context, name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s on %s: %w", name, addr, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	b.servers = append(b.servers, server)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Log.Info().Str("addr", ln.Addr().String()).Msgf("Starting %s listener", name)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.Log.Error().Err(err).Msgf("%s listener error", name)
		}
	}()
	return nil
}

// Stop closes the listeners and the active session, then waits for every
// background goroutine and in-flight outbound delivery to finish. The context
// passed to Start must already be canceled or Stop will wait for the watcher.
func (b *Bridge) Stop(ctx context.Context) error {
	var errs []error
	for _, server := range b.servers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s := b.CurrentSession(); s != nil {
		s.Disconnect()
		select {
		case <-s.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	b.Outbound.Wait()
	b.wg.Wait()
	return errors.Join(errs...)
}

func (b *Bridge) httpLogging(r chi.Router, name string) {
	log := b.Log.With().Str("component", name).Logger()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RemoteAddrHandler("remote_addr"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))
}

// GatewayHandler serves the reverse WebSocket endpoint and a health check.
func (b *Bridge) GatewayHandler() http.Handler {
	r := chi.NewRouter()
	b.httpLogging(r, "gateway_http")
	r.Get("/healthz", b.HandleHealth)
	r.With(requireToken(b.Config.NapCat.Token)).Get("/", b.ServeGateway)
	return r
}

// AdminHandler serves the moderation admin API.
func (b *Bridge) AdminHandler() http.Handler {
	r := chi.NewRouter()
	b.httpLogging(r, "admin_http")
	r.Route("/api/bans", func(r chi.Router) {
		r.Get("/", b.HandleListBans)
		r.Post("/reconcile", b.HandleReconcileBans)
	})
	return r
}

// ServeGateway upgrades a gateway connection and serves it until it ends. A
// new connection replaces the current session.
func (b *Bridge) ServeGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to upgrade gateway connection")
		return
	}
	conn.SetReadLimit(b.Config.NapCat.MaxFrameSize)

	s := newSession(b, conn)
	b.sessionMu.Lock()
	old := b.session
	b.session = s
	b.sessionMu.Unlock()
	if old != nil {
		s.log.Info().Str("replaced_session_id", old.ID()).Msg("Replacing existing gateway session")
		old.Disconnect()
		<-old.Done()
	}

	_ = s.Run(r.Context())

	b.sessionMu.Lock()
	if b.session == s {
		b.session = nil
	}
	b.sessionMu.Unlock()
}

// CurrentSession returns the active gateway session, or nil.
func (b *Bridge) CurrentSession() *Session {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.session
}

// Actions returns the action client of the active session.
func (b *Bridge) Actions() (ActionCaller, error) {
	s := b.CurrentSession()
	if s == nil {
		return nil, ErrNoSession
	}
	return s.Actions(), nil
}

// connectionReporter is implemented by upstreams that know whether they are
// currently connected.
type connectionReporter interface {
	Connected() bool
}

type healthResponse struct {
	Session         SessionStatus `json:"session"`
	SessionID       string        `json:"session_id,omitempty"`
	LastHeartbeat   jsontime.Unix `json:"last_heartbeat,omitzero"`
	RouterConnected *bool         `json:"router_connected,omitempty"`
}

// HandleHealth reports the state of the gateway session and, when the
// upstream can tell, of the router connection.
func (b *Bridge) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Session: StatusDisconnected}
	if s := b.CurrentSession(); s != nil {
		resp.Session = s.Status()
		resp.SessionID = s.ID()
		if last := s.heartbeat.LastBeat(); !last.IsZero() {
			resp.LastHeartbeat = jsontime.U(last)
		}
	}
	if rep, ok := b.upstream.(connectionReporter); ok {
		connected := rep.Connected()
		resp.RouterConnected = &connected
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListBans is GET /api/bans.
func (b *Bridge) HandleListBans(w http.ResponseWriter, r *http.Request) {
	records, err := b.bans.List(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to list ban records")
		http.Error(w, "failed to list ban records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []banstore.BanRecord{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

// HandleReconcileBans is POST /api/bans/reconcile. The body is the complete
// desired set of ban records.
func (b *Bridge) HandleReconcileBans(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxReconcileBodySize)
	var desired []banstore.BanRecord
	if err := json.NewDecoder(r.Body).Decode(&desired); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	hlog.FromRequest(r).Info().Int("records", len(desired)).Msg("Ban reconcile requested")

	res, err := b.bans.Reconcile(r.Context(), desired)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Ban reconcile failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write response")
	}
}

// sendUpstream forwards msg to the router. Failures are logged and dropped.
func (b *Bridge) sendUpstream(ctx context.Context, msg *maim.MessageBase) {
	if err := b.upstream.Send(ctx, msg); err != nil {
		b.Log.Warn().Err(err).
			Str("message_id", msg.MessageInfo.MessageID).
			Msg("Failed to send message upstream")
	}
}

func (b *Bridge) noticeMessage(groupID, userID onebot.ID, fields map[string]any) *maim.MessageBase {
	return notifyMessage(b.Config.MaiBot.Platform, groupID, userID, fields)
}

// maxModerationSyncAttempts bounds how often a snapshot is retaken when mute
// notices keep landing while it is gathered.
const maxModerationSyncAttempts = 3

// syncModeration asks the gateway for the current mute state of every group
// and reconciles the store to it. Any failed lookup leaves the store as is. A
// snapshot that raced with a mute notice is discarded and taken again.
func (b *Bridge) syncModeration(ctx context.Context, actions ActionCaller) error {
	for attempt := 1; ; attempt++ {
		gen := b.bans.Generation()
		groups, desired, err := moderationSnapshot(ctx, actions)
		if err != nil {
			return err
		}
		res, err := b.bans.ReconcileSince(ctx, gen, desired)
		if errors.Is(err, banstore.ErrStaleSnapshot) && attempt < maxModerationSyncAttempts {
			b.Log.Debug().Int("attempt", attempt).Msg("Ban records changed during moderation sync, retrying")
			continue
		} else if err != nil {
			return err
		}
		b.Log.Info().
			Int("groups", groups).
			Int("records", len(desired)).
			Int("created", res.Created).
			Int("updated", res.Updated).
			Int("deleted", res.Deleted).
			Msg("Moderation state synced from gateway")
		return nil
	}
}

// moderationSnapshot collects the gateway's mute state as a desired set of
// ban records, returning the number of groups it covers.
func moderationSnapshot(ctx context.Context, actions ActionCaller) (int, []banstore.BanRecord, error) {
	groups, err := getGroupList(ctx, actions)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get group list: %w", err)
	}

	var desired []banstore.BanRecord
	for _, group := range groups {
		info, err := getGroupInfo(ctx, actions, group.GroupID)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to get info of group %d: %w", group.GroupID, err)
		}
		if info != nil && info.GroupAllShut != 0 {
			desired = append(desired, banstore.BanRecord{GroupID: int64(group.GroupID), UserID: banstore.WholeGroup})
		}
		muted, err := getGroupShutList(ctx, actions, group.GroupID)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to get muted members of group %d: %w", group.GroupID, err)
		}
		for _, member := range muted {
			rec := banstore.BanRecord{GroupID: int64(group.GroupID), UserID: int64(member.UIN)}
			if member.ShutUpTime > 0 {
				rec.LiftTime = time.Unix(member.ShutUpTime, 0)
			}
			desired = append(desired, rec)
		}
	}
	return len(groups), desired, nil
}

// WatchBanLifts periodically removes mutes whose lift time has passed and
// tells the router about each one.
func (b *Bridge) WatchBanLifts(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	b.Log.Info().Dur("interval", interval).Msg("Starting ban-lift watcher")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Log.Info().Msg("Ban-lift watcher stopped")
			return
		case now := <-ticker.C:
			b.expireBans(ctx, now)
		}
	}
}

func (b *Bridge) expireBans(ctx context.Context, now time.Time) {
	expired, err := b.bans.Expire(ctx, now)
	if err != nil {
		b.Log.Error().Err(err).Msg("Failed to expire ban records")
		return
	}
	for _, rec := range expired {
		b.Log.Debug().Int64("group_id", rec.GroupID).Int64("user_id", rec.UserID).Msg("Mute expired")
		b.sendUpstream(ctx, b.noticeMessage(onebot.ID(rec.GroupID), onebot.ID(rec.UserID), map[string]any{
			"type":        onebot.NoticeSubLiftBan,
			"group_id":    rec.GroupID,
			"user_id":     rec.UserID,
			"whole_group": rec.IsWholeGroup(),
			"expired":     true,
		}))
	}
}
