// Package websocket terminates support-chat sockets: it authenticates the
// upgrade, attaches the connection to its session with a backfill, and turns
// inbound frames into router and presence calls.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/auth"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/backfill"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/presence"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/ratelimit"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/router"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/util"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Query parameters accepted on the upgrade request
const (
	QueryToken       = "token"
	QueryLastSeenSeq = "last_seen_seq"
)

// upgrader is copied per handler so CheckOrigin can be bound to its config.
// TLS is terminated by the reverse proxy in front of the service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options tune the gateway. Zero values fall back to the package defaults.
type Options struct {
	AllowedOrigins        []string
	MaxMessageSize        int64
	SendBuffer            int
	MaxConnectionsPerUser int
	MessageRateLimit      int
	MessageRateWindow     time.Duration
}

// Handler manages WebSocket connections and upgrades
type Handler struct {
	verifier auth.Verifier
	registry *session.Registry
	router   *router.MessageRouter
	backfill *backfill.Manager
	presence *presence.Tracker
	logger   *zap.SugaredLogger

	connLimiter    *ratelimit.ConnectionLimiter
	messageLimiter *ratelimit.SlidingWindow
	allowedOrigins map[string]bool
	maxMessageSize int64
	sendBuffer     int

	mu          sync.RWMutex
	connections map[string]*Connection
	wg          sync.WaitGroup
	shutdown    atomic.Bool
}

// NewHandler creates a new WebSocket handler. router must be the lock owner
// that backfill was built with.
func NewHandler(verifier auth.Verifier, registry *session.Registry, mr *router.MessageRouter, bf *backfill.Manager, tracker *presence.Tracker, opts Options, logger *zap.SugaredLogger) *Handler {
	wsLogger := logger.Named("websocket")

	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = constants.DefaultMaxMessageSize
	}
	if opts.MessageRateWindow <= 0 {
		opts.MessageRateWindow = constants.DefaultRateWindow
	}

	h := &Handler{
		verifier:       verifier,
		registry:       registry,
		router:         mr,
		backfill:       bf,
		presence:       tracker,
		logger:         wsLogger,
		connLimiter:    ratelimit.NewConnectionLimiter(opts.MaxConnectionsPerUser),
		messageLimiter: ratelimit.NewSlidingWindow(opts.MessageRateWindow, opts.MessageRateLimit, wsLogger),
		allowedOrigins: lo.SliceToMap(opts.AllowedOrigins, func(o string) (string, bool) { return o, true }),
		maxMessageSize: opts.MaxMessageSize,
		sendBuffer:     opts.SendBuffer,
		connections:    make(map[string]*Connection),
	}
	h.messageLimiter.StartCleanup()

	if len(h.allowedOrigins) == 0 {
		wsLogger.Warnw("No allowed origins configured, accepting WebSocket upgrades from any origin")
	}
	return h
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if h.allowedOrigins[origin] {
		return true
	}
	metrics.ConnectionsRejected.WithLabelValues("origin").Inc()
	h.logger.Warnw("Origin not allowed", "origin", origin)
	return false
}

// tokenFromRequest prefers the Authorization header and falls back to the
// token query parameter, which browsers need for WebSocket upgrades.
func (h *Handler) tokenFromRequest(r *http.Request) string {
	if token, err := util.ExtractBearerToken(r.Header.Get(constants.HeaderAuthorization)); err == nil {
		return token
	}
	return r.URL.Query().Get(QueryToken)
}

// HandleWebSocket authenticates and upgrades the request, then attaches the
// connection: a user to their own session with a backfill from
// last_seen_seq, an admin to new-session announcements.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.shutdown.Load() {
		metrics.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := h.tokenFromRequest(r)
	if token == "" {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		h.logger.Warnw("Token verification failed", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	lastSeen, err := parseLastSeenSeq(r.URL.Query().Get(QueryLastSeenSeq))
	if err != nil {
		http.Error(w, "last_seen_seq must be an integer", http.StatusBadRequest)
		return
	}

	if !h.connLimiter.Acquire(identity.ID) {
		metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
		h.logger.Warnw("Connection limit exceeded", "principal_id", identity.ID)
		chatErr := chaterrors.ErrConnectionLimitExceeded(0)
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin
	ws, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.connLimiter.Release(identity.ID)
		util.LogError(h.logger, "websocket", "upgrade connection", err, "principal_id", identity.ID)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	c := newConnection(ws, uuid.NewString(), identity, h.sendBuffer, h.logger)
	if !h.register(c) {
		h.connLimiter.Release(identity.ID)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, message.ReasonShutdown),
			time.Now().Add(constants.CloseGraceTime))
		_ = ws.Close()
		return
	}

	util.SafeGo(h.logger, "writePump", c.Close, c.writePump)
	util.SafeGo(h.logger, "readPump", func() { h.cleanup(c) }, func() {
		if h.attach(r.Context(), c, lastSeen) {
			h.readPump(c)
		}
		h.cleanup(c)
	})
}

func parseLastSeenSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return max(v, 0), nil
}

// register tracks c unless shutdown has started.
func (h *Handler) register(c *Connection) bool {
	h.mu.Lock()
	if h.shutdown.Load() {
		h.mu.Unlock()
		return false
	}
	h.connections[c.ID()] = c
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.WebSocketConnections.WithLabelValues(c.Role()).Inc()
	h.logger.Infow("WebSocket connection established",
		"connection_id", c.ID(),
		"principal_id", c.PrincipalID(),
		"role", c.Role())
	return true
}

// attach sends the connect event and wires the connection into the session
// registry. It reports false when the connection should be dropped.
func (h *Handler) attach(ctx context.Context, c *Connection, lastSeen int64) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultContextTimeout)
	defer cancel()

	if c.IsAdmin() {
		h.preloadEvent(c, message.NewConnectEvent(c.ID(), c.Role(), nil))
		h.registry.Watch(c)
		return true
	}

	s, _, err := h.registry.ResolveOrCreate(ctx, c.PrincipalID(), c.identity.DisplayName)
	if err != nil {
		h.failAttach(c, "", err)
		return false
	}
	h.preloadEvent(c, message.NewConnectEvent(c.ID(), c.Role(), s))

	if err := h.join(ctx, c, s.SessionID, lastSeen); err != nil {
		h.failAttach(c, s.SessionID, err)
		return false
	}
	return true
}

func (h *Handler) failAttach(c *Connection, sessionID string, err error) {
	util.LogError(h.logger, "websocket", "attach connection", err,
		"connection_id", c.ID(),
		"principal_id", c.PrincipalID())
	_ = h.router.HandleError(c, sessionID, err)
	c.CloseWith(websocket.CloseInternalServerErr, "session unavailable")
}

func (h *Handler) preloadEvent(c *Connection, ev *message.Event) {
	payload, err := ev.Encode()
	if err != nil {
		util.LogError(h.logger, "websocket", "encode event", err, "type", ev.Type)
		return
	}
	c.Preload([][]byte{payload})
}

// join backfills and binds c to sessionID, closing any user connection it
// replaces.
func (h *Handler) join(ctx context.Context, c *Connection, sessionID string, lastSeen int64) error {
	res, err := h.backfill.Backfill(ctx, c, sessionID, lastSeen)
	if err != nil {
		return err
	}
	if res.Superseded != nil {
		h.logger.Infow("User connection superseded",
			"session_id", sessionID,
			"old_connection_id", res.Superseded.ID(),
			"connection_id", c.ID())
		if old, ok := h.lookup(res.Superseded.ID()); ok {
			h.disconnect(old, sessionID, message.ReasonSuperseded, websocket.CloseNormalClosure)
		}
	}
	return nil
}

func (h *Handler) lookup(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.connections[id]
	return c, ok
}

// disconnect sends a disconnect event and closes c once it is flushed.
func (h *Handler) disconnect(c *Connection, sessionID, reason string, code int) {
	if payload, err := message.NewDisconnectEvent(sessionID, reason).Encode(); err == nil {
		c.Deliver(payload)
	}
	c.CloseWith(code, reason)
}

// readPump reads frames until the socket fails or the connection closes.
func (h *Handler) readPump(c *Connection) {
	ws := c.conn
	_ = ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warnw("WebSocket message size limit exceeded",
					"connection_id", c.ID(),
					"limit", h.maxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				util.LogError(h.logger, "websocket", "read frame", err, "connection_id", c.ID())
			default:
				h.logger.Debugw("WebSocket connection closing", "connection_id", c.ID())
			}
			return
		}

		ev, err := message.Decode(raw)
		if err != nil {
			_ = h.router.HandleError(c, "", chaterrors.ErrInvalidMessageFormat("frame is not a JSON event", err))
			continue
		}
		if err := ev.Validate(); err != nil {
			_ = h.router.HandleError(c, ev.SessionID, validationToChatError(err))
			continue
		}

		if err := h.dispatch(c, ev); err != nil {
			_ = h.router.HandleError(c, ev.SessionID, err)
			if chatErr, ok := chaterrors.As(err); ok && chatErr.IsFatal() {
				c.CloseWith(websocket.ClosePolicyViolation, string(chatErr.Code))
				return
			}
		}
	}
}

func validationToChatError(err error) error {
	var verr *message.ValidationError
	if !errors.As(err, &verr) {
		return chaterrors.ErrInvalidMessageFormat(err.Error(), err)
	}
	if verr.Field == "content" {
		return chaterrors.ErrEmptyContent()
	}
	return chaterrors.ErrInvalidMessageFormat(verr.Message, err)
}

func (h *Handler) dispatch(c *Connection, ev *message.Event) error {
	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	switch ev.Type {
	case message.TypeMessage:
		return h.handleMessage(ctx, c, ev)
	case message.TypeJoinSupport:
		if c.IsAdmin() {
			return h.handleView(ctx, c, ev)
		}
		return h.handleUserRejoin(ctx, c, ev)
	case message.TypeView:
		if !c.IsAdmin() {
			return chaterrors.ErrInsufficientPermissions(nil)
		}
		return h.handleView(ctx, c, ev)
	case message.TypeLeave:
		if !c.IsAdmin() {
			return chaterrors.ErrInsufficientPermissions(nil)
		}
		if ev.SessionID != c.viewing {
			return chaterrors.ErrSessionNotFound(ev.SessionID)
		}
		h.leave(c)
		return nil
	}
	return chaterrors.ErrInvalidMessageFormat("unsupported event type "+string(ev.Type), nil)
}

func (h *Handler) handleMessage(ctx context.Context, c *Connection, ev *message.Event) error {
	if ok, retryAfter := h.messageLimiter.Allow(c.PrincipalID()); !ok {
		h.logger.Warnw("Message rate limit exceeded",
			"principal_id", c.PrincipalID(),
			"retry_after", retryAfter)
		return chaterrors.ErrTooManyRequests(retryAfter)
	}

	sender := model.SenderUser
	sessionID, bound := h.registry.BoundSession(c.ID())
	if c.IsAdmin() {
		sender = model.SenderAdmin
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		} else if !bound {
			return chaterrors.ErrMissingField("session_id")
		}
	} else {
		if !bound {
			return chaterrors.ErrSessionNotFound(c.PrincipalID())
		}
		if ev.SessionID != "" && ev.SessionID != sessionID {
			return chaterrors.ErrInsufficientPermissions(nil)
		}
	}

	_, err := h.router.Send(ctx, sessionID, sender, ev.Content)
	return err
}

// handleUserRejoin replays what a user connection missed, for clients that
// resync without reconnecting.
func (h *Handler) handleUserRejoin(ctx context.Context, c *Connection, ev *message.Event) error {
	if target := joinTarget(ev); target != "" && target != c.PrincipalID() {
		return chaterrors.ErrInsufficientPermissions(nil)
	}
	return h.join(ctx, c, c.PrincipalID(), ev.LastSeenSeq)
}

// joinTarget names the session a join-support or view event asks for. The
// session id is the user id, so either field identifies it; user_id wins.
func joinTarget(ev *message.Event) string {
	if ev.UserID != "" {
		return ev.UserID
	}
	return ev.SessionID
}

// handleView opens a session on an admin connection. An admin connection
// views one session at a time.
func (h *Handler) handleView(ctx context.Context, c *Connection, ev *message.Event) error {
	sessionID := joinTarget(ev)
	if sessionID == "" {
		return chaterrors.ErrMissingField("session_id")
	}
	if err := h.join(ctx, c, sessionID, ev.LastSeenSeq); err != nil {
		return err
	}
	if c.viewing != sessionID {
		if c.viewing != "" {
			h.presence.MarkLeft(c.viewing, c.PrincipalID())
		}
		h.presence.MarkViewing(sessionID, c.PrincipalID())
		c.viewing = sessionID
	}
	h.logger.Debugw("Admin viewing session", "admin_id", c.PrincipalID(), "session_id", sessionID)
	return nil
}

func (h *Handler) leave(c *Connection) {
	h.registry.Unbind(c.ID())
	c.Detach()
	if c.viewing != "" {
		h.presence.MarkLeft(c.viewing, c.PrincipalID())
		c.viewing = ""
	}
}

// cleanup runs once per connection when its read side ends.
func (h *Handler) cleanup(c *Connection) {
	h.mu.Lock()
	_, ok := h.connections[c.ID()]
	delete(h.connections, c.ID())
	h.mu.Unlock()
	if !ok {
		return
	}
	defer h.wg.Done()

	c.Close()
	if c.IsAdmin() {
		h.registry.Unwatch(c.ID())
		h.leave(c)
	} else {
		h.registry.Unbind(c.ID())
	}
	h.connLimiter.Release(c.PrincipalID())
	metrics.WebSocketConnections.WithLabelValues(c.Role()).Dec()

	h.logger.Infow("WebSocket connection closed",
		"connection_id", c.ID(),
		"principal_id", c.PrincipalID(),
		"stale", c.Stale())
}

// ConnectionCount returns the number of live connections
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ShutdownWithContext refuses new upgrades, tells every client the server is
// going away and waits for their connections to wind down or ctx to end.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Infow("Shutting down WebSocket handler, closing all connections")

	h.mu.Lock()
	h.shutdown.Store(true)
	conns := lo.Values(h.connections)
	h.mu.Unlock()

	for _, c := range conns {
		sid, _ := h.registry.BoundSession(c.ID())
		h.disconnect(c, sid, message.ReasonShutdown, websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	defer h.messageLimiter.StopCleanup()
	select {
	case <-done:
		h.logger.Infow("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warnw("Shutdown deadline exceeded, forcing closure", "remaining_connections", h.ConnectionCount())
		for _, c := range conns {
			_ = c.conn.Close()
		}
		return ctx.Err()
	}
}
