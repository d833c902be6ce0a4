// Package supportchat wires the live support-chat core into a gin engine:
// the WebSocket gateway, the history and admin REST endpoints, health
// probes and Prometheus metrics.
package supportchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/auth"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/backfill"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	chaterrors "github.com/phamtheson2807/FinanceFlow-sub001/internal/errors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/httperrors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/metrics"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/presence"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/ratelimit"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/router"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/session"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/util"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	identityKey     = "identity"
	headerRequestID = "X-Request-ID"
)

// Service is a registered support-chat instance.
type Service struct {
	cfg           *config.Config
	logger        *zap.SugaredLogger
	store         history.Store
	verifier      *auth.JWTVerifier
	registry      *session.Registry
	presence      *presence.Tracker
	router        *router.MessageRouter
	wsHandler     *websocket.Handler
	adminLimiter  *ratelimit.SlidingWindow
	publicLimiter *ratelimit.SlidingWindow
}

// Register builds the support-chat core on top of store and mounts its
// routes on r under cfg.Server.PathPrefix.
func Register(r *gin.Engine, cfg *config.Config, logger *zap.SugaredLogger, store history.Store) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if store == nil {
		return nil, errors.New("history store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	svcLogger := logger.Named("supportchat")
	svcLogger.Infow("Initializing support chat service")

	verifier := auth.NewJWTVerifier(cfg.Server.JWTSecret)
	registry := session.NewRegistry(store, svcLogger)
	tracker := presence.NewTracker(cfg.Chat.UnreachableThreshold)
	messageRouter := router.NewMessageRouter(registry, store, tracker, cfg.Chat.MaxContentLength, svcLogger)
	backfiller := backfill.NewManager(registry, store, messageRouter, svcLogger)

	wsHandler := websocket.NewHandler(verifier, registry, messageRouter, backfiller, tracker, websocket.Options{
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		MaxMessageSize:        cfg.Chat.MaxMessageSize,
		SendBuffer:            cfg.Chat.SendBuffer,
		MaxConnectionsPerUser: cfg.Server.MaxConnectionsPerUser,
		MessageRateLimit:      cfg.Server.RateLimit,
		MessageRateWindow:     cfg.Server.RateWindow,
	}, svcLogger)

	svc := &Service{
		cfg:           cfg,
		logger:        svcLogger,
		store:         store,
		verifier:      verifier,
		registry:      registry,
		presence:      tracker,
		router:        messageRouter,
		wsHandler:     wsHandler,
		adminLimiter:  ratelimit.NewSlidingWindow(cfg.Server.AdminRateWindow, cfg.Server.AdminRateLimit, svcLogger),
		publicLimiter: ratelimit.NewSlidingWindow(time.Minute, constants.PublicEndpointRate, svcLogger),
	}
	svc.adminLimiter.StartCleanup()
	svc.publicLimiter.StartCleanup()

	if len(cfg.Server.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", constants.HeaderAuthorization, headerRequestID},
			ExposeHeaders:    []string{"Content-Length", constants.HeaderRetryAfter, headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
		svcLogger.Infow("CORS middleware configured", "allowed_origins", cfg.Server.AllowedOrigins)
	} else {
		svcLogger.Warnw("No allowed origins configured, CORS middleware not enabled")
	}

	if proxies := splitList(cfg.Server.TrustedProxies); len(proxies) > 0 {
		if err := r.SetTrustedProxies(proxies); err != nil {
			svcLogger.Warnw("Failed to set trusted proxies", "error", err)
		}
	}

	r.Use(requestIDMiddleware(), securityHeadersMiddleware(), metricsMiddleware())

	prefix := strings.TrimRight(cfg.Server.PathPrefix, "/")
	group := r.Group(prefix)
	{
		group.GET("/ws", func(c *gin.Context) {
			wsHandler.HandleWebSocket(c.Writer, c.Request)
		})

		group.GET("/support/chat/:userId", svc.authMiddleware(false), svc.handleUserHistory)

		admin := group.Group("/admin", svc.authMiddleware(true), svc.adminRateLimitMiddleware())
		{
			admin.GET("/support/sessions", svc.handleListSessions)
			admin.POST("/support/sessions/:sessionId/close", svc.handleCloseSession)
		}

		public := svc.publicRateLimitMiddleware()
		group.GET("/healthz", public, handleHealthCheck)
		group.GET("/readyz", public, svc.handleReadyCheck)
		group.GET("/metrics/prometheus",
			metricsNetworkMiddleware(parseNetworks(cfg.Server.MetricsAllowedNetworks, svcLogger), svcLogger),
			public,
			gin.WrapH(promhttp.Handler()),
		)
	}

	svcLogger.Infow("Support chat service registered",
		"websocket_endpoint", prefix+"/ws",
		"history_endpoint", prefix+"/support/chat/:userId",
		"admin_endpoints", prefix+"/admin/support/*")
	return svc, nil
}

// Shutdown closes every live connection and stops background cleanup. The
// store is owned by the caller and left open.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Infow("Starting graceful shutdown of support chat service")
	defer s.adminLimiter.StopCleanup()
	defer s.publicLimiter.StopCleanup()

	if err := s.wsHandler.ShutdownWithContext(ctx); err != nil {
		s.logger.Warnw("WebSocket handler shutdown error", "error", err)
		return err
	}
	s.logger.Infow("Support chat service shutdown complete")
	return nil
}

// Registry exposes the session registry for embedding services
func (s *Service) Registry() *session.Registry { return s.registry }

// Presence exposes the presence tracker for embedding services
func (s *Service) Presence() *presence.Tracker { return s.presence }

// Router exposes the message router so server-side code can post messages
func (s *Service) Router() *router.MessageRouter { return s.router }

func splitList(s string) []string {
	return lo.FilterMap(strings.Split(s, ","), func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := util.NewContextWithTraceID(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, util.TraceIDFromContext(ctx))
		c.Next()
	}
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// authMiddleware verifies the bearer token and, for admin routes, the role.
func (s *Service) authMiddleware(requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		if err != nil {
			httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidAuthHeader)
			return
		}

		identity, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Warnw("Token verification failed", "error", err, "component", "auth", "trace_id", util.TraceIDFromContext(c.Request.Context()))
			httperrors.RespondInvalidToken(c)
			return
		}

		if requireAdmin && !identity.IsAdmin() {
			s.logger.Warnw("Insufficient permissions for admin endpoint",
				"user_id", identity.ID,
				"roles", identity.Roles,
				"component", "auth")
			httperrors.RespondForbidden(c)
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

func identityFrom(c *gin.Context) (*auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok
}

// adminRateLimitMiddleware limits admin REST calls per admin id
func (s *Service) adminRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFrom(c)
		if !ok {
			httperrors.RespondUnauthorized(c, "")
			return
		}
		if allowed, retryAfter := s.adminLimiter.Allow(identity.ID); !allowed {
			s.logger.Warnw("Admin rate limit exceeded",
				"user_id", identity.ID,
				"endpoint", c.Request.URL.Path,
				"retry_after_ms", retryAfter)
			httperrors.RespondTooManyRequests(c, retryAfter)
			return
		}
		c.Next()
	}
}

// publicRateLimitMiddleware limits probes and metrics scrapes per client IP.
// ClientIP honours the trusted proxy list, so X-Forwarded-For cannot be spoofed.
func (s *Service) publicRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowed, retryAfter := s.publicLimiter.Allow(c.ClientIP()); !allowed {
			httperrors.RespondTooManyRequests(c, retryAfter)
			return
		}
		c.Next()
	}
}

// handleUserHistory returns a user's messages after ?since (default 0).
// Users may only read their own conversation.
func (s *Service) handleUserHistory(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		httperrors.RespondUnauthorized(c, "")
		return
	}
	userID := c.Param("userId")
	if !identity.IsAdmin() && identity.ID != userID {
		httperrors.RespondForbidden(c)
		return
	}

	since, err := parseSince(c.Query("since"))
	if err != nil {
		httperrors.RespondBadRequest(c, constants.ErrMsgInvalidSeq)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()

	sess, err := s.registry.Get(ctx, userID)
	if err != nil {
		s.respondError(c, "get session", err, "user_id", userID)
		return
	}
	msgs, err := s.store.LoadSince(ctx, sess.SessionID, since)
	if err != nil {
		s.respondError(c, "load history", chaterrors.ErrStoreUnavailable(err), "session_id", sess.SessionID)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}

	lastSeq := since
	if n := len(msgs); n > 0 {
		lastSeq = msgs[n-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  sess,
		"messages": msgs,
		"count":    len(msgs),
		"last_seq": lastSeq,
	})
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative seq")
	}
	return v, nil
}

// handleListSessions lists every session with its live presence, most
// recently updated first.
func (s *Service) handleListSessions(c *gin.Context) {
	identity, _ := identityFrom(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()

	sessions, err := s.registry.ListForAdmin(ctx, identity.ID)
	if err != nil {
		s.respondError(c, "list sessions", err, "admin_id", identity.ID)
		return
	}

	presenceByID := s.presence.SnapshotAll()
	summaries := lo.Map(sessions, func(sess *model.ChatSession, _ int) model.SessionSummary {
		p := presenceByID[sess.SessionID]
		return model.SessionSummary{
			ChatSession:  *sess,
			AdminViewing: p.AdminViewing,
			UnreadCount:  p.UnreadCount,
			Unreachable:  p.Unreachable,
		}
	})

	c.JSON(http.StatusOK, gin.H{
		"sessions": summaries,
		"count":    len(summaries),
		"unread":   lo.SumBy(summaries, func(s model.SessionSummary) int { return s.UnreadCount }),
	})
}

// handleCloseSession marks a session closed. The next message reopens it.
func (s *Service) handleCloseSession(c *gin.Context) {
	identity, _ := identityFrom(c)
	sessionID := c.Param("sessionId")

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.DefaultContextTimeout)
	defer cancel()

	sess, err := s.registry.Close(ctx, sessionID)
	if err != nil {
		s.respondError(c, "close session", err, "session_id", sessionID)
		return
	}
	s.logger.Infow("Session closed by admin", "session_id", sessionID, "admin_id", identity.ID)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Service) respondError(c *gin.Context, operation string, err error, fields ...interface{}) {
	if chatErr, ok := chaterrors.As(err); !ok || chatErr.Category != chaterrors.CategoryNotFound {
		fields = append(fields, "trace_id", util.TraceIDFromContext(c.Request.Context()))
		util.LogError(s.logger, "http", operation, err, fields...)
	}
	httperrors.RespondError(c, err)
}

func handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck reports ready only when the history store answers a ping.
func (s *Service) handleReadyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	status, code := "ready", http.StatusOK
	store := gin.H{"status": "ready"}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warnw("History store health check failed", "error", err, "component", "health")
		status, code = "not ready", http.StatusServiceUnavailable
		store = gin.H{"status": "not ready", "reason": "History store connectivity check failed"}
	}

	c.JSON(code, gin.H{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.wsHandler.ConnectionCount(),
		"checks":      gin.H{"store": store},
	})
}

// parseNetworks parses a comma-separated list of CIDR network strings.
func parseNetworks(networks string, logger *zap.SugaredLogger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range splitList(networks) {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warnw("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP != nil && lo.SomeBy(allowedNets, func(n *net.IPNet) bool { return n.Contains(clientIP) }) {
			c.Next()
			return
		}

		logger.Warnw("Metrics access denied from unauthorized network", "client_ip", c.ClientIP())
		httperrors.RespondForbidden(c)
	}
}
