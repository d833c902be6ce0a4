package supportchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/auth"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/history"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/httperrors"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
	"github.com/phamtheson2807/FinanceFlow-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "k7Qz2wXv9LmN4pRt8YbHc3JfG6sDa1Ue"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:                   8080,
			JWTSecret:              testSecret,
			PathPrefix:             "/api",
			MaxConnectionsPerUser:  5,
			RateLimit:              100,
			RateWindow:             time.Minute,
			AdminRateLimit:         100,
			AdminRateWindow:        time.Minute,
			TrustedProxies:         "",
			MetricsAllowedNetworks: "127.0.0.0/8",
			ShutdownTimeout:        time.Second,
		},
		Chat: config.ChatConfig{
			MaxContentLength:     constants.DefaultMaxContentLength,
			MaxMessageSize:       constants.DefaultMaxMessageSize,
			SendBuffer:           constants.DefaultSendBuffer,
			UnreachableThreshold: constants.DefaultUnreachableThreshold,
		},
		Store: config.StoreConfig{Driver: "memory", Mongo: config.MongoConfig{RetryAttempts: 1}},
		Log:   config.LogConfig{Level: "info"},
	}
}

type pingFailStore struct {
	*history.MemoryStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

type testService struct {
	*Service
	engine   *gin.Engine
	verifier *auth.JWTVerifier
}

func newTestService(t *testing.T, cfg *config.Config, store history.Store) *testService {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if store == nil {
		store = history.NewMemoryStore()
	}
	engine := gin.New()
	svc, err := Register(engine, cfg, zap.NewNop().Sugar(), store)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testService{Service: svc, engine: engine, verifier: auth.NewJWTVerifier(cfg.Server.JWTSecret)}
}

func (ts *testService) token(t *testing.T, id string, roles ...string) string {
	t.Helper()
	tok, err := ts.verifier.Issue(id, id, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testService) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testService) seed(t *testing.T, userID string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := ts.Registry().ResolveOrCreate(ctx, userID, userID)
	require.NoError(t, err)
	for _, c := range contents {
		_, err := ts.Router().Send(ctx, userID, model.SenderUser, c)
		require.NoError(t, err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type historyResponse struct {
	Session  model.ChatSession `json:"session"`
	Messages []model.Message   `json:"messages"`
	Count    int               `json:"count"`
	LastSeq  int64             `json:"last_seq"`
}

type sessionsResponse struct {
	Sessions []model.SessionSummary `json:"sessions"`
	Count    int                    `json:"count"`
	Unread   int                    `json:"unread"`
}

func TestRegister_RejectsInvalidInput(t *testing.T) {
	engine := gin.New()
	logger := zap.NewNop().Sugar()

	_, err := Register(engine, nil, logger, history.NewMemoryStore())
	assert.Error(t, err)

	_, err = Register(engine, testConfig(), logger, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Server.JWTSecret = "short"
	_, err = Register(engine, cfg, logger, history.NewMemoryStore())
	assert.ErrorContains(t, err, "configuration validation failed")
}

func TestUserHistory(t *testing.T) {
	ts := newTestService(t, nil, nil)
	ts.seed(t, "alice", "Hello", "I have a question")

	t.Run("own history", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/support/chat/alice", ts.token(t, "alice"))
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[historyResponse](t, w)
		assert.Equal(t, "alice", resp.Session.SessionID)
		assert.Equal(t, 2, resp.Count)
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, int64(1), resp.Messages[0].Seq)
		assert.Equal(t, "I have a question", resp.Messages[1].Content)
		assert.Equal(t, int64(2), resp.LastSeq)
	})

	t.Run("since skips seen messages", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/support/chat/alice?since=1", ts.token(t, "alice"))
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[historyResponse](t, w)
		require.Len(t, resp.Messages, 1)
		assert.Equal(t, int64(2), resp.Messages[0].Seq)
	})

	t.Run("caught up returns an empty list", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/support/chat/alice?since=2", ts.token(t, "alice"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"messages":[]`)
		assert.Equal(t, int64(2), decode[historyResponse](t, w).LastSeq)
	})

	t.Run("admin reads any history", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/support/chat/alice", ts.token(t, "agent", "admin"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2, decode[historyResponse](t, w).Count)
	})

	t.Run("reading nothing does not mark as viewed", func(t *testing.T) {
		assert.Equal(t, 2, ts.Presence().Snapshot("alice").UnreadCount)
	})
}

func TestUserHistory_Errors(t *testing.T) {
	ts := newTestService(t, nil, nil)
	ts.seed(t, "alice", "Hello")

	tests := []struct {
		name   string
		path   string
		token  string
		status int
		code   string
	}{
		{"missing token", "/api/support/chat/alice", "", http.StatusUnauthorized, httperrors.CodeUnauthorized},
		{"garbage token", "/api/support/chat/alice", "not-a-jwt", http.StatusUnauthorized, httperrors.CodeInvalidToken},
		{"other user", "/api/support/chat/alice", ts.token(t, "mallory"), http.StatusForbidden, httperrors.CodeForbidden},
		{"negative since", "/api/support/chat/alice?since=-1", ts.token(t, "alice"), http.StatusBadRequest, httperrors.CodeBadRequest},
		{"non numeric since", "/api/support/chat/alice?since=abc", ts.token(t, "alice"), http.StatusBadRequest, httperrors.CodeBadRequest},
		{"unknown session", "/api/support/chat/bob", ts.token(t, "bob"), http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, tt.path, tt.token)
			assert.Equal(t, tt.status, w.Code)
			resp := decode[httperrors.ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
			if tt.code != "" {
				assert.Equal(t, tt.code, resp.Code)
			}
		})
	}

	_, err := ts.Registry().Get(context.Background(), "bob")
	assert.Error(t, err, "history lookups must never create sessions")
}

func TestListSessions(t *testing.T) {
	ts := newTestService(t, nil, nil)
	ts.seed(t, "alice", "Hello", "I have a question")
	ts.seed(t, "bob", "Hi")

	admin := ts.token(t, "agent", "admin")
	w := ts.do(t, http.MethodGet, "/api/admin/support/sessions", admin)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[sessionsResponse](t, w)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 3, resp.Unread)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "bob", resp.Sessions[0].SessionID, "most recently updated first")

	unread := map[string]int{}
	for _, s := range resp.Sessions {
		unread[s.SessionID] = s.UnreadCount
		assert.False(t, s.AdminViewing)
	}
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, unread)

	ts.Presence().MarkViewing("alice", "agent")
	resp = decode[sessionsResponse](t, ts.do(t, http.MethodGet, "/api/admin/support/sessions", admin))
	for _, s := range resp.Sessions {
		if s.SessionID == "alice" {
			assert.True(t, s.AdminViewing)
			assert.Zero(t, s.UnreadCount)
		}
	}
	assert.Equal(t, 1, resp.Unread)
}

func TestListSessions_Empty(t *testing.T) {
	ts := newTestService(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/api/admin/support/sessions", ts.token(t, "agent", "admin"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions":[]`)
}

func TestAdminEndpoints_RequireAdmin(t *testing.T) {
	ts := newTestService(t, nil, nil)

	w := ts.do(t, http.MethodGet, "/api/admin/support/sessions", ts.token(t, "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/api/admin/support/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/admin/support/sessions/alice/close", ts.token(t, "alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCloseSession(t *testing.T) {
	ts := newTestService(t, nil, nil)
	ts.seed(t, "alice", "Hello")
	admin := ts.token(t, "agent", "admin")

	w := ts.do(t, http.MethodPost, "/api/admin/support/sessions/alice/close", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"closed"`)

	sess, err := ts.Registry().Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, sess.Status)

	w = ts.do(t, http.MethodPost, "/api/admin/support/sessions/ghost/close", admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminRateLimit = 2
	ts := newTestService(t, cfg, nil)
	admin := ts.token(t, "agent", "admin")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/admin/support/sessions", admin).Code)
	}
	w := ts.do(t, http.MethodGet, "/api/admin/support/sessions", admin)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))

	other := ts.token(t, "agent-2", "admin")
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/admin/support/sessions", other).Code)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestService(t, nil, nil)

	w := ts.do(t, http.MethodGet, "/api/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = ts.do(t, http.MethodGet, "/api/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
}

func TestReadyz_StoreDown(t *testing.T) {
	ts := newTestService(t, nil, pingFailStore{history.NewMemoryStore()})

	w := ts.do(t, http.MethodGet, "/api/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not ready")
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint_NetworkACL(t *testing.T) {
	ts := newTestService(t, nil, nil)

	w := ts.do(t, http.MethodGet, "/api/metrics/prometheus", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "supportchat_")

	req := httptest.NewRequest(http.MethodGet, "/api/metrics/prometheus", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	w = httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestService(t, nil, nil)
	w := ts.do(t, http.MethodGet, "/api/healthz", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://app.financeflow.example"}
	ts := newTestService(t, cfg, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/admin/support/sessions", nil)
	req.Header.Set("Origin", "https://app.financeflow.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	assert.Equal(t, "https://app.financeflow.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPathPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.Server.PathPrefix = "/support-api/"
	ts := newTestService(t, cfg, nil)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/support-api/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/healthz", "").Code)
}

func TestWebSocketEndToEnd(t *testing.T) {
	ts := newTestService(t, nil, nil)
	server := httptest.NewServer(ts.engine)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws?token=" + ts.token(t, "alice")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	read := func() *message.Event {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		ev, err := message.Decode(raw)
		require.NoError(t, err)
		return ev
	}

	ev := read()
	require.Equal(t, message.TypeConnect, ev.Type)

	require.NoError(t, ws.WriteJSON(message.Event{Type: message.TypeMessage, SessionID: "alice", Content: "Hello"}))

	for ev = read(); ev.Type != message.TypeMessage; ev = read() {
	}
	require.NotNil(t, ev.Message)
	assert.Equal(t, int64(1), ev.Message.Seq)
	assert.Equal(t, model.SenderUser, ev.Message.Sender)

	w := ts.do(t, http.MethodGet, "/api/support/chat/alice", ts.token(t, "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[historyResponse](t, w).Count)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))

	ev = read()
	assert.Equal(t, message.TypeDisconnect, ev.Type)
	assert.Equal(t, message.ReasonShutdown, ev.Reason)
}

func TestParseNetworks(t *testing.T) {
	nets := parseNetworks("10.0.0.0/8, bogus ,127.0.0.0/8,,", zap.NewNop().Sugar())
	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
}

func TestParseSince(t *testing.T) {
	v, err := parseSince("")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = parseSince("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = parseSince("-3")
	assert.Error(t, err)
	_, err = parseSince("1.5")
	assert.Error(t, err)
}
