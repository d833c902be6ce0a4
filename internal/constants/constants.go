// Package constants provides centralized constant definitions for the support chat service.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard store operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	HealthCheckTimeout    = 2 * time.Second  // Readiness probe store ping
	ShutdownTimeout       = 30 * time.Second // Graceful shutdown deadline
)

// WebSocket heartbeat and framing
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	CloseGraceTime = time.Second
)

// Sizes and Limits
const (
	DefaultMaxMessageSize        = 64 * 1024 // Maximum inbound WebSocket frame in bytes
	DefaultMaxContentLength      = 4000      // Maximum message content in characters
	DefaultSendBuffer            = 256       // Outbound events queued per connection
	DefaultMaxConnectionsPerUser = 10        // Concurrent sockets per identity
	DefaultRateLimit             = 100       // Default messages per minute per user
	DefaultAdminRateLimit        = 20        // Default admin requests per minute
	DefaultUnreachableThreshold  = 3         // Consecutive failed fan-outs before a user is flagged
	MaxRetryAttempts             = 3         // Maximum retry attempts for transient errors
	MaxEventsPerUser             = 1000      // Maximum rate limit events tracked per user
	MaxUsersTracked              = 100000    // Maximum distinct users in rate limiter map
	PublicEndpointRate           = 60        // Requests per minute for healthz, readyz and metrics
)

// HTTP Server Timeouts
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Default Configuration Values
const (
	DefaultMongoURI    = "mongodb://localhost:27017"
	DefaultDatabase    = "financeflow"
	DefaultPort        = 8080
	DefaultLogLevel    = "info"
	DefaultPathPrefix  = "/api"
	DefaultStoreDriver = "memory"
	DefaultBadgerPath  = "data/supportchat"
	EnvPrefix          = "SUPPORTCHAT"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired token"
	ErrMsgForbidden         = "Insufficient permissions"
	ErrMsgInternalError     = "Internal server error"
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgSessionNotFound   = "Support session not found"
	ErrMsgInvalidSeq        = "since must be a non-negative integer"
)

// MongoDB collections and fields
const (
	CollectionSessions = "support_sessions"
	CollectionMessages = "support_messages"
	CollectionCounters = "support_counters"

	MongoFieldID        = "_id"
	MongoFieldSessionID = "sid"
	MongoFieldUserID    = "uid"
	MongoFieldUserName  = "nm"
	MongoFieldCreatedAt = "ts"
	MongoFieldSeq       = "seq"
	MongoFieldStatus    = "status"
	MongoFieldUpdatedAt = "mt"

	IndexSessionSeq = "idx_sid_seq"
	IndexUpdatedAt  = "idx_mt"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)
