// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for request-scoped operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a client may stay silent before the socket is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute

	// RedisHealthCheckInterval is the interval between Redis pings
	RedisHealthCheckInterval = 10 * time.Second
)

// Signaling constants
const (
	// ConnectionLeaseTTL is how long a signaling connection stays alive without a heartbeat.
	// Disconnect wills fire once the lease expires.
	ConnectionLeaseTTL = 15 * time.Second

	// ConnectionHeartbeat is the lease refresh interval
	ConnectionHeartbeat = 5 * time.Second

	// ReaperInterval is how often expired connection leases are swept
	ReaperInterval = 2 * time.Second

	// SubscriptionBuffer is the channel capacity of a single subscription
	SubscriptionBuffer = 32
)

// Call constants
const (
	// DefaultRingTimeout ends an unanswered call as missed
	DefaultRingTimeout = 45 * time.Second

	// DurationTick is the call duration refresh interval
	DurationTick = 1 * time.Second

	// DefaultHistoryLimit is the number of call history entries returned by default
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps call history page size
	MaxHistoryLimit = 100

	// DefaultSTUNServers are used when no ICE servers are configured
	DefaultSTUNServers = "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"
)

// Chat constants
const (
	// TypingQuietWindow clears a typing flag after this long without keystrokes
	TypingQuietWindow = 1 * time.Second

	// MaxMessageLength is the maximum accepted message text length
	MaxMessageLength = 4096

	// MessagePreviewLength truncates message text in push notification bodies
	MessagePreviewLength = 100
)

// Push constants
const (
	// PushTokenExpiry drops a user's device set after this long without a registration
	PushTokenExpiry = 30 * 24 * time.Hour
)

// WebSocket constants
const (
	// MaxWebSocketConnections bounds concurrent event sockets per instance
	MaxWebSocketConnections = 10000

	// MaxWebSocketMessageSize bounds inbound client frames
	MaxWebSocketMessageSize = 8192
)
