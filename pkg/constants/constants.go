// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a gateway waits for a pong before dropping the client
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// RedisOperationTimeout bounds background Redis calls made outside a request
	RedisOperationTimeout = 3 * time.Second

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
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days

	// AuditLogRetention is how long a day's audit list is kept
	AuditLogRetention = 90 * 24 * time.Hour
)

// Validation constants
const (
	// MaxDisplayNameLength is the maximum allowed display name length
	MaxDisplayNameLength = 100

	// MaxSessionIDLength is the maximum length of a session topic name
	MaxSessionIDLength = 128

	// MaxChatMessageLength is the maximum length of one chat message in runes
	MaxChatMessageLength = 2000

	// MaxCommunityContextLength bounds the free-form context carried by an invite
	MaxCommunityContextLength = 256

	// MaxWebSocketMessageSize bounds one inbound gateway frame
	MaxWebSocketMessageSize = 64 * 1024
)

// Call invite statuses
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
)

// Participant roles
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Redis key and channel layouts
const (
	// PresenceRoomKey is the hash of members for one session
	PresenceRoomKey = "presence:room:%s"

	// PresenceMemberKey is the liveness key of one member, refreshed by heartbeat
	PresenceMemberKey = "presence:member:%s:%s"

	// RoomChannel carries presence and broadcast events of one session
	RoomChannel = "room:%s"

	// UserCallsChannel is the personal channel nudged on incoming invites
	UserCallsChannel = "user:%s:calls"
)
