// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call rate limiting constants
const (
	// CallRateLimitWindow is the trailing window in which call creations are counted
	CallRateLimitWindow = 10 * time.Second

	// CallRateLimitMax is the maximum number of calls a caller may create per window
	CallRateLimitMax = 3
)

// Call lifecycle constants
const (
	// StatusUpdateDebounce suppresses duplicate same-status writes arriving
	// within this window
	StatusUpdateDebounce = 1 * time.Second

	// ConnectionFailureGrace is how long a failed/disconnected peer connection
	// may recover before the call is ended
	ConnectionFailureGrace = 3 * time.Second

	// IncomingCallDismiss is how long an unanswered incoming-call prompt is
	// shown before it auto-dismisses
	IncomingCallDismiss = 30 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Signaling document constants
const (
	// CallsCollection is the signaling collection holding call records
	CallsCollection = "calls"

	// UsersCollection holds per-user documents and their notifications
	UsersCollection = "users"

	// OfferCandidatesSubcollection holds the caller's ICE candidates
	OfferCandidatesSubcollection = "offerCandidates"

	// AnswerCandidatesSubcollection holds the callee's ICE candidates
	AnswerCandidatesSubcollection = "answerCandidates"

	// NotificationsSubcollection holds per-user incoming-call notifications
	NotificationsSubcollection = "notifications"
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days

	// PresenceExpiry is how long a presence heartbeat stays valid
	PresenceExpiry = 5 * time.Minute
)

// Audit constants
const (
	// AuditLogRetention is how long audit events are kept
	AuditLogRetention = 90 * 24 * time.Hour
)

// User status constants
const (
	// UserStatusOnline indicates a user is currently online
	UserStatusOnline = "online"

	// UserStatusOffline indicates a user is currently offline
	UserStatusOffline = "offline"
)

// Default ICE servers used when none are configured. STUN only; TURN
// relays are deployment-specific and come from configuration.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}
