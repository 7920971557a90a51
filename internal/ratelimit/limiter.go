// Package ratelimit guards call creation per caller. The limit is advisory:
// it exists to stop accidental flooding, so enforcement fails open when the
// underlying count query is unavailable.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	"flashchat-backend/pkg/logger"
)

// Result is the outcome of a rate limit check
type Result struct {
	Allowed  bool
	TimeLeft time.Duration
}

// Limiter counts call records created by a caller inside a trailing window
type Limiter struct {
	channel    signaling.Channel
	collection string
	window     time.Duration
	max        int64
}

// Option configures a Limiter
type Option func(*Limiter)

// WithWindow overrides the trailing window
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) { l.window = window }
}

// WithMax overrides the per-window cap
func WithMax(max int64) Option {
	return func(l *Limiter) { l.max = max }
}

// NewLimiter creates a Limiter with the default window and cap
func NewLimiter(channel signaling.Channel, opts ...Option) *Limiter {
	l := &Limiter{
		channel:    channel,
		collection: constants.CallsCollection,
		window:     constants.CallRateLimitWindow,
		max:        constants.CallRateLimitMax,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check reports whether callerUID may create another call right now.
// A transport failure on the count query allows the call: availability wins
// over strict enforcement for this control.
func (l *Limiter) Check(ctx context.Context, callerUID uuid.UUID) Result {
	since := time.Now().Add(-l.window)

	count, err := l.channel.CountRecent(ctx, l.collection, "callerUid", callerUID.String(), since)
	if err != nil {
		logger.Warn("Rate limit count query failed, allowing call",
			zap.String("caller_uid", callerUID.String()),
			zap.Error(err))
		return Result{Allowed: true}
	}

	if count >= l.max {
		return Result{Allowed: false, TimeLeft: l.window}
	}
	return Result{Allowed: true}
}

// Window returns the configured trailing window
func (l *Limiter) Window() time.Duration {
	return l.window
}
