package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashchat-backend/internal/signaling"
)

// failingChannel wraps a Channel and fails CountRecent
type failingChannel struct {
	*signaling.MemoryChannel
}

func (f *failingChannel) CountRecent(context.Context, string, string, any, time.Time) (int64, error) {
	return 0, errors.New("transport unavailable")
}

func createCalls(t *testing.T, ch signaling.Channel, caller uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := ch.CreateDocument(context.Background(), "calls", signaling.Document{
			"callerUid": caller.String(),
		})
		require.NoError(t, err)
	}
}

func TestCheckAllowsUnderCap(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	limiter := NewLimiter(ch)
	caller := uuid.New()

	createCalls(t, ch, caller, 2)

	result := limiter.Check(context.Background(), caller)
	assert.True(t, result.Allowed)
}

func TestCheckRejectsAtCap(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	limiter := NewLimiter(ch)
	caller := uuid.New()

	createCalls(t, ch, caller, 3)

	result := limiter.Check(context.Background(), caller)
	assert.False(t, result.Allowed)
	assert.Equal(t, limiter.Window(), result.TimeLeft)
}

func TestCheckIgnoresOtherCallers(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	limiter := NewLimiter(ch)
	caller := uuid.New()

	createCalls(t, ch, uuid.New(), 5)

	result := limiter.Check(context.Background(), caller)
	assert.True(t, result.Allowed)
}

func TestCheckAllowsAfterWindowElapses(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	limiter := NewLimiter(ch, WithWindow(50*time.Millisecond))
	caller := uuid.New()

	createCalls(t, ch, caller, 3)

	result := limiter.Check(context.Background(), caller)
	require.False(t, result.Allowed)

	time.Sleep(60 * time.Millisecond)

	result = limiter.Check(context.Background(), caller)
	assert.True(t, result.Allowed, "calls outside the window no longer count")
}

func TestCheckFailsOpenOnTransportError(t *testing.T) {
	ch := &failingChannel{signaling.NewMemoryChannel()}
	limiter := NewLimiter(ch)

	result := limiter.Check(context.Background(), uuid.New())
	assert.True(t, result.Allowed, "count failures must not block calls")
}

func TestConfigurableCap(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	limiter := NewLimiter(ch, WithMax(1))
	caller := uuid.New()

	createCalls(t, ch, caller, 1)

	result := limiter.Check(context.Background(), caller)
	assert.False(t, result.Allowed)
}
