package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"flashchat-backend/pkg/constants"
)

// EventType classifies audit events
type EventType string

const (
	// Call lifecycle events
	EventCallInitiate EventType = "call_initiate"
	EventCallDecline  EventType = "call_decline"
	EventCallEnd      EventType = "call_end"

	// Push token events
	EventTokenRegister   EventType = "push_token_register"
	EventTokenUnregister EventType = "push_token_unregister"
)

// Event represents an audit log entry
type Event struct {
	EventID   uuid.UUID  `json:"event_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	EventType EventType  `json:"event_type"`
	Resource  string     `json:"resource,omitempty"`
	IPAddress string     `json:"ip_address,omitempty"`
	Success   bool       `json:"success"`
	ErrorCode string     `json:"error_code,omitempty"`
	Details   string     `json:"details,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Logger writes audit events to per-day Redis lists with bounded retention.
type Logger struct {
	redisClient *redis.Client
}

// NewLogger creates a new audit logger
func NewLogger(redisClient *redis.Client) *Logger {
	return &Logger{redisClient: redisClient}
}

// Log stores an audit event
func (l *Logger) Log(ctx context.Context, event *Event) error {
	event.Timestamp = time.Now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := fmt.Sprintf("audit:events:%s", event.Timestamp.Format("2006-01-02"))

	pipe := l.redisClient.Pipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, constants.AuditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	return nil
}

// LogCallInitiate records a call creation attempt. callID is empty when
// creation failed before a record existed.
func (l *Logger) LogCallInitiate(ctx context.Context, callerUID uuid.UUID, callID, ipAddress string, success bool, errorCode string) error {
	return l.Log(ctx, &Event{
		UserID:    &callerUID,
		EventType: EventCallInitiate,
		Resource:  callID,
		IPAddress: ipAddress,
		Success:   success,
		ErrorCode: errorCode,
	})
}

// LogCallDecline records a callee declining a call
func (l *Logger) LogCallDecline(ctx context.Context, userID uuid.UUID, callID, ipAddress string) error {
	return l.Log(ctx, &Event{
		UserID:    &userID,
		EventType: EventCallDecline,
		Resource:  callID,
		IPAddress: ipAddress,
		Success:   true,
	})
}

// LogCallEnd records a participant hanging up
func (l *Logger) LogCallEnd(ctx context.Context, userID uuid.UUID, callID, ipAddress string) error {
	return l.Log(ctx, &Event{
		UserID:    &userID,
		EventType: EventCallEnd,
		Resource:  callID,
		IPAddress: ipAddress,
		Success:   true,
	})
}

// LogTokenEvent records push token registration or removal
func (l *Logger) LogTokenEvent(ctx context.Context, eventType EventType, userID uuid.UUID, ipAddress string) error {
	return l.Log(ctx, &Event{
		UserID:    &userID,
		EventType: eventType,
		Resource:  "push_token",
		IPAddress: ipAddress,
		Success:   true,
	})
}

// GetEvents returns the audit events recorded on the given day, newest first.
func (l *Logger) GetEvents(ctx context.Context, day time.Time, limit int64) ([]*Event, error) {
	key := fmt.Sprintf("audit:events:%s", day.UTC().Format("2006-01-02"))

	raw, err := l.redisClient.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
