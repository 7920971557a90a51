package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/internal/domain"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/resilience"
)

// Provider defines interface for sending push notifications
type Provider interface {
	// Name identifies the provider for logs and metrics
	Name() string
	// Send delivers notification to the given device tokens
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
	TokenTypeWeb  TokenType = "web"  // Web Push (delivered via FCM)
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID uuid.UUID) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// NewCallAlert builds the push payload for an incoming call. High priority
// with the INCOMING_CALL category so the callee's device can surface a
// ringing UI even when the app is backgrounded.
func NewCallAlert(n *domain.CallNotification) *Notification {
	body := fmt.Sprintf("%s is calling you", n.CallerName)
	if n.Type == domain.NotificationAudioCall {
		body = fmt.Sprintf("%s is calling you (audio)", n.CallerName)
	}

	return &Notification{
		Title:    "Incoming Call",
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":             string(n.Type),
			"call_id":          n.CallID,
			"caller_uid":       n.CallerUID.String(),
			"caller_name":      n.CallerName,
			"caller_photo_url": n.CallerPhotoURL,
			"status":           string(n.Status),
			"timestamp":        fmt.Sprintf("%d", n.Timestamp.UnixMilli()),
		},
	}
}

// Service handles push notification operations
type Service struct {
	providers map[TokenType]Provider
	repo      TokenRepository
	breakers  map[TokenType]*resilience.Breaker
}

// NewService creates a push service routing each token type to its provider.
// Each provider gets its own circuit breaker so a failing APNs endpoint
// cannot stall FCM deliveries.
func NewService(repo TokenRepository, providers map[TokenType]Provider) *Service {
	breakers := make(map[TokenType]*resilience.Breaker, len(providers))
	for tokenType, provider := range providers {
		breakers[tokenType] = resilience.NewBreaker("push_" + provider.Name() + "_" + string(tokenType))
	}
	return &Service{
		providers: providers,
		repo:      repo,
		breakers:  breakers,
	}
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = token.UpdatedAt
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}
	return s.repo.Store(ctx, token)
}

// GetTokenByValue looks up a registered token by its raw value
func (s *Service) GetTokenByValue(ctx context.Context, token string) (*Token, error) {
	return s.repo.GetByToken(ctx, token)
}

// GetTokensByUserID returns every registered token for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, tokenID)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendToUser delivers notification to every active device the user has,
// routed per token type. Invalid tokens reported by a provider are marked
// inactive so they are not retried.
func (s *Service) SendToUser(ctx context.Context, userID uuid.UUID, notification *Notification) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	byType := make(map[TokenType][]string)
	for _, t := range tokens {
		if t.Active {
			byType[t.Type] = append(byType[t.Type], t.Token)
		}
	}
	if len(byType) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID.String()))
		return nil
	}

	var lastErr error
	for tokenType, deviceTokens := range byType {
		provider, ok := s.providers[tokenType]
		if !ok {
			logger.Warn("No push provider for token type",
				zap.String("token_type", string(tokenType)))
			continue
		}

		var result *SendResult
		err := s.breakers[tokenType].Execute(ctx, "send", func(ctx context.Context) error {
			var sendErr error
			result, sendErr = provider.Send(ctx, notification, deviceTokens)
			return sendErr
		})
		if err != nil {
			logger.Error("Push send failed",
				zap.String("provider", provider.Name()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			lastErr = err
			continue
		}

		if len(result.InvalidTokens) > 0 {
			s.pruneInvalidTokens(ctx, result.InvalidTokens)
		}
	}
	return lastErr
}

// pruneInvalidTokens marks tokens rejected by a provider as inactive
func (s *Service) pruneInvalidTokens(ctx context.Context, invalid []string) {
	for _, tokenStr := range invalid {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
			logger.Warn("Failed to mark push token inactive",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}
