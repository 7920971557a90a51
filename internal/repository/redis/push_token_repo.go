package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flashchat-backend/internal/database"
	"flashchat-backend/pkg/constants"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
// Keys:
//
//	push:token:{token}       -> token JSON
//	push:token_id:{id}       -> token string (secondary index)
//	push:user:{uid}:tokens   -> set of token strings
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func tokenIDKey(id uuid.UUID) string {
	return fmt.Sprintf("push:token_id:%s", id)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	if err := r.write(ctx, token); err != nil {
		return err
	}

	if err := r.client.SafeSAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.SafeExpire(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

func (r *PushTokenRepository) write(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token index: %w", err)
	}
	return nil
}

// GetByToken retrieves a token by its value; nil if not found
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

func (r *PushTokenRepository) getByID(ctx context.Context, tokenID uuid.UUID) (*push.Token, error) {
	tokenStr, err := r.client.SafeGet(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve token id: %w", err)
	}
	return r.GetByToken(ctx, tokenStr)
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokens, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token != nil {
			result = append(result, token)
		}
	}
	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()
	return r.write(ctx, token)
}

// Delete removes a token
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	r.client.SafeSRem(ctx, userTokensKey(token.UserID), token.Token)
	if err := r.client.SafeDel(ctx, tokenKey(token.Token), tokenIDKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}

// DeleteByUserID removes all tokens for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	tokens, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		if err := r.client.SafeDel(ctx, tokenKey(tokenStr), tokenIDKey(token.ID)).Err(); err != nil {
			logger.Warn("Failed to delete token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	if err := r.client.SafeDel(ctx, userTokensKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete user tokens set: %w", err)
	}
	return nil
}

// MarkInactive marks a token as inactive so it is skipped on future sends
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	if err := r.write(ctx, token); err != nil {
		return err
	}

	logger.Debug("Push token marked as inactive",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}
