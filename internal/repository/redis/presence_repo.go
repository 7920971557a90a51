package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"flashchat-backend/internal/database"
	"flashchat-backend/pkg/constants"
)

// PresenceRepository handles user online/offline status in Redis. The
// notification bridge consults it to decide whether a callee needs a push
// or will see the in-app prompt anyway.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	// Auto-expires unless refreshed by heartbeat
	if err := r.client.SafeSet(ctx, presenceKey(userID), constants.UserStatusOnline, constants.PresenceExpiry).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}

	if err := r.client.SafeSAdd(ctx, "presence:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	if err := r.client.SafeSRem(ctx, "presence:online", userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// RefreshPresence keeps user online (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceExpiry).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineUsers retrieves list of online user IDs
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	userIDStrs, err := r.client.SafeSMembers(ctx, "presence:online").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(userIDStrs))
	for _, idStr := range userIDStrs {
		userID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
