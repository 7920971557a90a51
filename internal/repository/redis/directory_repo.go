package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flashchat-backend/internal/database"
	"flashchat-backend/internal/notify"
)

// profileCacheTTL bounds staleness of cached display profiles.
const profileCacheTTL = 10 * time.Minute

// DirectoryRepository caches user display profiles in Redis in front of a
// slower directory (the signaling backend's users collection). Lookup
// failures and degraded Redis fall through to the inner directory.
type DirectoryRepository struct {
	client *database.RedisClient
	inner  notify.UserDirectory
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(client *database.RedisClient, inner notify.UserDirectory) *DirectoryRepository {
	return &DirectoryRepository{client: client, inner: inner}
}

func profileKey(uid uuid.UUID) string {
	return fmt.Sprintf("directory:profile:%s", uid.String())
}

// GetProfile implements notify.UserDirectory
func (r *DirectoryRepository) GetProfile(ctx context.Context, uid uuid.UUID) (*notify.Profile, error) {
	if cached, err := r.client.SafeGet(ctx, profileKey(uid)).Result(); err == nil {
		var profile notify.Profile
		if err := json.Unmarshal([]byte(cached), &profile); err == nil {
			return &profile, nil
		}
	}

	if r.inner == nil {
		return nil, fmt.Errorf("profile not cached and no inner directory configured")
	}

	profile, err := r.inner.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(profile); err == nil {
		// Best-effort; a failed cache write only costs the next lookup.
		r.client.SafeSet(ctx, profileKey(uid), data, profileCacheTTL)
	}

	return profile, nil
}

// InvalidateProfile drops the cached profile after a profile update.
func (r *DirectoryRepository) InvalidateProfile(ctx context.Context, uid uuid.UUID) error {
	return r.client.SafeDel(ctx, profileKey(uid)).Err()
}
