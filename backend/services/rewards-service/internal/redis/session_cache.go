package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"evrewards/backend/services/rewards-service/internal/models"
)

// SessionCache keeps session snapshots for quick status reads.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionCache returns redis-backed snapshot cache.
func NewSessionCache(client *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func sessionKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("rewards:session:%s", sessionID)
}

// Save caches snapshot.
func (c *SessionCache) Save(ctx context.Context, snapshot models.SessionSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, sessionKey(snapshot.SessionID), data, c.ttl).Err()
}

// Get returns cached snapshot or models.ErrNotFound.
func (c *SessionCache) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionSnapshot, error) {
	result, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snapshot models.SessionSnapshot
	if err := json.Unmarshal(result, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Delete removes cached snapshot.
func (c *SessionCache) Delete(ctx context.Context, sessionID uuid.UUID) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}
