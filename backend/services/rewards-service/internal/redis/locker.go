package redisstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errLockHeld = errors.New("redis: lock held")

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a per-key mutex shared by every service replica.
type Locker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	logger    *zap.Logger
}

// NewLocker builds locker. ttl bounds how long a crashed holder blocks others.
func NewLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{client: client, ttl: ttl, retryWait: 25 * time.Millisecond, logger: logger}
}

func lockKey(key string) string {
	return "rewards:lock:" + key
}

// Acquire blocks until key is held or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := lockKey(key)

	wait := l.retryWait
	for {
		err := l.tryAcquire(ctx, redisKey, token)
		if err == nil {
			break
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 400*time.Millisecond {
			wait *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, redisKey, token) })
	}, nil
}

func (l *Locker) release(key, redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
	}
}

func (l *Locker) tryAcquire(ctx context.Context, redisKey, token string) error {
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errLockHeld
	}
	return nil
}
