package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX with an expiry.
type RedisLocker struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "mediapipeline:lock:", pollInterval: defaultPollInterval}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, hold, wait time.Duration) (*Handle, error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	err := pollUntil(ctx, wait, l.pollInterval, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, hold).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	h := &Handle{Key: key, Token: token, AcquiredAt: time.Now()}
	h.unlock = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return h, nil
}

func (l *RedisLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.unlock == nil {
		return nil
	}
	return h.unlock(ctx)
}
