// Package lock provides blocking, lease-based mutual exclusion keyed by
// resource, e.g. "face-processing:42".
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/metrics"
)

// ErrLockTimeout is returned when the bounded wait elapses without acquiring.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

const defaultPollInterval = 100 * time.Millisecond

// Handle identifies a held lock.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time

	unlock func(ctx context.Context) error
}

// Locker acquires and releases resource locks.
type Locker interface {
	// Acquire blocks up to wait. The lock expires on its own after hold.
	Acquire(ctx context.Context, key string, hold, wait time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

// Key builds a resource key for a stage family and asset id.
func Key(family string, id uint) string {
	return fmt.Sprintf("%s:%d", family, id)
}

// Family returns the part of key before the first colon.
func Family(key string) string {
	family, _, _ := strings.Cut(key, ":")
	return family
}

// New builds the configured backend wrapped with metrics.
func New(cfg config.Config, db *gorm.DB, logger *zap.Logger, m *metrics.Metrics) (Locker, error) {
	var base Locker
	switch cfg.LockBackend {
	case config.LockBackendDatabase:
		base = NewDBLocker(db)
	case config.LockBackendRedis:
		base = NewRedisLocker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	case config.LockBackendFile:
		fl, err := NewFileLocker(cfg.LockDir)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Warn("file lock backend does not expire held locks", zap.String("dir", cfg.LockDir))
		}
		base = fl
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
	return Instrument(base, m), nil
}

// pollUntil calls try until it reports success, the wait elapses or ctx ends.
func pollUntil(ctx context.Context, wait, interval time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type instrumented struct {
	Locker
	metrics *metrics.Metrics
}

// Instrument records wait durations and timeouts for every acquisition.
func Instrument(l Locker, m *metrics.Metrics) Locker {
	if m == nil {
		return l
	}
	return &instrumented{Locker: l, metrics: m}
}

func (i *instrumented) Acquire(ctx context.Context, key string, hold, wait time.Duration) (*Handle, error) {
	start := time.Now()
	h, err := i.Locker.Acquire(ctx, key, hold, wait)
	i.metrics.ObserveLockWait(Family(key), time.Since(start), errors.Is(err, ErrLockTimeout))
	return h, err
}
