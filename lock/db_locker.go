package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/mediapipeline/models"
)

// DBLocker keeps leases in the locks table. An expired lease is taken over by
// the next acquirer.
type DBLocker struct {
	db           *gorm.DB
	pollInterval time.Duration
}

func NewDBLocker(db *gorm.DB) *DBLocker {
	return &DBLocker{db: db, pollInterval: defaultPollInterval}
}

// WithPollInterval overrides how often a blocked Acquire retries.
func (l *DBLocker) WithPollInterval(d time.Duration) *DBLocker {
	if d > 0 {
		l.pollInterval = d
	}
	return l
}

func (l *DBLocker) Acquire(ctx context.Context, key string, hold, wait time.Duration) (*Handle, error) {
	token := uuid.NewString()
	err := pollUntil(ctx, wait, l.pollInterval, func() (bool, error) {
		return l.tryAcquire(ctx, key, token, hold)
	})
	if err != nil {
		return nil, err
	}
	h := &Handle{Key: key, Token: token, AcquiredAt: time.Now()}
	h.unlock = func(ctx context.Context) error {
		err := l.db.WithContext(ctx).Where("lock_key = ? AND owner = ?", key, token).Delete(&models.Lock{}).Error
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return h, nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, key, token string, hold time.Duration) (bool, error) {
	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Where("lock_key = ? AND expires_at <= ?", key, now.UnixMilli()).Delete(&models.Lock{}).Error; err != nil {
			return fmt.Errorf("failed to clear expired lease: %w", err)
		}
		lease := models.Lock{Key: key, Owner: token, ExpiresAt: now.Add(hold).UnixMilli()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
		if res.Error != nil {
			return fmt.Errorf("failed to insert lease: %w", res.Error)
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (l *DBLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.unlock == nil {
		return nil
	}
	return h.unlock(ctx)
}
