// Package queue is a durable job queue stored next to the deduplication
// ledger, so a ledger admission and its enqueue commit in one transaction.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
)

var ErrNoQueues = errors.New("queue: no queues to reserve from")

// EnqueueRequest describes a job to push.
type EnqueueRequest struct {
	Queue       string
	Kind        string
	Payload     []byte
	Fingerprint string
	Delay       time.Duration
}

// QueueStats counts jobs in one named queue.
type QueueStats struct {
	Queue    string `json:"queue"`
	Ready    int64  `json:"ready"`
	Reserved int64  `json:"reserved"`
	Failed   int64  `json:"failed"`
}

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logging.OrNop(logger).Named("queue")}
}

func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	return s.EnqueueTx(s.db.WithContext(ctx), req)
}

// EnqueueTx inserts the job inside the caller's transaction.
func (s *Store) EnqueueTx(tx *gorm.DB, req EnqueueRequest) (*models.Job, error) {
	if req.Queue == "" || req.Kind == "" {
		return nil, fmt.Errorf("queue and kind are required")
	}
	job := &models.Job{
		Queue:       req.Queue,
		Kind:        req.Kind,
		Payload:     string(req.Payload),
		Fingerprint: req.Fingerprint,
		AvailableAt: time.Now().Unix() + seconds(req.Delay),
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", req.Kind, err)
	}
	return job, nil
}

// Reserve atomically claims the oldest available job from any of queues.
// It returns nil, nil when nothing is ready.
func (s *Store) Reserve(ctx context.Context, queues []string, worker string) (*models.Job, error) {
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}
	now := time.Now().Unix()

	sub, subArgs, err := database.Builder.
		Select("id").
		From("pipeline_jobs").
		Where(sq.Eq{"queue": queues}).
		Where("reserved_at IS NULL").
		Where("failed_at IS NULL").
		Where(sq.LtOrEq{"available_at": now}).
		OrderBy("available_at", "id").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build reserve subquery: %w", err)
	}

	query, args, err := database.Builder.
		Update("pipeline_jobs").
		Set("reserved_at", now).
		Set("reserved_by", worker).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", now).
		Where(sq.Expr("id = ("+sub+")", subArgs...)).
		Suffix("RETURNING *").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build reserve query: %w", err)
	}

	var jobs []models.Job
	err = database.RetryOnBusy(5, func() error {
		return s.db.WithContext(ctx).Raw(query, args...).Scan(&jobs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Complete removes a finished job.
func (s *Store) Complete(ctx context.Context, id uint) error {
	return s.CompleteTx(s.db.WithContext(ctx), id)
}

func (s *Store) CompleteTx(tx *gorm.DB, id uint) error {
	if err := tx.Delete(&models.Job{}, id).Error; err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

// Retry returns a reserved job to its queue after delay.
func (s *Store) Retry(ctx context.Context, id uint, delay time.Duration, cause error) error {
	now := time.Now().Unix()
	updates := map[string]interface{}{
		"reserved_at":  gorm.Expr("NULL"),
		"reserved_by":  gorm.Expr("NULL"),
		"available_at": now + seconds(delay),
		"last_error":   errorString(cause),
		"updated_at":   now,
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to schedule retry for job %d: %w", id, err)
	}
	return nil
}

// Fail parks a job permanently. Failed jobs are kept for inspection.
func (s *Store) Fail(ctx context.Context, id uint, cause error) error {
	return s.FailTx(s.db.WithContext(ctx), id, cause)
}

func (s *Store) FailTx(tx *gorm.DB, id uint, cause error) error {
	now := time.Now().Unix()
	updates := map[string]interface{}{
		"reserved_at": gorm.Expr("NULL"),
		"reserved_by": gorm.Expr("NULL"),
		"failed_at":   now,
		"last_error":  errorString(cause),
		"updated_at":  now,
	}
	if err := tx.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark job %d failed: %w", id, err)
	}
	return nil
}

// ReleaseStale returns reservations older than timeout to their queues.
func (s *Store) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("reserved_at IS NOT NULL AND reserved_at < ? AND failed_at IS NULL", cutoff).
		Updates(map[string]interface{}{
			"reserved_at": gorm.Expr("NULL"),
			"reserved_by": gorm.Expr("NULL"),
			"updated_at":  time.Now().Unix(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release stale reservations: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("released stale reservations", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

func (s *Store) Get(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return &job, nil
}

// ListByFingerprint returns live and failed jobs carrying fp.
func (s *Store) ListByFingerprint(ctx context.Context, fp string) ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.WithContext(ctx).Where("fingerprint = ?", fp).Order("id").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs for fingerprint: %w", err)
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) ([]QueueStats, error) {
	query, args, err := database.Builder.
		Select(
			"queue",
			"SUM(CASE WHEN reserved_at IS NULL AND failed_at IS NULL THEN 1 ELSE 0 END) AS ready",
			"SUM(CASE WHEN reserved_at IS NOT NULL THEN 1 ELSE 0 END) AS reserved",
			"SUM(CASE WHEN failed_at IS NOT NULL THEN 1 ELSE 0 END) AS failed",
		).
		From("pipeline_jobs").
		GroupBy("queue").
		OrderBy("queue").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build queue stats query: %w", err)
	}
	var stats []QueueStats
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to load queue stats: %w", err)
	}
	return stats, nil
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func errorString(err error) interface{} {
	if err == nil {
		return gorm.Expr("NULL")
	}
	return err.Error()
}
