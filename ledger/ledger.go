// Package ledger is the deduplication ledger: a persistent set of fingerprints
// for work that is pending or executing.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/models"
)

var ErrEmptyFingerprint = errors.New("ledger: empty fingerprint")

// Result is the outcome of a submission.
type Result int

const (
	Admitted Result = iota + 1
	AlreadyPresent
)

func (r Result) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case AlreadyPresent:
		return "already-present"
	default:
		return "unknown"
	}
}

// Fingerprint hashes the stage identity together with the payload's canonical
// JSON form. Struct fields encode in declaration order and map keys sorted, so
// equal payloads always produce equal fingerprints.
func Fingerprint(stage string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for fingerprint: %w", err)
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type Ledger struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(db *gorm.DB, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{db: db, logger: logging.OrNop(logger).Named("ledger"), metrics: m}
}

// Submit admits fp unless an entry already exists.
func (l *Ledger) Submit(ctx context.Context, stage, fp string) (Result, error) {
	return l.SubmitTx(l.db.WithContext(ctx), stage, fp)
}

// SubmitTx admits fp inside the caller's transaction. Admission relies on the
// unique index, so concurrent callers racing on the same fingerprint see
// exactly one Admitted.
func (l *Ledger) SubmitTx(tx *gorm.DB, stage, fp string) (Result, error) {
	if fp == "" {
		return 0, ErrEmptyFingerprint
	}
	entry := models.QueueLedgerEntry{Fingerprint: fp, Stage: stage}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert ledger entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		l.metrics.ObserveLedger(stage, AlreadyPresent.String())
		l.logger.Debug("fingerprint already present", zap.String("stage", stage), zap.String("fingerprint", fp))
		return AlreadyPresent, nil
	}
	l.metrics.ObserveLedger(stage, Admitted.String())
	return Admitted, nil
}

// Release removes fp. Releasing an absent fingerprint is a no-op.
func (l *Ledger) Release(ctx context.Context, fp string) error {
	return l.ReleaseTx(l.db.WithContext(ctx), fp)
}

func (l *Ledger) ReleaseTx(tx *gorm.DB, fp string) error {
	if fp == "" {
		return ErrEmptyFingerprint
	}
	err := database.RetryOnBusy(5, func() error {
		return tx.Where("fingerprint = ?", fp).Delete(&models.QueueLedgerEntry{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to release ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) Exists(ctx context.Context, fp string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.QueueLedgerEntry{}).Where("fingerprint = ?", fp).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up ledger entry: %w", err)
	}
	return count > 0, nil
}

func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.QueueLedgerEntry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}

// Stats returns the number of entries per stage.
func (l *Ledger) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Stage string
		Total int64
	}
	err := l.db.WithContext(ctx).Model(&models.QueueLedgerEntry{}).
		Select("stage, COUNT(*) AS total").
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger entries: %w", err)
	}
	stats := make(map[string]int64, len(rows))
	for _, r := range rows {
		stats[r.Stage] = r.Total
	}
	return stats, nil
}

// Sweep deletes entries older than staleAge that no live job references.
// Such entries belong to work whose enqueue never committed or whose worker
// died after the job row was removed.
func (l *Ledger) Sweep(ctx context.Context, staleAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAge).Unix()
	query, args, err := database.Builder.
		Delete("queue_ledger").
		Where(sq.Lt{"created_at": cutoff}).
		Where("NOT EXISTS (SELECT 1 FROM pipeline_jobs WHERE pipeline_jobs.fingerprint = queue_ledger.fingerprint AND pipeline_jobs.failed_at IS NULL)").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build ledger sweep query: %w", err)
	}

	res := l.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep ledger: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Warn("reconciled orphaned ledger entries", zap.Int64("count", res.RowsAffected))
		l.metrics.AddReconciled(res.RowsAffected)
	}
	return res.RowsAffected, nil
}
