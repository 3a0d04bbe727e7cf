package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/queue"
)

// Submission is the result of pushing one payload.
type Submission struct {
	Result      ledger.Result
	Fingerprint string
	JobID       uint
}

// Submitter admits payloads into the ledger and enqueues them. Both writes
// share one transaction, so a job exists iff its fingerprint was admitted.
type Submitter struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	queue  *queue.Store
	cfg    config.Config
	logger *zap.Logger
}

func NewSubmitter(db *gorm.DB, l *ledger.Ledger, q *queue.Store, cfg config.Config, logger *zap.Logger) *Submitter {
	return &Submitter{db: db, ledger: l, queue: q, cfg: cfg, logger: logging.OrNop(logger).Named("submitter")}
}

// FingerprintOf returns the ledger fingerprint for p.
func FingerprintOf(p Payload) (string, error) {
	return ledger.Fingerprint(string(p.Stage()), p)
}

// Submit validates p, then admits and enqueues it atomically.
func (s *Submitter) Submit(ctx context.Context, p Payload) (Submission, error) {
	var sub Submission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.SubmitTx(tx, p)
		return err
	})
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// SubmitTx performs admission and enqueue inside the caller's transaction.
// Stage handlers use it to chain follow-up work together with their own writes.
func (s *Submitter) SubmitTx(tx *gorm.DB, p Payload) (Submission, error) {
	if err := Validate(p); err != nil {
		return Submission{}, err
	}
	fp, err := FingerprintOf(p)
	if err != nil {
		return Submission{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to encode %s payload: %w", p.Stage(), err)
	}

	stage := p.Stage()
	result, err := s.ledger.SubmitTx(tx, string(stage), fp)
	if err != nil {
		return Submission{}, err
	}
	if result == ledger.AlreadyPresent {
		return Submission{Result: result, Fingerprint: fp}, nil
	}

	job, err := s.queue.EnqueueTx(tx, queue.EnqueueRequest{
		Queue:       s.cfg.Stage(string(stage)).Queue,
		Kind:        string(stage),
		Payload:     data,
		Fingerprint: fp,
	})
	if err != nil {
		return Submission{}, err
	}
	s.logger.Debug("submitted job",
		zap.String("stage", string(stage)),
		zap.Uint("job_id", job.ID),
		zap.String("fingerprint", fp),
	)
	return Submission{Result: result, Fingerprint: fp, JobID: job.ID}, nil
}

// Queues returns the distinct queue names used by stages.
func Queues(cfg config.Config, stages ...Stage) []string {
	if len(stages) == 0 {
		stages = AllStages
	}
	seen := make(map[string]bool)
	var out []string
	for _, st := range stages {
		q := cfg.Stage(string(st)).Queue
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
