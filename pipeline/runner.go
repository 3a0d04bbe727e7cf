package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/queue"
)

// Handler performs one stage's work for a payload.
type Handler[P Payload] interface {
	Handle(ctx context.Context, p P) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[P Payload] func(ctx context.Context, p P) error

func (f HandlerFunc[P]) Handle(ctx context.Context, p P) error { return f(ctx, p) }

// Handlers binds every stage to its implementation.
type Handlers struct {
	Image       Handler[ImagePayload]
	Thumbnail   Handler[ThumbnailPayload]
	Metadata    Handler[MetadataPayload]
	Geolocation Handler[GeolocationPayload]
	Face        Handler[FacePayload]
}

// FailureRecorder persists a permanent failure on the asset.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, imageID uint, stage string, cause error) error
}

// Executor runs a payload in-process.
type Executor interface {
	Execute(ctx context.Context, p Payload) error
}

type RunnerDeps struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Queue       *queue.Store
	Recorder    FailureRecorder
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Runner executes jobs and settles them: the job row and the ledger entry are
// cleaned up on every terminal outcome, including handler panics.
type Runner struct {
	handlers Handlers
	deps     RunnerDeps
	logger   *zap.Logger
}

func NewRunner(handlers Handlers, deps RunnerDeps) *Runner {
	return &Runner{handlers: handlers, deps: deps, logger: logging.OrNop(deps.Logger).Named("runner")}
}

// SetHandlers replaces the handler set. Handlers that dispatch need the
// dispatcher, which in turn needs the runner for synchronous mode.
func (r *Runner) SetHandlers(h Handlers) {
	r.handlers = h
}

// Execute runs the stage handler for p, converting panics into errors.
func (r *Runner) Execute(ctx context.Context, p Payload) (err error) {
	stage := p.Stage()
	start := time.Now()
	r.deps.Metrics.StartStage()
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
			r.logger.Error("stage handler panicked",
				zap.String("stage", string(stage)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		outcome, _ := Classify(err)
		r.deps.Metrics.FinishStage(string(stage), outcome.String(), time.Since(start))
	}()
	return r.invoke(ctx, p)
}

func (r *Runner) invoke(ctx context.Context, p Payload) error {
	switch v := p.(type) {
	case ImagePayload:
		if r.handlers.Image != nil {
			return r.handlers.Image.Handle(ctx, v)
		}
	case ThumbnailPayload:
		if r.handlers.Thumbnail != nil {
			return r.handlers.Thumbnail.Handle(ctx, v)
		}
	case MetadataPayload:
		if r.handlers.Metadata != nil {
			return r.handlers.Metadata.Handle(ctx, v)
		}
	case GeolocationPayload:
		if r.handlers.Geolocation != nil {
			return r.handlers.Geolocation.Handle(ctx, v)
		}
	case FacePayload:
		if r.handlers.Face != nil {
			return r.handlers.Face.Handle(ctx, v)
		}
	default:
		return Fatal(fmt.Errorf("unsupported payload type %T", p))
	}
	return Fatal(fmt.Errorf("no handler registered for stage %s", p.Stage()))
}

// Process runs a reserved job and applies its outcome to the queue and ledger.
func (r *Runner) Process(ctx context.Context, job *models.Job) Outcome {
	stage := Stage(job.Kind)
	log := r.logger.With(zap.Uint("job_id", job.ID), zap.String("stage", job.Kind), zap.Int("attempt", job.Attempts))

	p, err := Decode(stage, []byte(job.Payload))
	if err != nil {
		err = Fatal(err)
	} else {
		err = r.Execute(ctx, p)
	}

	outcome, delay := Classify(err)
	if outcome == OutcomeRetry && r.deps.MaxAttempts > 0 && job.Attempts >= r.deps.MaxAttempts {
		outcome = OutcomeFatal
		err = fmt.Errorf("giving up after %d attempts: %w", job.Attempts, err)
	}

	// settle even when the worker is shutting down
	settleCtx := context.WithoutCancel(ctx)
	switch outcome {
	case OutcomeDone:
		log.Debug("job completed")
		r.finish(settleCtx, job, nil)
	case OutcomeRetry:
		log.Info("job will be retried", zap.Duration("delay", delay), zap.Error(err))
		if qerr := r.deps.Queue.Retry(settleCtx, job.ID, delay, err); qerr != nil {
			log.Error("failed to schedule retry", zap.Error(qerr))
		}
	case OutcomeFatal:
		log.Warn("job failed", zap.Error(err))
		r.finish(settleCtx, job, err)
		r.recordFailure(settleCtx, p, err)
	}
	return outcome
}

// finish removes or parks the job and releases its fingerprint in one transaction.
func (r *Runner) finish(ctx context.Context, job *models.Job, cause error) {
	err := r.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cause == nil {
			if err := r.deps.Queue.CompleteTx(tx, job.ID); err != nil {
				return err
			}
		} else if err := r.deps.Queue.FailTx(tx, job.ID, cause); err != nil {
			return err
		}
		if job.Fingerprint == "" {
			return nil
		}
		return r.deps.Ledger.ReleaseTx(tx, job.Fingerprint)
	})
	if err == nil {
		return
	}
	r.logger.Error("failed to settle job", zap.Uint("job_id", job.ID), zap.Error(err))
	if job.Fingerprint != "" {
		if rerr := r.deps.Ledger.Release(ctx, job.Fingerprint); rerr != nil {
			r.logger.Error("failed to release fingerprint, sweep will reconcile",
				zap.String("fingerprint", job.Fingerprint), zap.Error(rerr))
		}
	}
}

func (r *Runner) recordFailure(ctx context.Context, p Payload, cause error) {
	if r.deps.Recorder == nil || p == nil {
		return
	}
	ap, ok := p.(AssetPayload)
	if !ok || ap.AssetID() == 0 {
		return
	}
	if err := r.deps.Recorder.RecordFailure(ctx, ap.AssetID(), string(p.Stage()), cause); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		r.logger.Error("failed to record asset failure", zap.Uint("image_id", ap.AssetID()), zap.Error(err))
	}
}
