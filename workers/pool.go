package workers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
)

// Pool runs N workers that reserve jobs from named queues and hand them to
// the stage runner.
type Pool struct {
	queues       []string
	store        *queue.Store
	runner       *pipeline.Runner
	numWorkers   int
	pollInterval time.Duration
	logger       *zap.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.Mutex
	running  bool
}

func NewPool(cfg config.Config, store *queue.Store, runner *pipeline.Runner, queues []string, logger *zap.Logger) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	if len(queues) == 0 {
		queues = pipeline.Queues(cfg)
	}
	return &Pool{
		queues:       queues,
		store:        store,
		runner:       runner,
		numWorkers:   numWorkers,
		pollInterval: poll,
		logger:       logging.OrNop(logger).Named("workers"),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		go p.worker(ctx, "worker-"+uuid.NewString())
	}
	p.logger.Info("started workers", zap.Int("count", p.numWorkers), zap.Strings("queues", p.queues))
}

// Stop signals the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("workers stopped")
}

func (p *Pool) worker(ctx context.Context, id string) {
	defer p.wg.Done()
	log := p.logger.With(zap.String("worker", id))
	log.Debug("worker started")

	for {
		select {
		case <-p.stopChan:
			log.Debug("worker stopping: stop signal received")
			return
		case <-ctx.Done():
			log.Debug("worker stopping: context done")
			return
		default:
		}

		worked, err := p.RunOnce(ctx, id)
		if err != nil {
			log.Error("failed to reserve job", zap.Error(err))
		}
		if worked {
			continue
		}

		timer := time.NewTimer(p.pollInterval)
		select {
		case <-p.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce reserves and processes at most one job. It reports whether a job
// was found.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.Reserve(ctx, p.queues, workerID)
	if err != nil || job == nil {
		return false, err
	}
	outcome := p.runner.Process(ctx, job)
	p.logger.Debug("job finished",
		zap.String("worker", workerID),
		zap.Uint("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Stringer("outcome", outcome))
	return true, nil
}

// Drain processes ready jobs until none is left, e.g. for one-shot runs.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	id := "drain-" + uuid.NewString()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		worked, err := p.RunOnce(ctx, id)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
}
