// Package stages implements the work behind each pipeline stage. Every
// handler holds an asset scoped lock for the duration of its work; the
// runner takes care of ledger cleanup once the handler returns.
package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/lock"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
)

// Deps collects what the stage handlers need. Collaborators that are nil
// make their stage fail permanently instead of panicking.
type Deps struct {
	DB          *gorm.DB
	Config      config.Config
	Locker      lock.Locker
	Disks       *media.Disks
	Dispatcher  *pipeline.Dispatcher
	Submitter   *pipeline.Submitter
	Extractor   media.Extractor
	Encoder     media.FaceEncoder
	Faces       *services.FaceMatcher
	Geolocation *services.GeolocationResolver
	Duplicates  *services.DuplicateDetector
	Logger      *zap.Logger
}

// New builds the handler set for the runner.
func New(d Deps) pipeline.Handlers {
	d.Logger = logging.OrNop(d.Logger)
	return pipeline.Handlers{
		Image:       NewImageHandler(d),
		Thumbnail:   NewThumbnailHandler(d),
		Metadata:    NewMetadataHandler(d),
		Geolocation: NewGeolocationHandler(d),
		Face:        NewFaceHandler(d),
	}
}

// guard serializes work on one asset within a stage family.
type guard struct {
	stage    pipeline.Stage
	settings config.StageSettings
	locker   lock.Locker
	logger   *zap.Logger
}

func newGuard(d Deps, stage pipeline.Stage) guard {
	return guard{
		stage:    stage,
		settings: d.Config.Stage(string(stage)),
		locker:   d.Locker,
		logger:   logging.OrNop(d.Logger).Named(string(stage)),
	}
}

// run acquires key, runs fn and releases the lock. A lock timeout becomes a
// retry after the stage's delay. fn's context ends when the lease would
// expire.
func (g guard) run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if g.locker == nil {
		return pipeline.Fatal(errors.New("no lock manager configured"))
	}
	h, err := g.locker.Acquire(ctx, key, g.settings.LockHold, g.settings.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			g.logger.Info("asset is busy, retrying later", zap.String("key", key), zap.Duration("delay", g.settings.RetryDelay))
			return pipeline.Retry(err, g.settings.RetryDelay)
		}
		return fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	defer func() {
		if err := g.locker.Release(context.WithoutCancel(ctx), h); err != nil {
			g.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	workCtx := ctx
	if g.settings.LockHold > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, g.settings.LockHold)
		defer cancel()
	}
	return fn(workCtx)
}

// retryAfter marks a transient failure with the stage's retry delay.
func (g guard) retryAfter(err error) error {
	return pipeline.Retry(err, g.settings.RetryDelay)
}

func (g guard) key(imageID uint) string {
	return lock.Key(g.stage.LockFamily(), imageID)
}

// loadImage fetches the asset a payload refers to. A vanished row is fatal.
func loadImage(ctx context.Context, images *repository.ImageRepository, id uint) (*models.Image, error) {
	img, err := images.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pipeline.Fatal(fmt.Errorf("image %d does not exist", id))
	}
	return img, err
}

// missingFile makes a vanished source file permanent for this attempt.
func missingFile(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, media.ErrUnknownDisk) || errors.Is(err, media.ErrOutsideDisk) {
		return pipeline.Fatal(err)
	}
	return err
}
