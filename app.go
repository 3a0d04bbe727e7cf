package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/clients/faceapi"
	"github.com/camden-git/mediapipeline/clients/geocoder"
	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/lock"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/queue"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
	"github.com/camden-git/mediapipeline/stages"
)

// app holds the wired pipeline shared by every command.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	db         *gorm.DB
	metrics    *metrics.Metrics
	disks      *media.Disks
	ledger     *ledger.Ledger
	queue      *queue.Store
	submitter  *pipeline.Submitter
	runner     *pipeline.Runner
	dispatcher *pipeline.Dispatcher
	identities *services.IdentityEngine
	images     *repository.ImageRepository

	closers []func()
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	dirs := []string{filepath.Dir(cfg.DatabasePath), cfg.Disks[cfg.ThumbnailDisk]}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	db, err := database.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() { database.Close(db) })

	disks, err := media.NewDisks(cfg.Disks)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.disks = disks

	locker, err := lock.New(cfg, db, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize lock manager: %w", err)
	}

	a.images = repository.NewImageRepository(db)
	a.ledger = ledger.New(db, logger, a.metrics)
	a.queue = queue.New(db, logger)
	a.submitter = pipeline.NewSubmitter(db, a.ledger, a.queue, cfg, logger)
	a.runner = pipeline.NewRunner(pipeline.Handlers{}, pipeline.RunnerDeps{
		DB:          db,
		Ledger:      a.ledger,
		Queue:       a.queue,
		Recorder:    a.images,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
		Metrics:     a.metrics,
	})
	a.dispatcher = pipeline.NewDispatcher(cfg, a.submitter, a.runner, logger, a.metrics)

	encoder, comparator := a.faceCollaborators()
	gc := geocoder.New(geocoder.Options{
		BaseURL:           cfg.GeocoderURL,
		UserAgent:         cfg.GeocoderUserAgent,
		Timeout:           cfg.GeocoderTimeout,
		RequestsPerSecond: float64(cfg.GeocoderRate),
		Logger:            logger,
		Metrics:           a.metrics,
	})
	a.identities = services.NewIdentityEngine(db, cfg.FaceEncodingDim, logger)

	a.runner.SetHandlers(stages.New(stages.Deps{
		DB:          db,
		Config:      cfg,
		Locker:      locker,
		Disks:       disks,
		Dispatcher:  a.dispatcher,
		Submitter:   a.submitter,
		Extractor:   a.extractor(),
		Encoder:     encoder,
		Faces:       services.NewFaceMatcher(db, comparator, a.identities, logger),
		Geolocation: services.NewGeolocationResolver(db, gc, logger),
		Duplicates:  services.NewDuplicateDetector(a.images, cfg.DuplicateMaxDistance, logger),
		Logger:      logger,
	}))
	return a, nil
}

func (a *app) extractor() media.Extractor {
	if a.cfg.MetadataExtractor == config.ExtractorExiftool {
		return media.NewExiftoolExtractor(a.cfg.ExiftoolPath, a.cfg.ExiftoolTimeout, a.logger)
	}
	return media.NewGoexifExtractor(a.logger)
}

// faceCollaborators returns the configured encoder and comparator. A local
// encoder whose models fail to load leaves the face stage without an encoder.
func (a *app) faceCollaborators() (media.FaceEncoder, media.FaceComparator) {
	if a.cfg.FaceEncoder == config.FaceEncoderLocal {
		enc, err := media.NewLocalFaceEncoder(media.LocalEncoderOptions{
			DetectorConfigPath: a.cfg.FaceDNNNetConfigPath,
			DetectorModelPath:  a.cfg.FaceDNNNetModelPath,
			EmbedModelPath:     a.cfg.FaceEmbedModelPath,
			Dimension:          a.cfg.FaceEncodingDim,
		}, a.logger)
		if err != nil {
			a.logger.Warn("local face encoder unavailable, face stage disabled", zap.Error(err))
			return nil, media.EuclideanComparator{}
		}
		a.closers = append(a.closers, enc.Close)
		return enc, media.EuclideanComparator{}
	}
	client := faceapi.New(faceapi.Options{
		BaseURL:   a.cfg.FaceServiceURL,
		Timeout:   a.cfg.FaceServiceTimeout,
		Dimension: a.cfg.FaceEncodingDim,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	return client, client
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
}
