package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/geo"
	"github.com/camden-git/mediapipeline/ledger"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/models"
)

// Mode selects how the dispatcher runs stages.
type Mode string

const (
	ModeQueued   Mode = config.ModeQueued
	ModeSync     Mode = config.ModeSync
	ModeDisabled Mode = config.ModeDisabled
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeQueued, ModeSync, ModeDisabled:
		return m, nil
	}
	return "", fmt.Errorf("unknown pipeline mode %q", s)
}

// Status is the per-stage dispatch result.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusAlreadyQueued Status = "already-queued"
	StatusExecuted      Status = "executed"
	StatusSkipped       Status = "skipped"
	StatusDryRun        Status = "dry-run"
	StatusError         Status = "error"
)

// Options configures one dispatcher instance.
type Options struct {
	Mode    Mode
	DryRun  bool
	Verbose bool
}

// Overrides changes selected options for a single call. Nil fields keep the
// dispatcher's value.
type Overrides struct {
	Mode    *Mode `json:"mode,omitempty"`
	DryRun  *bool `json:"dry_run,omitempty"`
	Verbose *bool `json:"verbose,omitempty"`
}

// Dispatcher submits stage work for assets according to its Options.
type Dispatcher struct {
	opts      Options
	cfg       config.Config
	submitter *Submitter
	executor  Executor
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewDispatcher(cfg config.Config, submitter *Submitter, executor Executor, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		opts: Options{
			Mode:    Mode(cfg.PipelineMode),
			DryRun:  cfg.PipelineDryRun,
			Verbose: cfg.PipelineVerbose,
		},
		cfg:       cfg,
		submitter: submitter,
		executor:  executor,
		logger:    logging.OrNop(logger).Named("dispatcher"),
		metrics:   m,
	}
}

func (d *Dispatcher) Options() Options {
	return d.opts
}

// WithOptions returns a copy of d using opts.
func (d *Dispatcher) WithOptions(opts Options) *Dispatcher {
	cp := *d
	cp.opts = opts
	return &cp
}

// Apply returns a copy of d with the non-nil overrides applied.
func (d *Dispatcher) Apply(o Overrides) *Dispatcher {
	opts := d.opts
	if o.Mode != nil {
		opts.Mode = *o.Mode
	}
	if o.DryRun != nil {
		opts.DryRun = *o.DryRun
	}
	if o.Verbose != nil {
		opts.Verbose = *o.Verbose
	}
	return d.WithOptions(opts)
}

// DispatchAll attempts every top-level stage for img. Geolocation is only
// dispatched here when the asset's stored metadata already carries
// coordinates; otherwise the metadata stage chains it and it reports skipped.
func (d *Dispatcher) DispatchAll(ctx context.Context, img *models.Image) map[Stage]Status {
	return map[Stage]Status{
		StageThumbnail:   d.DispatchThumbnail(ctx, img),
		StageMetadata:    d.DispatchMetadata(ctx, img),
		StageFace:        d.DispatchFace(ctx, img),
		StageGeolocation: d.DispatchGeolocation(ctx, img),
	}
}

func (d *Dispatcher) DispatchThumbnail(ctx context.Context, img *models.Image) Status {
	return d.dispatchFor(ctx, StageThumbnail, func() (Payload, error) { return d.ThumbnailPayloadFor(img) })
}

func (d *Dispatcher) DispatchMetadata(ctx context.Context, img *models.Image) Status {
	return d.dispatchFor(ctx, StageMetadata, func() (Payload, error) {
		return MetadataPayload{
			ImageID:        img.ID,
			SourceDisk:     img.Disk,
			SourcePath:     img.Path,
			SourceFilename: img.Filename,
		}, nil
	})
}

func (d *Dispatcher) DispatchFace(ctx context.Context, img *models.Image) Status {
	return d.dispatchFor(ctx, StageFace, func() (Payload, error) {
		return FacePayload{ImageID: img.ID}, nil
	})
}

func (d *Dispatcher) DispatchGeolocation(ctx context.Context, img *models.Image) Status {
	if d.opts.Mode != ModeDisabled && !d.opts.DryRun {
		if _, ok := geo.ExtractCoordinates(img.Metadata); !ok {
			d.trace("no coordinates in stored metadata, geolocation left to metadata chain", StageGeolocation, img.ID)
			d.metrics.ObserveDispatch(string(StageGeolocation), string(StatusSkipped))
			return StatusSkipped
		}
	}
	return d.dispatchFor(ctx, StageGeolocation, func() (Payload, error) {
		return GeolocationPayload{ImageID: img.ID, Metadata: img.Metadata}, nil
	})
}

// Dispatch applies the mode policy to an already built payload.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) Status {
	return d.dispatchFor(ctx, p.Stage(), func() (Payload, error) { return p, nil })
}

func (d *Dispatcher) dispatchFor(ctx context.Context, stage Stage, build func() (Payload, error)) Status {
	status, err := d.dispatch(ctx, stage, build)
	d.metrics.ObserveDispatch(string(stage), string(status))
	if err != nil {
		d.logger.Error("dispatch failed", zap.String("stage", string(stage)), zap.Error(err))
	}
	return status
}

func (d *Dispatcher) dispatch(ctx context.Context, stage Stage, build func() (Payload, error)) (Status, error) {
	if d.opts.Mode == ModeDisabled {
		d.trace("pipeline disabled, skipping", stage, 0)
		return StatusSkipped, nil
	}

	p, err := build()
	if err != nil {
		return StatusError, err
	}
	verr := Validate(p)
	id := assetID(p)

	if d.opts.DryRun {
		fields := []zap.Field{
			zap.String("stage", string(stage)),
			zap.String("mode", string(d.opts.Mode)),
			zap.Uint("image_id", id),
			zap.Any("payload", p),
		}
		if verr != nil {
			fields = append(fields, zap.NamedError("validation", verr))
		}
		d.logger.Info("dry run, would dispatch", fields...)
		return StatusDryRun, nil
	}
	if verr != nil {
		return StatusError, verr
	}

	switch d.opts.Mode {
	case ModeSync:
		if d.executor == nil {
			return StatusError, errors.New("synchronous mode requires an executor")
		}
		if err := d.executor.Execute(ctx, p); err != nil {
			return StatusError, err
		}
		d.trace("executed", stage, id)
		return StatusExecuted, nil
	case ModeQueued:
		if d.submitter == nil {
			return StatusError, errors.New("queued mode requires a submitter")
		}
		sub, err := d.submitter.Submit(ctx, p)
		if err != nil {
			return StatusError, err
		}
		if sub.Result == ledger.AlreadyPresent {
			d.trace("already queued", stage, id)
			return StatusAlreadyQueued, nil
		}
		d.trace("submitted", stage, id)
		return StatusSubmitted, nil
	default:
		return StatusError, fmt.Errorf("unknown pipeline mode %q", d.opts.Mode)
	}
}

// ThumbnailPayloadFor builds the thumbnail job for img from configured defaults.
// The output location is deterministic so re-dispatching deduplicates.
func (d *Dispatcher) ThumbnailPayloadFor(img *models.Image) (ThumbnailPayload, error) {
	if img == nil || img.ID == 0 {
		return ThumbnailPayload{}, errors.New("image must be persisted before thumbnailing")
	}
	w, h, method := d.cfg.ThumbnailWidth, d.cfg.ThumbnailHeight, d.cfg.ThumbnailMethod
	return ThumbnailPayload{
		ImageID:           img.ID,
		Disk:              img.Disk,
		SourcePath:        img.Path,
		SourceFilename:    img.Filename,
		ThumbnailPath:     path.Join(d.cfg.ThumbnailPrefix, img.Disk, img.Path),
		ThumbnailFilename: fmt.Sprintf("%d_%dx%d_%s.jpg", img.ID, w, h, method),
		ThumbnailMethod:   method,
		ThumbnailWidth:    w,
		ThumbnailHeight:   h,
	}, nil
}

func (d *Dispatcher) trace(msg string, stage Stage, imageID uint) {
	fields := []zap.Field{zap.String("stage", string(stage))}
	if imageID > 0 {
		fields = append(fields, zap.Uint("image_id", imageID))
	}
	if d.opts.Verbose {
		d.logger.Info(msg, fields...)
		return
	}
	d.logger.Debug(msg, fields...)
}

func assetID(p Payload) uint {
	if ap, ok := p.(AssetPayload); ok {
		return ap.AssetID()
	}
	return 0
}
