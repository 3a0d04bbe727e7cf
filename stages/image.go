package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
)

// ImageHandler registers a discovered file as an image and dispatches every
// top-level stage for it.
type ImageHandler struct {
	guard
	db         *gorm.DB
	images     *repository.ImageRepository
	dispatcher *pipeline.Dispatcher
}

func NewImageHandler(d Deps) *ImageHandler {
	h := &ImageHandler{guard: newGuard(d, pipeline.StageImage), dispatcher: d.Dispatcher}
	if d.DB != nil {
		h.db = d.DB
		h.images = repository.NewImageRepository(d.DB)
	}
	return h
}

func (h *ImageHandler) Handle(ctx context.Context, p pipeline.ImagePayload) error {
	if h.db == nil {
		return pipeline.Fatal(errors.New("image stage has no database"))
	}
	var (
		img     *models.Image
		created bool
	)
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		images := h.images.WithTx(tx)
		parentID, err := rootParent(ctx, images, p.ParentID)
		if err != nil {
			return err
		}
		img, created, err = images.EnsureExists(ctx, &models.Image{
			Disk:          p.SourceDisk,
			Path:          p.SourcePath,
			Filename:      p.SourceFilename,
			Hash:          p.Hash,
			Width:         p.Width,
			Height:        p.Height,
			Size:          p.Size,
			CreatedAtFile: p.CreatedAtFile,
			UpdatedAtFile: p.UpdatedAtFile,
			ParentID:      parentID,
		})
		return err
	})
	if err != nil {
		return err
	}
	log := h.logger.With(zap.Uint("image_id", img.ID), zap.Bool("created", created))
	if h.dispatcher == nil {
		log.Debug("registered image, no dispatcher configured")
		return nil
	}

	statuses := h.dispatcher.DispatchAll(ctx, img)
	var failed []string
	for stage, status := range statuses {
		if status == pipeline.StatusError {
			failed = append(failed, string(stage))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		// stages that did get through are deduplicated on the retry
		return h.retryAfter(fmt.Errorf("dispatch failed for image %d: %s", img.ID, strings.Join(failed, ", ")))
	}
	log.Debug("registered image", zap.Any("dispatch", statuses))
	return nil
}

// rootParent resolves a requested parent to the root of its group, so a new
// image never hangs below a child. A parent that does not exist is fatal.
func rootParent(ctx context.Context, images *repository.ImageRepository, id *uint) (*uint, error) {
	if id == nil {
		return nil, nil
	}
	parent, err := images.GetByID(ctx, *id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pipeline.Fatal(fmt.Errorf("parent image %d does not exist", *id))
	}
	if err != nil {
		return nil, err
	}
	if parent.ParentID == nil {
		return &parent.ID, nil
	}
	root := *parent.ParentID
	return &root, nil
}
