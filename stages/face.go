package stages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
)

// FaceHandler detects and encodes faces on an image and groups them.
type FaceHandler struct {
	guard
	disks   *media.Disks
	images  *repository.ImageRepository
	encoder media.FaceEncoder
	matcher *services.FaceMatcher
}

func NewFaceHandler(d Deps) *FaceHandler {
	h := &FaceHandler{
		guard:   newGuard(d, pipeline.StageFace),
		disks:   d.Disks,
		encoder: d.Encoder,
		matcher: d.Faces,
	}
	if d.DB != nil {
		h.images = repository.NewImageRepository(d.DB)
	}
	return h
}

func (h *FaceHandler) Handle(ctx context.Context, p pipeline.FacePayload) error {
	if h.encoder == nil || h.matcher == nil || h.disks == nil || h.images == nil {
		return pipeline.Fatal(errors.New("face stage is not configured"))
	}
	return h.run(ctx, h.key(p.ImageID), func(ctx context.Context) error {
		img, err := loadImage(ctx, h.images, p.ImageID)
		if err != nil {
			return err
		}
		data, err := h.disks.ReadFile(img.Disk, img.Path, img.Filename)
		if err != nil {
			return missingFile(err)
		}

		detections, err := h.encoder.Encode(ctx, data)
		if err != nil {
			if errors.Is(err, media.ErrEncoderDisabled) {
				return pipeline.Fatal(err)
			}
			return fmt.Errorf("face encoding failed for image %d: %w", img.ID, err)
		}

		matches, err := h.matcher.ProcessImage(ctx, img.ID, detections)
		if err != nil {
			return err
		}
		linked := 0
		for _, m := range matches {
			if m.ParentID != nil {
				linked++
			}
		}
		h.logger.Debug("processed faces",
			zap.Uint("image_id", img.ID),
			zap.Int("faces", len(matches)),
			zap.Int("linked", linked))
		return nil
	})
}
