package stages

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
)

// ThumbnailHandler renders a thumbnail onto the thumbnail disk and records
// its location on the image.
type ThumbnailHandler struct {
	guard
	processor *media.Processor
	images    *repository.ImageRepository
	dstDisk   string
}

func NewThumbnailHandler(d Deps) *ThumbnailHandler {
	h := &ThumbnailHandler{
		guard:   newGuard(d, pipeline.StageThumbnail),
		dstDisk: d.Config.ThumbnailDisk,
	}
	if d.Disks != nil {
		h.processor = media.NewProcessor(d.Disks)
	}
	if d.DB != nil {
		h.images = repository.NewImageRepository(d.DB)
	}
	return h
}

func (h *ThumbnailHandler) Handle(ctx context.Context, p pipeline.ThumbnailPayload) error {
	if h.processor == nil {
		return pipeline.Fatal(errors.New("thumbnail stage has no disks configured"))
	}
	// payloads without an image id are locked by their output location
	key := fmt.Sprintf("%s:%s", h.stage.LockFamily(), path.Join(h.dstDisk, p.ThumbnailPath, p.ThumbnailFilename))
	if p.ImageID > 0 {
		key = h.key(p.ImageID)
	}
	return h.run(ctx, key, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := h.processor.GenerateThumbnail(media.ThumbnailRequest{
			SrcDisk:     p.Disk,
			SrcPath:     p.SourcePath,
			SrcFilename: p.SourceFilename,
			DstDisk:     h.dstDisk,
			DstPath:     p.ThumbnailPath,
			DstFilename: p.ThumbnailFilename,
			Method:      p.ThumbnailMethod,
			Width:       p.ThumbnailWidth,
			Height:      p.ThumbnailHeight,
		})
		if err != nil {
			// an unreadable or undecodable original will not get better
			return pipeline.Fatal(fmt.Errorf("failed to generate thumbnail for %s/%s: %w", p.SourcePath, p.SourceFilename, err))
		}

		if p.ImageID == 0 || h.images == nil {
			h.logger.Debug("generated detached thumbnail", zap.String("thumbnail", rel))
			return nil
		}
		if err := h.images.UpdateThumbnailResult(ctx, p.ImageID, rel); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pipeline.Fatal(fmt.Errorf("image %d vanished before its thumbnail was recorded", p.ImageID))
			}
			return err
		}
		h.logger.Debug("generated thumbnail", zap.Uint("image_id", p.ImageID), zap.String("thumbnail", rel))
		return nil
	})
}
