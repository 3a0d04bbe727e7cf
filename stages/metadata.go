package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/geo"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/repository"
	"github.com/camden-git/mediapipeline/services"
)

// MetadataHandler extracts metadata, computes the perceptual hash, links
// duplicates and chains geolocation when the metadata carries coordinates.
type MetadataHandler struct {
	guard
	db         *gorm.DB
	disks      *media.Disks
	images     *repository.ImageRepository
	extractor  media.Extractor
	duplicates *services.DuplicateDetector
	submitter  *pipeline.Submitter
	dispatcher *pipeline.Dispatcher
}

func NewMetadataHandler(d Deps) *MetadataHandler {
	h := &MetadataHandler{
		guard:      newGuard(d, pipeline.StageMetadata),
		db:         d.DB,
		disks:      d.Disks,
		extractor:  d.Extractor,
		duplicates: d.Duplicates,
		submitter:  d.Submitter,
		dispatcher: d.Dispatcher,
	}
	if d.DB != nil {
		h.images = repository.NewImageRepository(d.DB)
	}
	return h
}

func (h *MetadataHandler) Handle(ctx context.Context, p pipeline.MetadataPayload) error {
	if h.extractor == nil || h.disks == nil || h.images == nil {
		return pipeline.Fatal(errors.New("metadata stage is not configured"))
	}
	return h.run(ctx, h.key(p.ImageID), func(ctx context.Context) error {
		return h.process(ctx, p)
	})
}

func (h *MetadataHandler) process(ctx context.Context, p pipeline.MetadataPayload) error {
	img, err := loadImage(ctx, h.images, p.ImageID)
	if err != nil {
		return err
	}
	src, err := h.disks.Resolve(p.SourceDisk, p.SourcePath, p.SourceFilename)
	if err != nil {
		return pipeline.Fatal(err)
	}

	meta, err := h.extractor.Extract(ctx, src)
	if err != nil {
		return missingFile(fmt.Errorf("metadata extraction failed for %s: %w", src, err))
	}

	decoded, err := imaging.Open(src)
	if err != nil {
		h.logger.Info("file is not a decodable image", zap.Uint("image_id", img.ID), zap.Error(err))
		if merr := h.images.MarkNotPhoto(ctx, img.ID, err); merr != nil {
			return merr
		}
		return nil
	}
	phash := media.DifferenceHash(decoded)
	hashText := media.FormatHash(phash)

	width, height := dimensions(meta, decoded)
	result := repository.MetadataResult{
		Metadata:       meta,
		TakenAt:        takenAt(meta),
		Width:          width,
		Height:         height,
		PerceptualHash: &hashText,
	}

	chain := geo.HasCoordinates(meta)
	chainInTx := chain && h.chainsInTransaction()
	var sub pipeline.Submission
	var parentID *uint
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		images := h.images.WithTx(tx)
		if err := images.UpdateMetadataResult(ctx, img.ID, result); err != nil {
			return err
		}
		// without a match the parent given at registration stays
		if h.duplicates != nil {
			found, err := h.duplicates.WithTx(tx).FindParent(ctx, img.ID, img.Hash, &phash)
			if err != nil {
				return err
			}
			if found != nil {
				linked, err := images.LinkParent(ctx, img.ID, *found)
				if err != nil {
					return err
				}
				if linked {
					parentID = found
				}
			}
		}
		if !chainInTx {
			return nil
		}
		var err error
		sub, err = h.submitter.SubmitTx(tx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: meta})
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pipeline.Fatal(fmt.Errorf("image %d vanished during metadata extraction", img.ID))
		}
		return fmt.Errorf("failed to store metadata for image %d: %w", img.ID, err)
	}

	fields := []zap.Field{zap.Uint("image_id", img.ID), zap.Int("keys", len(meta)), zap.Bool("coordinates", chain)}
	if parentID != nil {
		fields = append(fields, zap.Uint("parent_id", *parentID))
	}
	switch {
	case chainInTx:
		fields = append(fields, zap.String("geolocation", sub.Result.String()))
	case chain && h.dispatcher != nil:
		status := h.dispatcher.Dispatch(ctx, pipeline.GeolocationPayload{ImageID: img.ID, Metadata: meta})
		fields = append(fields, zap.String("geolocation", string(status)))
	}
	h.logger.Debug("stored metadata", fields...)
	return nil
}

// chainsInTransaction reports whether geolocation is chained through the
// ledger inside the metadata write. Other modes go through the dispatcher
// after the write commits.
func (h *MetadataHandler) chainsInTransaction() bool {
	if h.submitter == nil {
		return false
	}
	if h.dispatcher == nil {
		return true
	}
	opts := h.dispatcher.Options()
	return opts.Mode == pipeline.ModeQueued && !opts.DryRun
}

func takenAt(meta models.Metadata) *int64 {
	raw, ok := meta[media.KeyTakenAt].(string)
	if !ok {
		return nil
	}
	t, err := time.ParseInLocation(media.ExifTimeLayout, raw, time.Local)
	if err != nil {
		return nil
	}
	ts := t.Unix()
	return &ts
}

func dimensions(meta models.Metadata, decoded image.Image) (int, int) {
	w, wok := intValue(meta[media.KeyImageWidth])
	h, hok := intValue(meta[media.KeyImageHeight])
	if wok && hok && w > 0 && h > 0 {
		return w, h
	}
	b := decoded.Bounds()
	return b.Dx(), b.Dy()
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
