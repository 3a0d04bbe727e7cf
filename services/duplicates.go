package services

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/media"
	"github.com/camden-git/mediapipeline/repository"
)

// DuplicateDetector finds the representative an image duplicates: a root
// image with the same content hash, or failing that the root whose
// perceptual hash is closest within maxDistance bits.
type DuplicateDetector struct {
	images      *repository.ImageRepository
	maxDistance int
	logger      *zap.Logger
}

func NewDuplicateDetector(images *repository.ImageRepository, maxDistance int, logger *zap.Logger) *DuplicateDetector {
	logger = logging.OrNop(logger)
	return &DuplicateDetector{images: images, maxDistance: maxDistance, logger: logger.Named("duplicates")}
}

// WithTx returns a detector reading through tx. Callers that link the
// result should search inside the transaction that writes the link.
func (d *DuplicateDetector) WithTx(tx *gorm.DB) *DuplicateDetector {
	return &DuplicateDetector{images: d.images.WithTx(tx), maxDistance: d.maxDistance, logger: d.logger}
}

// FindParent returns the parent imageID should point to, or nil. An image
// that already represents others never gets a parent.
func (d *DuplicateDetector) FindParent(ctx context.Context, imageID uint, contentHash string, phash *uint64) (*uint, error) {
	hasChildren, err := d.images.HasChildren(ctx, imageID)
	if err != nil || hasChildren {
		return nil, err
	}

	candidates, err := d.images.ListDuplicateCandidates(ctx, imageID, contentHash)
	if err != nil {
		return nil, err
	}

	if contentHash != "" {
		for i := range candidates {
			if candidates[i].Hash == contentHash {
				id := candidates[i].ID
				return &id, nil
			}
		}
	}
	if phash == nil {
		return nil, nil
	}

	var best *uint
	bestDist := d.maxDistance + 1
	for i := range candidates {
		if candidates[i].PerceptualHash == nil {
			continue
		}
		h, err := media.ParseHash(*candidates[i].PerceptualHash)
		if err != nil {
			d.logger.Warn("skipping stored perceptual hash", zap.Uint("image_id", candidates[i].ID), zap.Error(err))
			continue
		}
		if dist := media.HammingDistance(*phash, h); dist < bestDist {
			id := candidates[i].ID
			best, bestDist = &id, dist
		}
	}
	return best, nil
}
