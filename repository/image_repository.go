package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/models"
)

// ImageRepository handles database operations for Image entities
type ImageRepository struct {
	DB *gorm.DB
}

// NewImageRepository creates a new instance of ImageRepository
func NewImageRepository(db *gorm.DB) *ImageRepository {
	return &ImageRepository{DB: db}
}

// WithTx returns a repository bound to tx.
func (r *ImageRepository) WithTx(tx *gorm.DB) *ImageRepository {
	return &ImageRepository{DB: tx}
}

// GetByID retrieves an image by its ID
func (r *ImageRepository) GetByID(ctx context.Context, id uint) (*models.Image, error) {
	var image models.Image
	err := r.DB.WithContext(ctx).First(&image, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image by ID %d: %w", id, err)
	}
	return &image, nil
}

// GetByLocation retrieves an image by disk, directory and filename
func (r *ImageRepository) GetByLocation(ctx context.Context, disk, path, filename string) (*models.Image, error) {
	var image models.Image
	err := r.DB.WithContext(ctx).
		Where("disk = ? AND path = ? AND filename = ?", disk, filepath.ToSlash(path), filename).
		First(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get image %s:%s/%s: %w", disk, path, filename, err)
	}
	return &image, nil
}

// ExistsByLocation reports whether an image row exists for the location.
func (r *ImageRepository) ExistsByLocation(ctx context.Context, disk, path, filename string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&models.Image{}).
		Where("disk = ? AND path = ? AND filename = ?", disk, filepath.ToSlash(path), filename).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check image %s:%s/%s: %w", disk, path, filename, err)
	}
	return count > 0, nil
}

// EnsureExists creates the image row for image's location if it doesn't exist.
// It returns the stored row and whether it was created by this call.
func (r *ImageRepository) EnsureExists(ctx context.Context, image *models.Image) (*models.Image, bool, error) {
	image.Path = filepath.ToSlash(image.Path)
	if image.Status == "" {
		image.Status = database.ImageStatusProcess
	}
	var stored models.Image
	result := r.DB.WithContext(ctx).
		Where(models.Image{Disk: image.Disk, Path: image.Path, Filename: image.Filename}).
		Attrs(*image).
		FirstOrCreate(&stored)
	if result.Error != nil {
		if database.IsDuplicateKey(result.Error) {
			// lost a race with a concurrent registration of the same file
			existing, err := r.GetByLocation(ctx, image.Disk, image.Path, image.Filename)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("failed to ensure image record for %s/%s: %w", image.Path, image.Filename, result.Error)
	}
	return &stored, result.RowsAffected > 0, nil
}

// UpdateThumbnailResult records a generated thumbnail
func (r *ImageRepository) UpdateThumbnailResult(ctx context.Context, id uint, thumbPath string) error {
	now := time.Now().Unix()
	updates := map[string]interface{}{
		"thumbnail_path":         thumbPath,
		"thumbnail_processed_at": now,
	}
	return r.update(ctx, id, "thumbnail result", updates)
}

// MetadataResult is what the metadata stage persists.
type MetadataResult struct {
	Metadata       models.Metadata
	TakenAt        *int64
	Width          int
	Height         int
	PerceptualHash *string
}

// UpdateMetadataResult stores extracted metadata and marks the image ok
func (r *ImageRepository) UpdateMetadataResult(ctx context.Context, id uint, res MetadataResult) error {
	now := time.Now().Unix()
	updates := map[string]interface{}{
		"taken_at":              res.TakenAt,
		"perceptual_hash":       res.PerceptualHash,
		"status":                database.ImageStatusOK,
		"last_error":            gorm.Expr("NULL"),
		"metadata_processed_at": now,
	}
	if res.Width > 0 && res.Height > 0 {
		updates["width"] = res.Width
		updates["height"] = res.Height
	}
	// map updates bypass the json serializer
	updates["metadata"] = gorm.Expr("?", mustJSON(res.Metadata))
	return r.update(ctx, id, "metadata result", updates)
}

// LinkParent points id at parentID as its duplicate representative. The
// write only happens while id represents nobody and parentID is itself a
// root, so grouping stays two levels deep even if the caller's candidate
// went stale. It reports whether the link was stored.
func (r *ImageRepository) LinkParent(ctx context.Context, id, parentID uint) (bool, error) {
	if id == parentID {
		return false, nil
	}
	result := r.DB.WithContext(ctx).Model(&models.Image{}).
		Where("id = ?", id).
		Where("NOT EXISTS (SELECT 1 FROM images AS c WHERE c.parent_id = ?)", id).
		Where("EXISTS (SELECT 1 FROM images AS p WHERE p.id = ? AND p.parent_id IS NULL)", parentID).
		Update("parent_id", parentID)
	if result.Error != nil {
		return false, fmt.Errorf("failed to link image %d to parent %d: %w", id, parentID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkNotPhoto flags a file that could not be decoded as an image
func (r *ImageRepository) MarkNotPhoto(ctx context.Context, id uint, cause error) error {
	updates := map[string]interface{}{
		"status":                database.ImageStatusNotPhoto,
		"last_error":            errorText(cause),
		"metadata_processed_at": time.Now().Unix(),
	}
	return r.update(ctx, id, "not_photo status", updates)
}

// SetGeolocationPoint links the image to a resolved point
func (r *ImageRepository) SetGeolocationPoint(ctx context.Context, id, pointID uint) error {
	updates := map[string]interface{}{
		"geolocation_point_id":     pointID,
		"geolocation_processed_at": time.Now().Unix(),
	}
	return r.update(ctx, id, "geolocation point", updates)
}

// MarkFacesProcessed stamps the face stage completion time
func (r *ImageRepository) MarkFacesProcessed(ctx context.Context, id uint) error {
	return r.update(ctx, id, "face processed time", map[string]interface{}{"face_processed_at": time.Now().Unix()})
}

// SetStatus changes the lifecycle status, e.g. to recheck before re-dispatching
func (r *ImageRepository) SetStatus(ctx context.Context, id uint, status string) error {
	return r.update(ctx, id, "status", map[string]interface{}{"status": status})
}

// RecordFailure stores a permanent stage failure on the image. It satisfies
// pipeline.FailureRecorder.
func (r *ImageRepository) RecordFailure(ctx context.Context, id uint, stage string, cause error) error {
	msg := stage + ": " + errorText(cause)
	return r.update(ctx, id, "last error", map[string]interface{}{"last_error": msg})
}

// ListDuplicateCandidates returns root images, other than excludeID, that carry
// a perceptual hash or share the content hash.
func (r *ImageRepository) ListDuplicateCandidates(ctx context.Context, excludeID uint, contentHash string) ([]models.Image, error) {
	var images []models.Image
	err := r.DB.WithContext(ctx).
		Select("id", "hash", "perceptual_hash", "parent_id").
		Where("id <> ? AND parent_id IS NULL", excludeID).
		Where("perceptual_hash IS NOT NULL OR hash = ?", contentHash).
		Order("id ASC").
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate candidates: %w", err)
	}
	return images, nil
}

// HasChildren reports whether any image points to id as its parent
func (r *ImageRepository) HasChildren(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := r.DB.WithContext(ctx).Model(&models.Image{}).Where("parent_id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count children of image %d: %w", id, err)
	}
	return count > 0, nil
}

// ListByStatus returns images in the given lifecycle statuses
func (r *ImageRepository) ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.Image, error) {
	var images []models.Image
	q := r.DB.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list images by status: %w", err)
	}
	return images, nil
}

func (r *ImageRepository) update(ctx context.Context, id uint, what string, updates map[string]interface{}) error {
	result := r.DB.WithContext(ctx).Model(&models.Image{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s for image %d: %w", what, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
