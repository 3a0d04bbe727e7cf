package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/models"
)

// FaceRepository handles database operations for Face entities
type FaceRepository struct {
	DB *gorm.DB
}

// NewFaceRepository creates a new instance of FaceRepository
func NewFaceRepository(db *gorm.DB) *FaceRepository {
	return &FaceRepository{DB: db}
}

// WithTx returns a repository bound to tx.
func (r *FaceRepository) WithTx(tx *gorm.DB) *FaceRepository {
	return &FaceRepository{DB: tx}
}

// Create creates a new face record in the database
func (r *FaceRepository) Create(ctx context.Context, face *models.Face) error {
	now := time.Now().Unix()
	if face.CreatedAt == 0 {
		face.CreatedAt = now
	}
	face.UpdatedAt = now
	if face.Status == "" {
		face.Status = database.FaceStatusProcess
	}

	if err := r.DB.WithContext(ctx).Create(face).Error; err != nil {
		return fmt.Errorf("failed to create face %d for image %d: %w", face.Index, face.ImageID, err)
	}
	return nil
}

// GetByID retrieves a face by its ID
func (r *FaceRepository) GetByID(ctx context.Context, id uint) (*models.Face, error) {
	var face models.Face
	err := r.DB.WithContext(ctx).First(&face, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get face by ID %d: %w", id, err)
	}
	return &face, nil
}

// ListByImage retrieves all faces of an image ordered by their index
func (r *FaceRepository) ListByImage(ctx context.Context, imageID uint) ([]models.Face, error) {
	var faces []models.Face
	err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("face_index ASC, id ASC").Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list faces for image %d: %w", imageID, err)
	}
	return faces, nil
}

// ListUnconfirmedByImage returns the faces DeleteUnconfirmedByImage would remove
func (r *FaceRepository) ListUnconfirmedByImage(ctx context.Context, imageID uint) ([]models.Face, error) {
	var faces []models.Face
	err := r.DB.WithContext(ctx).
		Where("image_id = ? AND status <> ? AND person_id IS NULL", imageID, database.FaceStatusOK).
		Order("id ASC").
		Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed faces for image %d: %w", imageID, err)
	}
	return faces, nil
}

// DeleteUnconfirmedByImage soft deletes the faces of an image that were
// neither confirmed nor tagged, so a re-run of detection starts clean.
// Returns the number of faces deleted
func (r *FaceRepository) DeleteUnconfirmedByImage(ctx context.Context, imageID uint) (int64, error) {
	result := r.DB.WithContext(ctx).
		Where("image_id = ? AND status <> ? AND person_id IS NULL", imageID, database.FaceStatusOK).
		Delete(&models.Face{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete unconfirmed faces for image %d: %w", imageID, result.Error)
	}
	return result.RowsAffected, nil
}

// ConfirmedRoots returns confirmed, encoding-bearing group representatives
// that belong to any image other than excludeImageID.
func (r *FaceRepository) ConfirmedRoots(ctx context.Context, excludeImageID uint) ([]models.Face, error) {
	var faces []models.Face
	err := r.DB.WithContext(ctx).
		Where("status = ? AND parent_id IS NULL AND encoding IS NOT NULL", database.FaceStatusOK).
		Where("image_id <> ?", excludeImageID).
		Order("id ASC").
		Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed root faces: %w", err)
	}
	return faces, nil
}

// ChildrenOf lists the faces grouped under the representative id
func (r *FaceRepository) ChildrenOf(ctx context.Context, id uint) ([]models.Face, error) {
	var faces []models.Face
	if err := r.DB.WithContext(ctx).Where("parent_id = ?", id).Order("id ASC").Find(&faces).Error; err != nil {
		return nil, fmt.Errorf("failed to list children of face %d: %w", id, err)
	}
	return faces, nil
}

// CountChildren counts the faces grouped under id
func (r *FaceRepository) CountChildren(ctx context.Context, id uint) (int64, error) {
	var count int64
	if err := r.DB.WithContext(ctx).Model(&models.Face{}).Where("parent_id = ?", id).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count children of face %d: %w", id, err)
	}
	return count, nil
}

// SetParent points the face at a representative, or clears the link when parentID is nil
func (r *FaceRepository) SetParent(ctx context.Context, id uint, parentID *uint) error {
	var value interface{} = gorm.Expr("NULL")
	if parentID != nil {
		value = *parentID
	}
	return r.update(ctx, id, "parent", map[string]interface{}{"parent_id": value})
}

// ReparentChildren moves every child of from under to. Returns the number moved
func (r *FaceRepository) ReparentChildren(ctx context.Context, from, to uint) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&models.Face{}).
		Where("parent_id = ? AND id <> ?", from, to).
		Updates(map[string]interface{}{"parent_id": to, "updated_at": time.Now().Unix()})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to move children of face %d to %d: %w", from, to, result.Error)
	}
	return result.RowsAffected, nil
}

// Confirm marks the face as a confirmed member of personID
func (r *FaceRepository) Confirm(ctx context.Context, id, personID uint) error {
	updates := map[string]interface{}{
		"person_id": personID,
		"status":    database.FaceStatusOK,
	}
	return r.update(ctx, id, "confirmation", updates)
}

// SetPerson tags the face with personID, or untags it when personID is nil
func (r *FaceRepository) SetPerson(ctx context.Context, id uint, personID *uint) error {
	var value interface{} = gorm.Expr("NULL")
	if personID != nil {
		value = *personID
	}
	return r.update(ctx, id, "person", map[string]interface{}{"person_id": value})
}

// SetStatus changes a face's lifecycle status
func (r *FaceRepository) SetStatus(ctx context.Context, id uint, status string) error {
	return r.update(ctx, id, "status", map[string]interface{}{"status": status})
}

// ConfirmedByPerson lists the confirmed, encoding-bearing faces of a person
func (r *FaceRepository) ConfirmedByPerson(ctx context.Context, personID uint) ([]models.Face, error) {
	var faces []models.Face
	err := r.DB.WithContext(ctx).
		Where("person_id = ? AND status = ? AND encoding IS NOT NULL", personID, database.FaceStatusOK).
		Order("id ASC").
		Find(&faces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed faces for person %d: %w", personID, err)
	}
	return faces, nil
}

func (r *FaceRepository) update(ctx context.Context, id uint, what string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().Unix()
	result := r.DB.WithContext(ctx).Model(&models.Face{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s of face %d: %w", what, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
