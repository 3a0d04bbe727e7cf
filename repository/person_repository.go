package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/models"
)

// PersonRepository handles database operations for Person entities
type PersonRepository struct {
	DB *gorm.DB
}

// NewPersonRepository creates a new instance of PersonRepository
func NewPersonRepository(db *gorm.DB) *PersonRepository {
	return &PersonRepository{DB: db}
}

// WithTx returns a repository bound to tx.
func (r *PersonRepository) WithTx(tx *gorm.DB) *PersonRepository {
	return &PersonRepository{DB: tx}
}

// Create creates a new person record in the database
func (r *PersonRepository) Create(ctx context.Context, person *models.Person) error {
	now := time.Now().Unix()
	if person.CreatedAt == 0 {
		person.CreatedAt = now
	}
	if person.UpdatedAt == 0 {
		person.UpdatedAt = now
	}

	if err := r.DB.WithContext(ctx).Create(person).Error; err != nil {
		return fmt.Errorf("failed to create person %s: %w", person.PrimaryName, err)
	}
	return nil
}

// GetByID retrieves a person by their ID
func (r *PersonRepository) GetByID(ctx context.Context, id uint) (*models.Person, error) {
	var person models.Person
	err := r.DB.WithContext(ctx).First(&person, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get person by ID %d: %w", id, err)
	}
	return &person, nil
}

// ListAll retrieves all people, ordered by id
func (r *PersonRepository) ListAll(ctx context.Context) ([]models.Person, error) {
	var people []models.Person
	if err := r.DB.WithContext(ctx).Order("id ASC").Find(&people).Error; err != nil {
		return nil, fmt.Errorf("failed to list people: %w", err)
	}
	return people, nil
}

// ListWithCentroid retrieves the people whose centroid is defined
func (r *PersonRepository) ListWithCentroid(ctx context.Context) ([]models.Person, error) {
	var people []models.Person
	err := r.DB.WithContext(ctx).
		Where("embeddings_count > 0 AND centroid IS NOT NULL").
		Order("id ASC").
		Find(&people).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list people with centroid: %w", err)
	}
	return people, nil
}

// UpdateCentroid stores a recomputed centroid and its member count
func (r *PersonRepository) UpdateCentroid(ctx context.Context, id uint, centroid []float32, count int) error {
	updates := map[string]interface{}{
		"centroid":         models.EncodeVector(centroid),
		"embeddings_count": count,
	}
	return r.update(ctx, id, updates)
}

// ClearCentroid resets a person without confirmed faces
func (r *PersonRepository) ClearCentroid(ctx context.Context, id uint) error {
	updates := map[string]interface{}{
		"centroid":         gorm.Expr("NULL"),
		"embeddings_count": 0,
	}
	return r.update(ctx, id, updates)
}

func (r *PersonRepository) update(ctx context.Context, id uint, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().Unix()
	result := r.DB.WithContext(ctx).Model(&models.Person{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update centroid of person %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
