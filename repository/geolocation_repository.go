package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/models"
)

// GeolocationRepository handles database operations for geolocation points and addresses
type GeolocationRepository struct {
	DB *gorm.DB
}

// NewGeolocationRepository creates a new instance of GeolocationRepository
func NewGeolocationRepository(db *gorm.DB) *GeolocationRepository {
	return &GeolocationRepository{DB: db}
}

// WithTx returns a repository bound to tx.
func (r *GeolocationRepository) WithTx(tx *gorm.DB) *GeolocationRepository {
	return &GeolocationRepository{DB: tx}
}

// PointByCoordinates returns the point stored for exactly these coordinates
func (r *GeolocationRepository) PointByCoordinates(ctx context.Context, lat, lon float64) (*models.GeolocationPoint, error) {
	var point models.GeolocationPoint
	err := r.DB.WithContext(ctx).Where("latitude = ? AND longitude = ?", lat, lon).First(&point).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get point (%f, %f): %w", lat, lon, err)
	}
	return &point, nil
}

// CandidateAddresses returns the addresses whose bounding box contains the
// coordinates, smallest box first. Callers refine with the stored polygon.
func (r *GeolocationRepository) CandidateAddresses(ctx context.Context, lat, lon float64) ([]models.GeolocationAddress, error) {
	query, args, err := database.Builder.
		Select("*").
		From("geolocation_addresses").
		Where(sq.LtOrEq{"lat_min": lat}).
		Where(sq.GtOrEq{"lat_max": lat}).
		Where(sq.LtOrEq{"lon_min": lon}).
		Where(sq.GtOrEq{"lon_max": lon}).
		OrderBy("(lat_max - lat_min) * (lon_max - lon_min) ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build address candidate query: %w", err)
	}

	var addresses []models.GeolocationAddress
	if err := r.DB.WithContext(ctx).Raw(query, args...).Scan(&addresses).Error; err != nil {
		return nil, fmt.Errorf("failed to find addresses containing (%f, %f): %w", lat, lon, err)
	}
	return addresses, nil
}

// AddressBySourceID returns the address with the given external identifier
func (r *GeolocationRepository) AddressBySourceID(ctx context.Context, sourceID string) (*models.GeolocationAddress, error) {
	var address models.GeolocationAddress
	err := r.DB.WithContext(ctx).Where("source_id = ?", sourceID).First(&address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get address %s: %w", sourceID, err)
	}
	return &address, nil
}

// CreateAddress inserts the address unless one with the same source id
// exists, and returns the stored row either way.
func (r *GeolocationRepository) CreateAddress(ctx context.Context, address *models.GeolocationAddress) (*models.GeolocationAddress, error) {
	if address.CreatedAt == 0 {
		address.CreatedAt = time.Now().Unix()
	}
	err := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "source_id"}}, DoNothing: true}).
		Create(address).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create address %s: %w", address.SourceID, err)
	}
	return r.AddressBySourceID(ctx, address.SourceID)
}

// CreatePoint inserts the point unless the coordinates are already stored,
// and returns the stored row either way.
func (r *GeolocationRepository) CreatePoint(ctx context.Context, point *models.GeolocationPoint) (*models.GeolocationPoint, error) {
	if point.CreatedAt == 0 {
		point.CreatedAt = time.Now().Unix()
	}
	err := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "latitude"}, {Name: "longitude"}}, DoNothing: true}).
		Create(point).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create point (%f, %f): %w", point.Latitude, point.Longitude, err)
	}
	return r.PointByCoordinates(ctx, point.Latitude, point.Longitude)
}

// CountAddresses returns the number of stored addresses
func (r *GeolocationRepository) CountAddresses(ctx context.Context) (int64, error) {
	var count int64
	if err := r.DB.WithContext(ctx).Model(&models.GeolocationAddress{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count addresses: %w", err)
	}
	return count, nil
}
