package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/clients/geocoder"
	"github.com/camden-git/mediapipeline/geo"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
	"github.com/camden-git/mediapipeline/repository"
)

// ErrNoCoordinates means the metadata carries no usable coordinate pair.
var ErrNoCoordinates = errors.New("metadata has no usable coordinates")

// ReverseGeocoder resolves coordinates to an address.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (*geocoder.Address, error)
}

// Resolution says how an image's point was found.
type Resolution string

const (
	ResolvedExistingPoint Resolution = "existing-point"
	ResolvedContainment   Resolution = "containment"
	ResolvedExternal      Resolution = "external"
)

// GeolocationResolver maps coordinates to a deduplicated point/address pair
// and links images to it.
type GeolocationResolver struct {
	db       *gorm.DB
	geoRepo  *repository.GeolocationRepository
	geocoder ReverseGeocoder
	logger   *zap.Logger
}

func NewGeolocationResolver(db *gorm.DB, gc ReverseGeocoder, logger *zap.Logger) *GeolocationResolver {
	logger = logging.OrNop(logger)
	return &GeolocationResolver{
		db:       db,
		geoRepo:  repository.NewGeolocationRepository(db),
		geocoder: gc,
		logger:   logger.Named("geolocation"),
	}
}

// Resolve extracts coordinates from meta, finds or creates the matching
// point and links imageID to it. The external geocoder is only consulted
// when neither an identical point nor a containing address is stored.
func (s *GeolocationResolver) Resolve(ctx context.Context, imageID uint, meta models.Metadata) (*models.GeolocationPoint, Resolution, error) {
	c, ok := geo.ExtractCoordinates(meta)
	if !ok {
		return nil, "", ErrNoCoordinates
	}
	log := s.logger.With(zap.Uint("image_id", imageID), zap.Float64("lat", c.Latitude), zap.Float64("lon", c.Longitude))

	point, err := s.geoRepo.PointByCoordinates(ctx, c.Latitude, c.Longitude)
	if err == nil {
		if err := s.link(ctx, imageID, point.ID); err != nil {
			return nil, "", err
		}
		log.Debug("reused existing point", zap.Uint("point_id", point.ID))
		return point, ResolvedExistingPoint, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	address, err := s.containingAddress(ctx, c)
	if err != nil {
		return nil, "", err
	}
	if address != nil {
		point, err := s.createPointAndLink(ctx, imageID, c, nil, address.ID)
		if err != nil {
			return nil, "", err
		}
		log.Debug("resolved by containment", zap.Uint("address_id", address.ID), zap.Uint("point_id", point.ID))
		return point, ResolvedContainment, nil
	}

	resolved, err := s.geocoder.Reverse(ctx, c.Latitude, c.Longitude)
	if err != nil {
		return nil, "", fmt.Errorf("failed to reverse geocode (%f, %f): %w", c.Latitude, c.Longitude, err)
	}
	point, err = s.createPointAndLink(ctx, imageID, c, resolved, 0)
	if err != nil {
		return nil, "", err
	}
	log.Info("resolved by geocoder", zap.String("source_id", resolved.SourceID), zap.Uint("point_id", point.ID))
	return point, ResolvedExternal, nil
}

// containingAddress returns the smallest stored address whose polygon
// contains c, or nil.
func (s *GeolocationResolver) containingAddress(ctx context.Context, c geo.Coordinates) (*models.GeolocationAddress, error) {
	candidates, err := s.geoRepo.CandidateAddresses(ctx, c.Latitude, c.Longitude)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		ring := candidates[i].Polygon
		if len(ring) == 0 {
			ring = geo.BoundingBoxPolygon(candidates[i].LatMin, candidates[i].LatMax, candidates[i].LonMin, candidates[i].LonMax)
		}
		if geo.PolygonContains(ring, c) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// createPointAndLink persists the address (when resolved is set, reusing a
// stored one with the same source id), the point and the image link in one
// transaction.
func (s *GeolocationResolver) createPointAndLink(ctx context.Context, imageID uint, c geo.Coordinates, resolved *geocoder.Address, addressID uint) (*models.GeolocationPoint, error) {
	var point *models.GeolocationPoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		geoRepo := s.geoRepo.WithTx(tx)
		if resolved != nil {
			address, err := geoRepo.AddressBySourceID(ctx, resolved.SourceID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				address, err = geoRepo.CreateAddress(ctx, &models.GeolocationAddress{
					SourceID:    resolved.SourceID,
					DisplayName: resolved.DisplayName,
					LatMin:      resolved.LatMin,
					LatMax:      resolved.LatMax,
					LonMin:      resolved.LonMin,
					LonMax:      resolved.LonMax,
					Polygon:     geo.BoundingBoxPolygon(resolved.LatMin, resolved.LatMax, resolved.LonMin, resolved.LonMax),
					Payload:     models.Metadata(resolved.Payload),
				})
			}
			if err != nil {
				return err
			}
			addressID = address.ID
		}

		var err error
		point, err = geoRepo.CreatePoint(ctx, &models.GeolocationPoint{
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			AddressID: addressID,
		})
		if err != nil {
			return err
		}
		return repository.NewImageRepository(tx).SetGeolocationPoint(ctx, imageID, point.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store geolocation for image %d: %w", imageID, err)
	}
	return point, nil
}

func (s *GeolocationResolver) link(ctx context.Context, imageID, pointID uint) error {
	if err := repository.NewImageRepository(s.db).SetGeolocationPoint(ctx, imageID, pointID); err != nil {
		return fmt.Errorf("failed to link image %d to point %d: %w", imageID, pointID, err)
	}
	return nil
}
