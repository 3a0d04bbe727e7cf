package stages

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/clients/geocoder"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/services"
)

// GeolocationHandler links an image to the point its coordinates resolve to.
type GeolocationHandler struct {
	guard
	resolver *services.GeolocationResolver
}

func NewGeolocationHandler(d Deps) *GeolocationHandler {
	return &GeolocationHandler{guard: newGuard(d, pipeline.StageGeolocation), resolver: d.Geolocation}
}

func (h *GeolocationHandler) Handle(ctx context.Context, p pipeline.GeolocationPayload) error {
	if h.resolver == nil {
		return pipeline.Fatal(errors.New("geolocation stage has no resolver"))
	}
	return h.run(ctx, h.key(p.ImageID), func(ctx context.Context) error {
		point, how, err := h.resolver.Resolve(ctx, p.ImageID, p.Metadata)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrNoCoordinates),
			errors.Is(err, geocoder.ErrNoResult),
			errors.Is(err, gorm.ErrRecordNotFound):
			return pipeline.Fatal(err)
		default:
			// transient geocoder failures report Temporary() and are retried
			return err
		}
		h.logger.Debug("resolved geolocation",
			zap.Uint("image_id", p.ImageID),
			zap.Uint("point_id", point.ID),
			zap.String("resolution", string(how)))
		return nil
	})
}
