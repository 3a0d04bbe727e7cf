package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/geo"
	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
)

// GoexifExtractor reads EXIF in-process with goexif.
type GoexifExtractor struct {
	logger *zap.Logger
}

func NewGoexifExtractor(logger *zap.Logger) *GoexifExtractor {
	logger = logging.OrNop(logger)
	return &GoexifExtractor{logger: logger.Named("exif")}
}

// helper to safely get and convert a rational tag (like FNumber, FocalLength)
func getRational(x *exif.Exif, name exif.FieldName) (float64, bool) {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		// sometimes stored as Int instead
		v, errInt := tag.Int(0)
		if errInt != nil {
			return 0, false
		}
		return float64(v), true
	}
	return float64(num) / float64(den), true
}

func getInt(x *exif.Exif, name exif.FieldName) (int, bool) {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return 0, false
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return v, true
}

// helper to safely get a string tag, trimming null terminators
func getString(x *exif.Exif, name exif.FieldName) (string, bool) {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return "", false
	}
	v, err := tag.StringVal()
	if err != nil {
		v = strings.Trim(tag.String(), `"`)
	}
	v = strings.TrimSpace(strings.TrimRight(v, "\x00"))
	return v, v != ""
}

// Extract returns the dimensions, camera fields, capture time and GPS
// position of the file. A file without EXIF yields only its dimensions.
func (e *GoexifExtractor) Extract(ctx context.Context, path string) (models.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	meta := models.Metadata{}
	if cfg, format, err := image.DecodeConfig(file); err == nil {
		meta[KeyImageWidth] = cfg.Width
		meta[KeyImageHeight] = cfg.Height
		meta["FileType"] = format
	} else {
		e.logger.Debug("could not decode config for dimensions", zap.String("path", path), zap.Error(err))
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek file %s: %w", path, err)
	}

	x, err := exif.Decode(file)
	if err != nil {
		// not necessarily a failure, the file might just lack EXIF data
		if exif.IsCriticalError(err) || errors.Is(err, io.EOF) {
			e.logger.Debug("no EXIF data", zap.String("path", path), zap.Error(err))
			return meta, nil
		}
		e.logger.Debug("partial EXIF data", zap.String("path", path), zap.Error(err))
	}
	if x == nil {
		return meta, nil
	}

	for key, name := range map[string]exif.FieldName{
		"Make":      exif.Make,
		"Model":     exif.Model,
		"LensMake":  exif.LensMake,
		"LensModel": exif.LensModel,
		"Software":  exif.Software,
	} {
		if v, ok := getString(x, name); ok {
			meta[key] = v
		}
	}
	for key, name := range map[string]exif.FieldName{
		"FNumber":      exif.FNumber,
		"FocalLength":  exif.FocalLength,
		"ExposureTime": exif.ExposureTime,
	} {
		if v, ok := getRational(x, name); ok {
			meta[key] = v
		}
	}
	if v, ok := getInt(x, exif.ISOSpeedRatings); ok {
		meta["ISO"] = v
	}
	if v, ok := getInt(x, exif.Orientation); ok {
		meta["Orientation"] = v
	}

	if dt, err := x.DateTime(); err == nil {
		meta[KeyTakenAt] = dt.Format(ExifTimeLayout)
	}

	if lat, lon, err := x.LatLong(); err == nil {
		c := geo.Coordinates{Latitude: lat, Longitude: lon}
		if c.Valid() {
			meta[geo.KeyLatitude] = lat
			meta[geo.KeyLongitude] = lon
		}
	}

	return meta, nil
}
