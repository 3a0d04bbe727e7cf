// Package geo holds the pure coordinate and polygon helpers used by the
// geolocation resolver.
package geo

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/camden-git/mediapipeline/models"
)

// metadata keys understood by ExtractCoordinates
const (
	KeyLatitude     = "GPSLatitude"
	KeyLongitude    = "GPSLongitude"
	KeyLatitudeRef  = "GPSLatitudeRef"
	KeyLongitudeRef = "GPSLongitudeRef"
	KeyPosition     = "GPSPosition"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// ExtractCoordinates reads a coordinate pair from extracted metadata. The
// discrete latitude/longitude keys are tried first, then the combined
// position string; the first form that yields a valid pair wins.
func ExtractCoordinates(meta models.Metadata) (Coordinates, bool) {
	if len(meta) == 0 {
		return Coordinates{}, false
	}
	if c, ok := discrete(meta); ok {
		return c, true
	}
	if c, ok := position(meta); ok {
		return c, true
	}
	return Coordinates{}, false
}

// HasCoordinates reports whether meta carries a usable coordinate pair.
func HasCoordinates(meta models.Metadata) bool {
	_, ok := ExtractCoordinates(meta)
	return ok
}

func discrete(meta models.Metadata) (Coordinates, bool) {
	lat, ok := toFloat(meta[KeyLatitude])
	if !ok {
		return Coordinates{}, false
	}
	lon, ok := toFloat(meta[KeyLongitude])
	if !ok {
		return Coordinates{}, false
	}
	if ref, _ := meta[KeyLatitudeRef].(string); strings.EqualFold(strings.TrimSpace(ref), "S") && lat > 0 {
		lat = -lat
	}
	if ref, _ := meta[KeyLongitudeRef].(string); strings.EqualFold(strings.TrimSpace(ref), "W") && lon > 0 {
		lon = -lon
	}
	c := Coordinates{Latitude: lat, Longitude: lon}
	return c, c.Valid()
}

func position(meta models.Metadata) (Coordinates, bool) {
	raw, ok := meta[KeyPosition].(string)
	if !ok {
		return Coordinates{}, false
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) != 2 {
		return Coordinates{}, false
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Coordinates{}, false
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Coordinates{}, false
	}
	c := Coordinates{Latitude: lat, Longitude: lon}
	return c, c.Valid()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// BoundingBox is an axis-aligned latitude/longitude box.
type BoundingBox struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

func (b BoundingBox) Contains(c Coordinates) bool {
	return c.Latitude >= b.LatMin && c.Latitude <= b.LatMax && c.Longitude >= b.LonMin && c.Longitude <= b.LonMax
}

// Polygon returns the box as a closed ring.
func (b BoundingBox) Polygon() models.Polygon {
	return BoundingBoxPolygon(b.LatMin, b.LatMax, b.LonMin, b.LonMax)
}

// BoundingBoxPolygon builds a closed ring of [longitude, latitude] vertices.
// The first and last vertex are identical.
func BoundingBoxPolygon(latMin, latMax, lonMin, lonMax float64) models.Polygon {
	return models.Polygon{
		{lonMin, latMin},
		{lonMax, latMin},
		{lonMax, latMax},
		{lonMin, latMax},
		{lonMin, latMin},
	}
}

// PolygonContains reports whether c lies inside or on the boundary of ring,
// using ray casting. The ring's vertices are [longitude, latitude].
func PolygonContains(ring models.Polygon, c Coordinates) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	x, y := c.Longitude, c.Latitude
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if onSegment(x, y, xi, yi, xj, yj) {
			return true
		}
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func onSegment(x, y, x1, y1, x2, y2 float64) bool {
	const eps = 1e-12
	cross := (x-x1)*(y2-y1) - (y-y1)*(x2-x1)
	if math.Abs(cross) > eps {
		return false
	}
	return x >= math.Min(x1, x2)-eps && x <= math.Max(x1, x2)+eps &&
		y >= math.Min(y1, y2)-eps && y <= math.Max(y1, y2)+eps
}
