// media/types.go
package media

import (
	"context"

	"github.com/camden-git/mediapipeline/models"
)

// thumbnail fitting methods
const (
	MethodCover   = "cover"   // fill the box, cropping the overflow around the center
	MethodScale   = "scale"   // fit inside the box, keeping the aspect ratio
	MethodResize  = "resize"  // stretch to exactly the box
	MethodContain = "contain" // fit inside the box and pad to its exact size
)

// ThumbnailMethods lists the accepted fitting methods.
var ThumbnailMethods = []string{MethodCover, MethodScale, MethodResize, MethodContain}

// well known metadata keys besides the GPS ones read by the geo package
const (
	KeyTakenAt     = "DateTimeOriginal"
	KeyImageWidth  = "ImageWidth"
	KeyImageHeight = "ImageHeight"
)

// ExifTimeLayout is how EXIF and exiftool print timestamps.
const ExifTimeLayout = "2006:01:02 15:04:05"

// Extractor reads structured metadata from a file on disk.
type Extractor interface {
	Extract(ctx context.Context, path string) (models.Metadata, error)
}

// DetectedFace is one face found by an encoder. Encoding is nil when the
// region could not be embedded.
type DetectedFace struct {
	X1       int       `json:"x1"`
	Y1       int       `json:"y1"`
	X2       int       `json:"x2"`
	Y2       int       `json:"y2"`
	Quality  float32   `json:"quality"` // detector confidence scaled to 0-100
	Encoding []float32 `json:"encoding"`
}

// FaceEncoder finds faces in encoded image bytes and embeds them.
type FaceEncoder interface {
	Encode(ctx context.Context, data []byte) ([]DetectedFace, error)
}

// FaceComparator returns the distance from target to every candidate, in order.
type FaceComparator interface {
	Distances(ctx context.Context, target []float32, candidates [][]float32) ([]float64, error)
}
