// Package testsupport holds helpers shared by package tests.
package testsupport

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/mediapipeline/config"
	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/models"
)

// OpenDB opens a migrated sqlite database in a temp directory.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "pipeline.db"), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

// Disks creates two temp roots, "originals" and "thumbnails".
func Disks(t testing.TB) map[string]string {
	t.Helper()
	base := t.TempDir()
	disks := map[string]string{
		"originals":  filepath.Join(base, "originals"),
		"thumbnails": filepath.Join(base, "thumbnails"),
	}
	for _, dir := range disks {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return disks
}

// WriteJPEG writes a w x h gradient JPEG at root/rel and returns its absolute path.
func WriteJPEG(t testing.TB, root, rel string, w, h int) string {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	f, err := os.Create(full)
	if err != nil {
		t.Fatalf("create %s: %v", full, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return full
}

// NewImage inserts an image row with sensible defaults.
func NewImage(t testing.TB, db *gorm.DB, disk, path, filename string) *models.Image {
	t.Helper()
	img := &models.Image{
		Disk:     disk,
		Path:     path,
		Filename: filename,
		Hash:     "0123456789abcdef0123456789abcdef",
		Width:    64,
		Height:   48,
		Size:     1024,
		Status:   database.ImageStatusProcess,
	}
	if err := db.Create(img).Error; err != nil {
		t.Fatalf("create image: %v", err)
	}
	return img
}

// NewPerson inserts an identity.
func NewPerson(t testing.TB, db *gorm.DB, name string) *models.Person {
	t.Helper()
	p := &models.Person{PrimaryName: name}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create person: %v", err)
	}
	return p
}

// NewFace inserts a face with the given encoding and status.
func NewFace(t testing.TB, db *gorm.DB, imageID uint, index int, encoding []float32, status string) *models.Face {
	t.Helper()
	f := &models.Face{ImageID: imageID, Index: index, Status: status}
	f.SetEncoding(encoding)
	if err := db.Create(f).Error; err != nil {
		t.Fatalf("create face: %v", err)
	}
	return f
}

// Vector returns a dim-length vector with v at index 0 and zeros elsewhere.
func Vector(dim int, v float32) []float32 {
	vec := make([]float32, dim)
	vec[0] = v
	return vec
}

// Config returns a queued-mode configuration over disks with short lock
// waits so contention tests finish quickly.
func Config(disks map[string]string) config.Config {
	stage := func(queue string) config.StageSettings {
		return config.StageSettings{Queue: queue, LockWait: 200 * time.Millisecond, LockHold: time.Minute, RetryDelay: time.Second}
	}
	return config.Config{
		Disks:           disks,
		SourceDisk:      "originals",
		PipelineMode:    config.ModeQueued,
		ThumbnailDisk:   "thumbnails",
		ThumbnailMethod: "cover",
		ThumbnailWidth:  64,
		ThumbnailHeight: 64,
		NumWorkers:      1,
		MaxAttempts:     3,
		PollInterval:    10 * time.Millisecond,
		Stages: map[string]config.StageSettings{
			"image":       stage("images"),
			"thumbnail":   stage("thumbnails"),
			"metadata":    stage("metadata"),
			"geolocation": stage("geolocation"),
			"face":        stage("faces"),
		},
		LockBackend:          config.LockBackendDatabase,
		MetadataExtractor:    config.ExtractorGoexif,
		FaceEncoder:          config.FaceEncoderHTTP,
		FaceEncodingDim:      128,
		DuplicateMaxDistance: 6,
		LedgerStaleAge:       time.Hour,
	}
}
