package media

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/camden-git/mediapipeline/geo"
)

func TestGoexifExtractorWithoutExif(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.jpg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(f, gradient(40, 30), nil); err != nil {
		t.Fatal(err)
	}
	f.Close()

	meta, err := NewGoexifExtractor(nil).Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if meta[KeyImageWidth] != 40 || meta[KeyImageHeight] != 30 {
		t.Fatalf("dimensions = %v x %v", meta[KeyImageWidth], meta[KeyImageHeight])
	}
	if geo.HasCoordinates(meta) {
		t.Fatal("plain JPEG should not report coordinates")
	}
}

func TestGoexifExtractorMissingFile(t *testing.T) {
	if _, err := NewGoexifExtractor(nil).Extract(context.Background(), filepath.Join(t.TempDir(), "nope.jpg")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
