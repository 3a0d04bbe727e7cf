package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/camden-git/mediapipeline/geo"
)

// fakeExiftool writes a shell script standing in for the exiftool binary.
func fakeExiftool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "exiftool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake exiftool: %v", err)
	}
	return path
}

func TestExiftoolExtractorParsesNumericOutput(t *testing.T) {
	bin := fakeExiftool(t, `cat <<'JSON'
[{"SourceFile":"a.jpg","Make":"Canon","GPSLatitude":55.7558,"GPSLongitude":37.6173,"GPSPosition":"55.7558 37.6173","DateTimeOriginal":"2023:06:01 12:00:00"}]
JSON`)
	x := NewExiftoolExtractor(bin, 5*time.Second, nil)

	meta, err := x.Extract(context.Background(), "a.jpg")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if _, ok := meta["SourceFile"]; ok {
		t.Fatal("SourceFile should be dropped")
	}
	if meta["Make"] != "Canon" {
		t.Fatalf("Make = %v", meta["Make"])
	}
	c, ok := geo.ExtractCoordinates(meta)
	if !ok || c.Latitude != 55.7558 || c.Longitude != 37.6173 {
		t.Fatalf("coordinates = %+v, %v", c, ok)
	}
}

func TestExiftoolExtractorFailures(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		bin := fakeExiftool(t, `echo "File not found" >&2; exit 1`)
		_, err := NewExiftoolExtractor(bin, time.Second, nil).Extract(context.Background(), "missing.jpg")
		var exErr *ExiftoolError
		if !errors.As(err, &exErr) {
			t.Fatalf("expected ExiftoolError, got %v", err)
		}
		if exErr.Temporary() {
			t.Fatal("a failed run is not temporary")
		}
		if exErr.Stderr != "File not found" {
			t.Fatalf("stderr = %q", exErr.Stderr)
		}
	})

	t.Run("malformed output", func(t *testing.T) {
		bin := fakeExiftool(t, `echo "not json"`)
		if _, err := NewExiftoolExtractor(bin, time.Second, nil).Extract(context.Background(), "a.jpg"); err == nil {
			t.Fatal("expected error for malformed output")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		bin := fakeExiftool(t, `exec sleep 5`)
		_, err := NewExiftoolExtractor(bin, 100*time.Millisecond, nil).Extract(context.Background(), "a.jpg")
		var exErr *ExiftoolError
		if !errors.As(err, &exErr) || !exErr.Temporary() {
			t.Fatalf("expected temporary ExiftoolError, got %v", err)
		}
	})
}
