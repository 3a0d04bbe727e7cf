package media

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"
)

var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// IsRasterImage checks if the filename has a common raster image extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

// IsThumbnailMethod reports whether method is one of ThumbnailMethods
func IsThumbnailMethod(method string) bool {
	for _, m := range ThumbnailMethods {
		if m == method {
			return true
		}
	}
	return false
}

// FileFingerprint is what registration needs to know about a file's content.
type FileFingerprint struct {
	Hash   string // md5, 32 lowercase hex characters
	Width  int
	Height int
	Size   int64
}

// Fingerprint hashes r and reads the image dimensions from its header in
// one pass. Width and Height stay zero when the header can't be decoded.
func Fingerprint(r io.Reader) (FileFingerprint, error) {
	h := md5.New()
	counter := &countingWriter{}
	tee := io.TeeReader(r, io.MultiWriter(h, counter))

	var fp FileFingerprint
	if cfg, _, err := image.DecodeConfig(tee); err == nil {
		fp.Width, fp.Height = cfg.Width, cfg.Height
	}
	// drain whatever the header decoder didn't consume
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return FileFingerprint{}, fmt.Errorf("failed to read file content: %w", err)
	}
	fp.Hash = hex.EncodeToString(h.Sum(nil))
	fp.Size = counter.n
	return fp, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
