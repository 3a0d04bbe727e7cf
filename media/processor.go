package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"path"

	"github.com/disintegration/imaging"
)

const (
	ThumbnailJpegQuality   = 90
	ThumbnailFileExtension = ".jpg"
)

// ThumbnailFilename is the deterministic name of an asset's thumbnail, so a
// re-run overwrites rather than accumulates files.
func ThumbnailFilename(imageID uint, width, height int, method string) string {
	return fmt.Sprintf("%d_%dx%d_%s%s", imageID, width, height, method, ThumbnailFileExtension)
}

// ThumbnailDir is where thumbnails of assets in srcDisk/srcPath are stored.
func ThumbnailDir(prefix, srcDisk, srcPath string) string {
	return path.Join(prefix, srcDisk, srcPath)
}

// Fit resizes img into a width x height box using one of the thumbnail methods.
func Fit(img image.Image, method string, width, height int) (image.Image, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid thumbnail box %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid original image dimensions: %dx%d", b.Dx(), b.Dy())
	}

	switch method {
	case MethodCover:
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos), nil
	case MethodScale:
		return imaging.Fit(img, width, height, imaging.Lanczos), nil
	case MethodResize:
		return imaging.Resize(img, width, height, imaging.Lanczos), nil
	case MethodContain:
		fitted := imaging.Fit(img, width, height, imaging.Lanczos)
		canvas := imaging.New(width, height, color.White)
		return imaging.PasteCenter(canvas, fitted), nil
	default:
		return nil, fmt.Errorf("unknown thumbnail method %q", method)
	}
}

// Processor handles media transformations like thumbnailing. it relies on
// Disks for reading originals and saving the results.
type Processor struct {
	disks *Disks
}

func NewProcessor(disks *Disks) *Processor {
	return &Processor{disks: disks}
}

// ThumbnailRequest describes one thumbnail to render.
type ThumbnailRequest struct {
	SrcDisk     string
	SrcPath     string
	SrcFilename string
	DstDisk     string
	DstPath     string
	DstFilename string
	Method      string
	Width       int
	Height      int
}

// GenerateThumbnail renders the thumbnail and saves it, returning the
// disk-relative path of the result.
func (p *Processor) GenerateThumbnail(req ThumbnailRequest) (string, error) {
	src, err := p.disks.Resolve(req.SrcDisk, req.SrcPath, req.SrcFilename)
	if err != nil {
		return "", err
	}
	original, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode original %s: %w", src, err)
	}

	thumb, err := Fit(original, req.Method, req.Width, req.Height)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(ThumbnailJpegQuality)); err != nil {
		return "", fmt.Errorf("thumbnail encoding failed: %w", err)
	}

	rel := path.Join(req.DstPath, req.DstFilename)
	if _, err := p.disks.Save(req.DstDisk, rel, &buf); err != nil {
		return "", fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return rel, nil
}
