package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/camden-git/mediapipeline/logging"
)

var ErrEncoderDisabled = errors.New("local face encoder is not loaded")

// LocalEncoderOptions points at the OpenCV DNN models used by LocalFaceEncoder.
type LocalEncoderOptions struct {
	DetectorConfigPath string // SSD prototxt
	DetectorModelPath  string // SSD caffemodel
	EmbedModelPath     string // ONNX embedding network
	Dimension          int    // expected embedding length
	ConfThreshold      float32
}

// LocalFaceEncoder detects faces with an SSD network and embeds each region
// with a second network, entirely in-process through gocv.
type LocalFaceEncoder struct {
	mu       sync.Mutex // gocv.Net is not safe for concurrent Forward calls
	detector gocv.Net
	embedder gocv.Net
	opts     LocalEncoderOptions
	logger   *zap.Logger
}

// NewLocalFaceEncoder loads both networks. It fails when a model is missing.
func NewLocalFaceEncoder(opts LocalEncoderOptions, logger *zap.Logger) (*LocalFaceEncoder, error) {
	logger = logging.OrNop(logger)
	logger = logger.Named("face-encoder")
	if opts.DetectorConfigPath == "" || opts.DetectorModelPath == "" || opts.EmbedModelPath == "" {
		return nil, fmt.Errorf("%w: detector config, detector model and embedding model paths are required", ErrEncoderDisabled)
	}
	for _, p := range []string{opts.DetectorConfigPath, opts.DetectorModelPath, opts.EmbedModelPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("model file %s: %w", p, err)
		}
	}
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = 0.5
	}

	detector := gocv.ReadNet(opts.DetectorModelPath, opts.DetectorConfigPath)
	if detector.Empty() {
		return nil, fmt.Errorf("failed to load face detection network %s", opts.DetectorModelPath)
	}
	embedder := gocv.ReadNet(opts.EmbedModelPath, "")
	if embedder.Empty() {
		detector.Close()
		return nil, fmt.Errorf("failed to load face embedding network %s", opts.EmbedModelPath)
	}
	preferBackend(&detector, logger)
	preferBackend(&embedder, logger)

	logger.Info("loaded face models",
		zap.String("detector", opts.DetectorModelPath),
		zap.String("embedder", opts.EmbedModelPath))
	return &LocalFaceEncoder{detector: detector, embedder: embedder, opts: opts, logger: logger}, nil
}

func preferBackend(net *gocv.Net, logger *zap.Logger) {
	cudaBackendErr := net.SetPreferableBackend(gocv.NetBackendCUDA)
	cudaTargetErr := net.SetPreferableTarget(gocv.NetTargetCUDA)
	if cudaBackendErr == nil && cudaTargetErr == nil {
		logger.Debug("using CUDA backend")
		return
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	logger.Debug("using CPU backend")
}

func (e *LocalFaceEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detector.Close()
	e.embedder.Close()
}

// Encode decodes the image bytes, detects faces and embeds each one.
func (e *LocalFaceEncoder) Encode(ctx context.Context, data []byte) ([]DetectedFace, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for face detection: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("failed to decode image for face detection")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	boxes := e.detect(img)
	faces := make([]DetectedFace, 0, len(boxes))
	for _, box := range boxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		region := img.Region(image.Rect(box.X1, box.Y1, box.X2, box.Y2))
		embedding := e.embed(region)
		region.Close()
		if len(embedding) != e.opts.Dimension {
			e.logger.Warn("discarding embedding with unexpected length",
				zap.Int("got", len(embedding)), zap.Int("want", e.opts.Dimension))
			embedding = nil
		}
		box.Encoding = embedding
		faces = append(faces, box)
	}
	return faces, nil
}

// detect runs the SSD detector; output rows are [_, _, conf, x1, y1, x2, y2]
// with coordinates relative to the image size.
func (e *LocalFaceEncoder) detect(img gocv.Mat) []DetectedFace {
	h := float32(img.Rows())
	w := float32(img.Cols())

	blob := gocv.BlobFromImage(img, 1.0, image.Pt(300, 300), gocv.NewScalar(104.0, 177.0, 123.0, 0), false, false)
	defer blob.Close()
	e.detector.SetInput(blob, "")
	out := e.detector.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 4 || sizes[2] == 0 {
		return nil
	}
	rows := out.Reshape(1, sizes[2])
	defer rows.Close()

	var faces []DetectedFace
	for i := 0; i < sizes[2]; i++ {
		conf := rows.GetFloatAt(i, 2)
		if conf < e.opts.ConfThreshold {
			continue
		}
		x1 := max(0, rows.GetFloatAt(i, 3)*w)
		y1 := max(0, rows.GetFloatAt(i, 4)*h)
		x2 := min(w, rows.GetFloatAt(i, 5)*w)
		y2 := min(h, rows.GetFloatAt(i, 6)*h)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		faces = append(faces, DetectedFace{
			X1: int(x1), Y1: int(y1), X2: int(x2), Y2: int(y2),
			Quality: conf * 100,
		})
	}
	return faces
}

// embed produces an L2-normalised embedding for one face region.
func (e *LocalFaceEncoder) embed(region gocv.Mat) []float32 {
	if region.Empty() {
		return nil
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(region, &rgb, gocv.ColorBGRToRGB)

	blob := gocv.BlobFromImage(rgb, 1.0/127.5, image.Pt(112, 112), gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()
	e.embedder.SetInput(blob, "")
	out := e.embedder.Forward("")
	defer out.Close()

	flat := out.Reshape(1, 1)
	defer flat.Close()
	vec := make([]float32, flat.Cols())
	for i := range vec {
		vec[i] = flat.GetFloatAt(0, i)
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
