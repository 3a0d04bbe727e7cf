package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/logging"
	"github.com/camden-git/mediapipeline/models"
)

// ExiftoolError is a failed exiftool run. Timeouts are temporary.
type ExiftoolError struct {
	Err     error
	Stderr  string
	timeout bool
}

func (e *ExiftoolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exiftool: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("exiftool: %v", e.Err)
}

func (e *ExiftoolError) Unwrap() error { return e.Err }

// Temporary reports whether a retry may succeed.
func (e *ExiftoolError) Temporary() bool { return e.timeout }

// ExiftoolExtractor shells out to the exiftool binary with numeric output,
// which prints signed GPSLatitude/GPSLongitude and a "lat lon" GPSPosition.
type ExiftoolExtractor struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewExiftoolExtractor(binary string, timeout time.Duration, logger *zap.Logger) *ExiftoolExtractor {
	logger = logging.OrNop(logger)
	if binary == "" {
		binary = "exiftool"
	}
	return &ExiftoolExtractor{binary: binary, timeout: timeout, logger: logger.Named("exiftool")}
}

func (e *ExiftoolExtractor) Extract(ctx context.Context, path string) (models.Metadata, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binary, "-json", "-n", "-q", "--", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	e.logger.Debug("exiftool finished", zap.String("path", path), zap.Duration("took", time.Since(start)), zap.Error(err))
	if err != nil {
		return nil, &ExiftoolError{
			Err:     err,
			Stderr:  string(bytes.TrimSpace(stderr.Bytes())),
			timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
	}

	var entries []models.Metadata
	dec := json.NewDecoder(&stdout)
	dec.UseNumber()
	if err := dec.Decode(&entries); err != nil {
		return nil, &ExiftoolError{Err: fmt.Errorf("malformed output: %w", err)}
	}
	if len(entries) == 0 {
		return nil, &ExiftoolError{Err: errors.New("no result for file")}
	}
	meta := entries[0]
	delete(meta, "SourceFile")
	return meta, nil
}
