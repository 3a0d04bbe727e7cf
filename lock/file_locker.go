package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// FileLocker takes advisory flocks in a shared directory. It only serializes
// workers on one host, and the hold duration is not enforced: a lock lives
// until Release or until the holding process exits.
type FileLocker struct {
	dir          string
	pollInterval time.Duration
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory '%s': %w", dir, err)
	}
	return &FileLocker{dir: dir, pollInterval: defaultPollInterval}, nil
}

func (l *FileLocker) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_", string(os.PathSeparator), "_").Replace(key)
	return filepath.Join(l.dir, name+".lock")
}

func (l *FileLocker) Acquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (*Handle, error) {
	fl := flock.New(l.path(key))

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ok, err := fl.TryLockContext(waitCtx, l.pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockTimeout
	}

	h := &Handle{Key: key, Token: uuid.NewString(), AcquiredAt: time.Now()}
	h.unlock = func(context.Context) error {
		if err := fl.Unlock(); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", key, err)
		}
		return nil
	}
	return h, nil
}

func (l *FileLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.unlock == nil {
		return nil
	}
	return h.unlock(ctx)
}
