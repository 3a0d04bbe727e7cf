package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camden-git/mediapipeline/lock"
	"github.com/camden-git/mediapipeline/metrics"
	"github.com/camden-git/mediapipeline/testsupport"
)

func TestKeyAndFamily(t *testing.T) {
	key := lock.Key("face-processing", 42)
	if key != "face-processing:42" {
		t.Fatalf("Key = %q", key)
	}
	if got := lock.Family(key); got != "face-processing" {
		t.Fatalf("Family = %q", got)
	}
}

func lockers(t *testing.T) map[string]lock.Locker {
	t.Helper()
	fileLocker, err := lock.NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker failed: %v", err)
	}
	return map[string]lock.Locker{
		"database": lock.NewDBLocker(testsupport.OpenDB(t)).WithPollInterval(10 * time.Millisecond),
		"file":     fileLocker,
	}
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := lock.Key("thumbnail-processing", 7)

			h, err := l.Acquire(ctx, key, time.Minute, time.Second)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}

			start := time.Now()
			if _, err := l.Acquire(ctx, key, time.Minute, 150*time.Millisecond); !errors.Is(err, lock.ErrLockTimeout) {
				t.Fatalf("expected ErrLockTimeout, got %v", err)
			}
			if waited := time.Since(start); waited < 100*time.Millisecond {
				t.Fatalf("expected Acquire to block for the wait period, returned after %s", waited)
			}

			other, err := l.Acquire(ctx, lock.Key("thumbnail-processing", 8), time.Minute, time.Second)
			if err != nil {
				t.Fatalf("different key should not contend: %v", err)
			}
			_ = l.Release(ctx, other)

			if err := l.Release(ctx, h); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			again, err := l.Acquire(ctx, key, time.Minute, time.Second)
			if err != nil {
				t.Fatalf("Acquire after release failed: %v", err)
			}
			_ = l.Release(ctx, again)
		})
	}
}

func TestWaiterAcquiresAfterRelease(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := lock.Key("metadata-processing", 1)

			h, err := l.Acquire(ctx, key, time.Minute, time.Second)
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = l.Release(ctx, h)
			}()

			waiter, err := l.Acquire(ctx, key, time.Minute, 5*time.Second)
			if err != nil {
				t.Fatalf("waiter should acquire once the holder releases: %v", err)
			}
			_ = l.Release(ctx, waiter)
		})
	}
}

func TestDBLockerExpiredLeaseIsTakenOver(t *testing.T) {
	l := lock.NewDBLocker(testsupport.OpenDB(t)).WithPollInterval(10 * time.Millisecond)
	ctx := context.Background()
	key := lock.Key("face-processing", 3)

	stale, err := l.Acquire(ctx, key, 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	fresh, err := l.Acquire(ctx, key, time.Minute, time.Second)
	if err != nil {
		t.Fatalf("expected expired lease to be taken over: %v", err)
	}

	// releasing the stale handle must not drop the new owner's lease
	if err := l.Release(ctx, stale); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := l.Acquire(ctx, key, time.Minute, 50*time.Millisecond); !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected lease to still be held by the new owner, got %v", err)
	}
	_ = l.Release(ctx, fresh)
}

func TestReleaseNilHandle(t *testing.T) {
	for name, l := range lockers(t) {
		if err := l.Release(context.Background(), nil); err != nil {
			t.Fatalf("%s: Release(nil) returned %v", name, err)
		}
	}
}

func TestInstrumentedLockerPassesThrough(t *testing.T) {
	l := lock.Instrument(lock.NewDBLocker(testsupport.OpenDB(t)), metrics.New())
	ctx := context.Background()
	h, err := l.Acquire(ctx, lock.Key("face-processing", 9), time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}
