package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLocalLocker(t *testing.T, dir string, opts ...LocalOption) *LocalLocker {
	t.Helper()
	l, err := NewLocalLocker(dir, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	return l
}

func TestLocalAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocalLocker(t, dir)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	locked, err := l.IsLocked(ctx, "app/prod")
	if err != nil {
		t.Fatalf("isLocked failed: %v", err)
	}
	if !locked {
		t.Error("expected path to be locked")
	}

	if err := l.Release(ctx, "app/prod"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	locked, _ = l.IsLocked(ctx, "app/prod")
	if locked {
		t.Error("expected path to be unlocked after release")
	}
}

func TestLocalMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	a := newTestLocalLocker(t, dir, WithLocalPollInterval(10*time.Millisecond))
	b := newTestLocalLocker(t, dir, WithLocalPollInterval(10*time.Millisecond))
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ok, err = b.Acquire(ctx, "app/prod", 100*time.Millisecond)
	if ok {
		t.Fatal("second acquirer should not get a fresh lock")
	}
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("expected ErrAcquireTimeout, got %v", err)
	}

	// After release the second acquirer succeeds.
	_ = a.Release(ctx, "app/prod")
	ok, err = b.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestLocalConcurrentAcquirers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := newTestLocalLocker(t, dir, WithLocalPollInterval(5*time.Millisecond))
			ok, _ := l.Acquire(ctx, "contended", 50*time.Millisecond)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner while marker is fresh, got %d", winners)
	}
}

func TestLocalStaleReclaim(t *testing.T) {
	dir := t.TempDir()
	a := newTestLocalLocker(t, dir, WithLocalStaleThreshold(50*time.Millisecond))
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(80 * time.Millisecond)

	// The second acquirer reclaims the stale marker without waiting
	// for the full timeout.
	b := newTestLocalLocker(t, dir, WithLocalStaleThreshold(50*time.Millisecond))
	start := time.Now()
	ok, err = b.Acquire(ctx, "app/prod", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("reclaim acquire failed: ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stale reclaim took too long: %v", elapsed)
	}

	meta, err := b.readMetadata("app/prod")
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if meta.OwnerID != b.OwnerID() {
		t.Errorf("expected marker owned by reclaimer, got %s", meta.OwnerID)
	}
	if meta.Generation != 2 {
		t.Errorf("expected generation 2 after reclaim, got %d", meta.Generation)
	}
}

func TestLocalReleaseOwnerVerification(t *testing.T) {
	dir := t.TempDir()
	a := newTestLocalLocker(t, dir)
	b := newTestLocalLocker(t, dir)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// A non-owner release is a no-op.
	if err := b.Release(ctx, "app/prod"); err != nil {
		t.Fatalf("non-owner release returned error: %v", err)
	}
	locked, _ := a.IsLocked(ctx, "app/prod")
	if !locked {
		t.Error("non-owner release must not remove the marker")
	}
}

func TestLocalForceRelease(t *testing.T) {
	dir := t.TempDir()
	a := newTestLocalLocker(t, dir)
	b := newTestLocalLocker(t, dir)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	if err := b.ForceRelease(ctx, "app/prod"); err != nil {
		t.Fatalf("force release failed: %v", err)
	}
	locked, _ := a.IsLocked(ctx, "app/prod")
	if locked {
		t.Error("force release must remove the marker regardless of owner")
	}

	// Idempotent on a missing marker.
	if err := b.ForceRelease(ctx, "app/prod"); err != nil {
		t.Errorf("force release on missing marker returned error: %v", err)
	}
}

func TestLocalMarkerLocation(t *testing.T) {
	dir := t.TempDir()
	l := newTestLocalLocker(t, dir)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "app/stage/nested", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	marker := filepath.Join(dir, "app", "stage", "nested", ".lock")
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected marker at %s: %v", marker, err)
	}
}
