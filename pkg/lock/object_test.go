package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/blob"
)

func newTestObjectLocker(t *testing.T, store blob.Store, opts ...ObjectOption) *ObjectLocker {
	t.Helper()
	l, err := NewObjectLocker(store, "locks", zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to create object locker: %v", err)
	}
	return l
}

func newTestBlobStore(t *testing.T) blob.Store {
	t.Helper()
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	return store
}

func TestObjectAcquireRelease(t *testing.T) {
	store := newTestBlobStore(t)
	l := newTestObjectLocker(t, store)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// Marker lives at <prefix>/<path>.lock.
	if _, err := store.Stat(ctx, "locks/app/prod.lock"); err != nil {
		t.Errorf("expected lock object: %v", err)
	}

	if err := l.Release(ctx, "app/prod"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	locked, _ := l.IsLocked(ctx, "app/prod")
	if locked {
		t.Error("expected unlocked after release")
	}
}

func TestObjectMutualExclusion(t *testing.T) {
	store := newTestBlobStore(t)
	a := newTestObjectLocker(t, store, WithObjectPollInterval(10*time.Millisecond))
	b := newTestObjectLocker(t, store, WithObjectPollInterval(10*time.Millisecond))
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
}

func TestObjectStaleReclaim(t *testing.T) {
	store := newTestBlobStore(t)
	a := newTestObjectLocker(t, store, WithObjectStaleThreshold(50*time.Millisecond))
	b := newTestObjectLocker(t, store,
		WithObjectStaleThreshold(50*time.Millisecond),
		WithObjectPollInterval(10*time.Millisecond))
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "app/prod", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(80 * time.Millisecond)

	ok, err = b.Acquire(ctx, "app/prod", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("reclaim acquire failed: ok=%v err=%v", ok, err)
	}

	meta, err := b.readMetadata(ctx, "app/prod")
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if meta.OwnerID != b.OwnerID() {
		t.Errorf("expected marker owned by reclaimer, got %s", meta.OwnerID)
	}
	if meta.Generation != 2 {
		t.Errorf("expected generation 2 after reclaim, got %d", meta.Generation)
	}

	// The original holder's release is now a no-op.
	_ = a.Release(ctx, "app/prod")
	locked, _ := b.IsLocked(ctx, "app/prod")
	if !locked {
		t.Error("stale original holder must not release the reclaimed lock")
	}
}

func TestObjectForceRelease(t *testing.T) {
	store := newTestBlobStore(t)
	a := newTestObjectLocker(t, store)
	b := newTestObjectLocker(t, store)
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
		t.Error("expected unlocked after force release")
	}
}
