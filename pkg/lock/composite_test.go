package lock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeLocker is a scripted Locker for composite tests.
type fakeLocker struct {
	mu        sync.Mutex
	failAll   bool
	held      map[string]bool
	acquires  int
	releases  int
	forceRels int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) Acquire(_ context.Context, path string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.failAll {
		return false, fmt.Errorf("backend unavailable")
	}
	if f.held[path] {
		return false, fmt.Errorf("path %s: %w", path, ErrAcquireTimeout)
	}
	f.held[path] = true
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	delete(f.held, path)
	return nil
}

func (f *fakeLocker) IsLocked(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[path], nil
}

func (f *fakeLocker) ForceRelease(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceRels++
	delete(f.held, path)
	return nil
}

func TestCompositePrefersPrimary(t *testing.T) {
	primary := newFakeLocker()
	secondary := newFakeLocker()
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())

	ok, err := c.Acquire(context.Background(), "app", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	if !primary.held["app"] {
		t.Error("expected primary to hold the lock")
	}
	if secondary.held["app"] {
		t.Error("secondary should not hold the lock")
	}
}

func TestCompositeFallsBackOnFailure(t *testing.T) {
	primary := newFakeLocker()
	primary.failAll = true
	secondary := newFakeLocker()
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())

	ok, err := c.Acquire(context.Background(), "app", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	if !secondary.held["app"] {
		t.Error("expected secondary to hold the lock after primary failure")
	}
}

func TestCompositeFallsBackOnContention(t *testing.T) {
	primary := newFakeLocker()
	primary.held["app"] = true // somebody else holds it on the primary
	secondary := newFakeLocker()
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())

	ok, err := c.Acquire(context.Background(), "app", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}
	if !secondary.held["app"] {
		t.Error("expected fallback acquisition on secondary")
	}
}

func TestCompositeReleaseFansOut(t *testing.T) {
	primary := newFakeLocker()
	secondary := newFakeLocker()
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())
	ctx := context.Background()

	ok, _ := c.Acquire(ctx, "app", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := c.Release(ctx, "app"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if primary.releases == 0 || secondary.releases == 0 {
		t.Errorf("release should fan out to both backends: primary=%d secondary=%d",
			primary.releases, secondary.releases)
	}
}

func TestCompositeIsLockedEither(t *testing.T) {
	primary := newFakeLocker()
	secondary := newFakeLocker()
	secondary.held["app"] = true
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())

	locked, err := c.IsLocked(context.Background(), "app")
	if err != nil {
		t.Fatalf("isLocked failed: %v", err)
	}
	if !locked {
		t.Error("expected locked when either backend holds a marker")
	}
}

func TestCompositeForceReleaseBoth(t *testing.T) {
	primary := newFakeLocker()
	primary.held["app"] = true
	secondary := newFakeLocker()
	secondary.held["app"] = true
	c := NewCompositeLocker(primary, secondary, zerolog.Nop())

	if err := c.ForceRelease(context.Background(), "app"); err != nil {
		t.Fatalf("force release failed: %v", err)
	}
	if primary.held["app"] || secondary.held["app"] {
		t.Error("force release must clear both backends")
	}
}
