package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrAcquireTimeout is returned when a lock could not be acquired within
// the caller's timeout. It is recoverable: the caller decides whether to
// abort or proceed without exclusivity.
var ErrAcquireTimeout = errors.New("lock acquisition timed out")

// Locker provides advisory mutual exclusion keyed by a scope path.
//
// The lock is best-effort, not linearizable: two processes can both
// believe they hold a lock if clocks skew badly or a stale reclamation
// races with a slow writer. Metadata carries a generation counter that
// increments on every stale reclaim, so a lost race surfaces as an
// owner mismatch on release instead of a silent double-release.
type Locker interface {
	// Acquire attempts to take the lock for a scope path, polling until
	// the timeout elapses. Returns false with ErrAcquireTimeout when the
	// lock stayed held by a fresh owner for the whole window.
	Acquire(ctx context.Context, path string, timeout time.Duration) (bool, error)

	// Release gives the lock back. Only the current owner's release has
	// any effect; a mismatched owner is a logged no-op. Release never
	// propagates backend errors (fail-open on release).
	Release(ctx context.Context, path string) error

	// IsLocked reports whether a lock marker currently exists for the path.
	IsLocked(ctx context.Context, path string) (bool, error)

	// ForceRelease removes the lock marker regardless of owner.
	ForceRelease(ctx context.Context, path string) error
}

// Metadata is the serialized contents of a lock marker.
type Metadata struct {
	// OwnerID identifies the acquiring process (host, pid, unique suffix).
	OwnerID string `json:"owner_id"`

	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquired_at"`

	// Generation increments every time ownership changes through a
	// stale reclaim, making reclamation races detectable.
	Generation int64 `json:"generation"`
}

// Age returns how long ago the lock was acquired.
func (m *Metadata) Age(now time.Time) time.Duration {
	return now.Sub(m.AcquiredAt)
}

func (m *Metadata) marshal() ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode lock metadata: %w", err)
	}
	return &m, nil
}

// NewOwnerID builds the identity string written into lock markers for
// this process.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
