package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/blob"
	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

const (
	// DefaultObjectStaleThreshold is how old an object lock marker may
	// be before reclamation. Larger than the local threshold because
	// remote object operations are slower.
	DefaultObjectStaleThreshold = 10 * time.Minute

	// defaultObjectPollInterval is the wait between acquisition attempts.
	defaultObjectPollInterval = 500 * time.Millisecond
)

// ObjectLocker implements Locker over an object store. The marker for
// scope path "app/prod" lives at <prefix>/app/prod.lock.
type ObjectLocker struct {
	store          blob.Store
	prefix         string
	ownerID        string
	staleThreshold time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
}

// ObjectOption configures an ObjectLocker.
type ObjectOption func(*ObjectLocker)

// WithObjectStaleThreshold overrides the staleness threshold.
func WithObjectStaleThreshold(d time.Duration) ObjectOption {
	return func(l *ObjectLocker) { l.staleThreshold = d }
}

// WithObjectPollInterval overrides the acquisition poll interval.
func WithObjectPollInterval(d time.Duration) ObjectOption {
	return func(l *ObjectLocker) { l.pollInterval = d }
}

// WithObjectMetrics records acquisition outcomes and stale reclaims.
func WithObjectMetrics(m *telemetry.Metrics) ObjectOption {
	return func(l *ObjectLocker) { l.metrics = m }
}

// NewObjectLocker creates an object-store-backed locker.
func NewObjectLocker(store blob.Store, prefix string, logger zerolog.Logger, opts ...ObjectOption) (*ObjectLocker, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	l := &ObjectLocker{
		store:          store,
		prefix:         prefix,
		ownerID:        NewOwnerID(),
		staleThreshold: DefaultObjectStaleThreshold,
		pollInterval:   defaultObjectPollInterval,
		logger:         logger.With().Str("component", "lock-object").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OwnerID returns the identity this locker writes into markers.
func (l *ObjectLocker) OwnerID() string {
	return l.ownerID
}

func (l *ObjectLocker) markerKey(scopePath string) string {
	return path.Join(l.prefix, scopePath) + ".lock"
}

// Acquire polls for the lock until timeout.
func (l *ObjectLocker) Acquire(ctx context.Context, scopePath string, timeout time.Duration) (bool, error) {
	started := time.Now()
	deadline := started.Add(timeout)
	generation := int64(1)
	key := l.markerKey(scopePath)

	for {
		meta := &Metadata{OwnerID: l.ownerID, AcquiredAt: time.Now(), Generation: generation}
		data, err := meta.marshal()
		if err != nil {
			return false, err
		}

		err = l.store.PutIfAbsent(ctx, key, data)
		if err == nil {
			l.record("acquired", started)
			return true, nil
		}
		if !errors.Is(err, blob.ErrObjectExists) {
			l.record("error", started)
			return false, fmt.Errorf("lock create failed: %w", err)
		}

		existing, readErr := l.readMetadata(ctx, scopePath)
		if readErr == nil && existing.Age(time.Now()) > l.staleThreshold {
			l.logger.Warn().
				Str("scope_path", scopePath).
				Str("stale_owner", existing.OwnerID).
				Dur("age", existing.Age(time.Now())).
				Msg("reclaiming stale lock object")
			if delErr := l.store.Delete(ctx, key); delErr != nil && !errors.Is(delErr, blob.ErrObjectNotFound) {
				l.logger.Warn().Err(delErr).Str("scope_path", scopePath).Msg("stale lock deletion failed, retrying")
			}
			if l.metrics != nil {
				l.metrics.RecordStaleReclaim("object")
			}
			generation = existing.Generation + 1
			continue
		}

		if time.Now().After(deadline) {
			l.record("timeout", started)
			return false, fmt.Errorf("path %s: %w", scopePath, ErrAcquireTimeout)
		}
		if err := sleepCtx(ctx, l.pollInterval); err != nil {
			l.record("cancelled", started)
			return false, err
		}
	}
}

func (l *ObjectLocker) record(outcome string, started time.Time) {
	if l.metrics != nil {
		l.metrics.RecordLockAcquisition("object", outcome, time.Since(started))
	}
}

func (l *ObjectLocker) readMetadata(ctx context.Context, scopePath string) (*Metadata, error) {
	data, err := l.store.Get(ctx, l.markerKey(scopePath))
	if err != nil {
		return nil, err
	}
	return unmarshalMetadata(data)
}

// Release removes the marker if this process owns it. Errors are logged,
// never returned.
func (l *ObjectLocker) Release(ctx context.Context, scopePath string) error {
	meta, err := l.readMetadata(ctx, scopePath)
	if err != nil {
		if !errors.Is(err, blob.ErrObjectNotFound) {
			l.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("release: failed to read lock metadata")
		}
		return nil
	}
	if meta.OwnerID != l.ownerID {
		l.logger.Warn().
			Str("scope_path", scopePath).
			Str("holder", meta.OwnerID).
			Int64("generation", meta.Generation).
			Msg("release skipped: lock held by another owner")
		return nil
	}
	if err := l.store.Delete(ctx, l.markerKey(scopePath)); err != nil && !errors.Is(err, blob.ErrObjectNotFound) {
		l.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("release: failed to delete lock object")
	}
	return nil
}

// IsLocked reports whether a marker exists for the path.
func (l *ObjectLocker) IsLocked(ctx context.Context, scopePath string) (bool, error) {
	_, err := l.store.Stat(ctx, l.markerKey(scopePath))
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat lock object: %w", err)
	}
	return true, nil
}

// ForceRelease removes the marker regardless of owner.
func (l *ObjectLocker) ForceRelease(ctx context.Context, scopePath string) error {
	if err := l.store.Delete(ctx, l.markerKey(scopePath)); err != nil && !errors.Is(err, blob.ErrObjectNotFound) {
		return fmt.Errorf("failed to force-release lock: %w", err)
	}
	return nil
}
