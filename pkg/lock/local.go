package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

const (
	// DefaultLocalStaleThreshold is how old a local lock marker may be
	// before another acquirer may reclaim it.
	DefaultLocalStaleThreshold = 5 * time.Minute

	// defaultLocalPollInterval is the wait between acquisition attempts.
	defaultLocalPollInterval = 100 * time.Millisecond
)

// LocalLocker implements Locker with exclusive-create lock files under a
// base directory. The marker for scope path "app/prod" lives at
// <base>/app/prod/.lock.
type LocalLocker struct {
	baseDir        string
	ownerID        string
	staleThreshold time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
}

// LocalOption configures a LocalLocker.
type LocalOption func(*LocalLocker)

// WithLocalStaleThreshold overrides the staleness threshold.
func WithLocalStaleThreshold(d time.Duration) LocalOption {
	return func(l *LocalLocker) { l.staleThreshold = d }
}

// WithLocalPollInterval overrides the acquisition poll interval.
func WithLocalPollInterval(d time.Duration) LocalOption {
	return func(l *LocalLocker) { l.pollInterval = d }
}

// WithLocalMetrics records acquisition outcomes and stale reclaims.
func WithLocalMetrics(m *telemetry.Metrics) LocalOption {
	return func(l *LocalLocker) { l.metrics = m }
}

// NewLocalLocker creates a file-based locker rooted at baseDir.
func NewLocalLocker(baseDir string, logger zerolog.Logger, opts ...LocalOption) (*LocalLocker, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	l := &LocalLocker{
		baseDir:        baseDir,
		ownerID:        NewOwnerID(),
		staleThreshold: DefaultLocalStaleThreshold,
		pollInterval:   defaultLocalPollInterval,
		logger:         logger.With().Str("component", "lock-local").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OwnerID returns the identity this locker writes into markers.
func (l *LocalLocker) OwnerID() string {
	return l.ownerID
}

func (l *LocalLocker) markerPath(path string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(path), ".lock")
}

// Acquire polls for the lock until timeout.
func (l *LocalLocker) Acquire(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	started := time.Now()
	deadline := started.Add(timeout)
	generation := int64(1)

	for {
		ok, err := l.tryCreate(path, generation)
		if err != nil {
			l.record("error", started)
			return false, err
		}
		if ok {
			l.record("acquired", started)
			return true, nil
		}

		// Marker exists: reclaim it if the holder looks dead.
		existing, err := l.readMetadata(path)
		if err == nil && existing.Age(time.Now()) > l.staleThreshold {
			l.logger.Warn().
				Str("scope_path", path).
				Str("stale_owner", existing.OwnerID).
				Dur("age", existing.Age(time.Now())).
				Msg("reclaiming stale lock")
			if rmErr := os.Remove(l.markerPath(path)); rmErr != nil && !os.IsNotExist(rmErr) {
				l.logger.Warn().Err(rmErr).Str("scope_path", path).Msg("stale lock removal failed, retrying")
			}
			if l.metrics != nil {
				l.metrics.RecordStaleReclaim("local")
			}
			generation = existing.Generation + 1
			continue
		}

		if time.Now().After(deadline) {
			l.record("timeout", started)
			return false, fmt.Errorf("path %s: %w", path, ErrAcquireTimeout)
		}
		if err := sleepCtx(ctx, l.pollInterval); err != nil {
			l.record("cancelled", started)
			return false, err
		}
	}
}

func (l *LocalLocker) record(outcome string, started time.Time) {
	if l.metrics != nil {
		l.metrics.RecordLockAcquisition("local", outcome, time.Since(started))
	}
}

// tryCreate attempts an exclusive create of the marker file.
func (l *LocalLocker) tryCreate(path string, generation int64) (bool, error) {
	marker := l.markerPath(path)
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock marker: %w", err)
	}

	meta := &Metadata{OwnerID: l.ownerID, AcquiredAt: time.Now(), Generation: generation}
	data, err := meta.marshal()
	if err == nil {
		_, err = f.Write(data)
	}
	cerr := f.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(marker)
		if err == nil {
			err = cerr
		}
		return false, fmt.Errorf("failed to write lock metadata: %w", err)
	}
	return true, nil
}

func (l *LocalLocker) readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(l.markerPath(path))
	if err != nil {
		return nil, err
	}
	return unmarshalMetadata(data)
}

// Release removes the marker if this process owns it. Errors are logged,
// never returned.
func (l *LocalLocker) Release(_ context.Context, path string) error {
	meta, err := l.readMetadata(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("scope_path", path).Msg("release: failed to read lock metadata")
		}
		return nil
	}
	if meta.OwnerID != l.ownerID {
		l.logger.Warn().
			Str("scope_path", path).
			Str("holder", meta.OwnerID).
			Int64("generation", meta.Generation).
			Msg("release skipped: lock held by another owner")
		return nil
	}
	if err := os.Remove(l.markerPath(path)); err != nil && !os.IsNotExist(err) {
		l.logger.Warn().Err(err).Str("scope_path", path).Msg("release: failed to remove lock marker")
	}
	return nil
}

// IsLocked reports whether a marker exists for the path.
func (l *LocalLocker) IsLocked(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.markerPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat lock marker: %w", err)
	}
	return true, nil
}

// ForceRelease removes the marker regardless of owner.
func (l *LocalLocker) ForceRelease(_ context.Context, path string) error {
	if err := os.Remove(l.markerPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force-release lock: %w", err)
	}
	return nil
}
