package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// primaryShare is the fraction of the acquisition timeout given to the
// primary backend before falling back to the secondary.
const primaryShare = 0.7

// CompositeLocker tries a primary backend (typically remote) for most of
// the timeout and falls back to a secondary (typically local) for the
// remainder. Release and staleness operations fan out to both backends,
// swallowing individual failures.
type CompositeLocker struct {
	primary   Locker
	secondary Locker
	logger    zerolog.Logger

	mu      sync.Mutex
	holders map[string]Locker // which backend granted each held path
}

// NewCompositeLocker creates a locker that prefers primary and falls
// back to secondary.
func NewCompositeLocker(primary, secondary Locker, logger zerolog.Logger) *CompositeLocker {
	return &CompositeLocker{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "lock-composite").Logger(),
		holders:   make(map[string]Locker),
	}
}

// Acquire gives the primary ~70% of the timeout, then the secondary the
// rest.
func (c *CompositeLocker) Acquire(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	primaryTimeout := time.Duration(float64(timeout) * primaryShare)

	ok, err := c.primary.Acquire(ctx, path, primaryTimeout)
	if ok {
		c.record(path, c.primary)
		return true, nil
	}
	if err != nil && !errors.Is(err, ErrAcquireTimeout) {
		// Backend failure rather than contention: log and fall back.
		c.logger.Warn().Err(err).Str("scope_path", path).Msg("primary lock backend failed, falling back")
	}

	ok, err = c.secondary.Acquire(ctx, path, timeout-primaryTimeout)
	if ok {
		c.record(path, c.secondary)
		return true, nil
	}
	return false, err
}

func (c *CompositeLocker) record(path string, backend Locker) {
	c.mu.Lock()
	c.holders[path] = backend
	c.mu.Unlock()
}

// Release releases on the granting backend first, then best-effort on
// the other.
func (c *CompositeLocker) Release(ctx context.Context, path string) error {
	c.mu.Lock()
	holder := c.holders[path]
	delete(c.holders, path)
	c.mu.Unlock()

	if holder != nil {
		if err := holder.Release(ctx, path); err != nil {
			c.logger.Warn().Err(err).Str("scope_path", path).Msg("release on granting backend failed")
		}
	}
	// Owner verification in each backend makes the fan-out safe: a
	// backend that never granted this path treats it as a no-op.
	for _, l := range []Locker{c.primary, c.secondary} {
		if l == holder {
			continue
		}
		if err := l.Release(ctx, path); err != nil {
			c.logger.Warn().Err(err).Str("scope_path", path).Msg("release on fallback backend failed")
		}
	}
	return nil
}

// IsLocked reports true if either backend holds a marker.
func (c *CompositeLocker) IsLocked(ctx context.Context, path string) (bool, error) {
	var firstErr error
	for _, l := range []Locker{c.primary, c.secondary} {
		locked, err := l.IsLocked(ctx, path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if locked {
			return true, nil
		}
	}
	return false, firstErr
}

// ForceRelease removes markers on both backends, swallowing individual
// failures.
func (c *CompositeLocker) ForceRelease(ctx context.Context, path string) error {
	var firstErr error
	for _, l := range []Locker{c.primary, c.secondary} {
		if err := l.ForceRelease(ctx, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	delete(c.holders, path)
	c.mu.Unlock()
	return firstErr
}
