package destroy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Destroyer removes one kind of external resource.
type Destroyer interface {
	// CanDestroy reports whether this destroyer handles the resource.
	CanDestroy(dc *DestructionContext) bool

	// Destroy removes the resource. It must be idempotent: destroying
	// an already-gone resource succeeds.
	Destroy(ctx context.Context, dc *DestructionContext) error
}

// Registry selects a destroyer per resource by asking each registered
// destroyer in order. Resources nobody claims fail permanently.
type Registry struct {
	mu         sync.RWMutex
	destroyers []Destroyer
	logger     zerolog.Logger
}

// NewRegistry creates an empty destroyer registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "destroyer-registry").Logger(),
	}
}

// Register appends a destroyer. Earlier registrations win ties.
func (r *Registry) Register(d Destroyer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyers = append(r.destroyers, d)
}

// CanDestroy reports whether any registered destroyer claims the
// resource.
func (r *Registry) CanDestroy(dc *DestructionContext) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.destroyers {
		if d.CanDestroy(dc) {
			return true
		}
	}
	return false
}

// Destroy dispatches to the first destroyer that claims the resource.
func (r *Registry) Destroy(ctx context.Context, dc *DestructionContext) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.destroyers {
		if d.CanDestroy(dc) {
			return d.Destroy(ctx, dc)
		}
	}
	return NewPermanentError(
		fmt.Sprintf("no destroyer registered for type %q", dc.ResourceType), nil).
		WithCode(ErrCodeNoDestroyer).
		WithResource(dc.ResourceID)
}

// FuncDestroyer adapts a pair of functions into a Destroyer.
type FuncDestroyer struct {
	// Match reports whether the destroyer handles the resource. A nil
	// Match claims everything.
	Match func(dc *DestructionContext) bool

	// Fn performs the destruction.
	Fn func(ctx context.Context, dc *DestructionContext) error
}

// CanDestroy implements Destroyer.
func (f *FuncDestroyer) CanDestroy(dc *DestructionContext) bool {
	if f.Match == nil {
		return true
	}
	return f.Match(dc)
}

// Destroy implements Destroyer.
func (f *FuncDestroyer) Destroy(ctx context.Context, dc *DestructionContext) error {
	return f.Fn(ctx, dc)
}

// TypeDestroyer adapts a destroy function bound to one resource type.
func TypeDestroyer(resourceType string, fn func(ctx context.Context, dc *DestructionContext) error) Destroyer {
	return &FuncDestroyer{
		Match: func(dc *DestructionContext) bool { return dc.ResourceType == resourceType },
		Fn:    fn,
	}
}

// destroyWithRetry runs one resource's destruction through the retry
// loop: up to opts.MaxRetries+1 attempts, each bounded by
// opts.AttemptTimeout, with exponential backoff between attempts.
func destroyWithRetry(
	ctx context.Context,
	d Destroyer,
	dc *DestructionContext,
	opts Options,
	logger zerolog.Logger,
) *DestructionResult {
	start := time.Now()
	result := &DestructionResult{ResourceID: dc.ResourceID}

	var err error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
		err = d.Destroy(attemptCtx, dc)
		cancel()

		if err == nil {
			result.Success = true
			break
		}

		if !IsRetryable(err) || attempt >= opts.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, opts)
		logger.Warn().Err(err).
			Str("resource_id", dc.ResourceID).
			Int("attempt", attempt+1).
			Int("max_attempts", opts.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Destruction attempt failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Err = err
	result.Duration = time.Since(start)
	return result
}

// calculateBackoff computes exponential backoff with jitter, capped at
// opts.MaxRetryDelay.
func calculateBackoff(attempt int, opts Options) time.Duration {
	delay := time.Duration(float64(opts.RetryDelay) * math.Pow(2, float64(attempt)))
	if delay > opts.MaxRetryDelay || delay <= 0 {
		delay = opts.MaxRetryDelay
	}

	// Jitter up to +25% keeps concurrent retries from aligning.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > opts.MaxRetryDelay {
		delay = opts.MaxRetryDelay
	}
	return delay
}
