package destroy

import (
	"fmt"
	"time"
)

// Strategy selects how orphaned resources are worked through.
type Strategy string

const (
	// StrategySequential destroys orphans one at a time in sorted order.
	StrategySequential Strategy = "sequential"

	// StrategyParallel destroys orphans through a bounded worker pool.
	StrategyParallel Strategy = "parallel"

	// StrategyBatched destroys orphans in fixed-size groups with a
	// pause between groups.
	StrategyBatched Strategy = "batched"
)

// Defaults for finalization options.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 1 * time.Second
	DefaultMaxRetryDelay  = 30 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
	DefaultConcurrency    = 5
	DefaultBatchSize      = 10
	DefaultBatchPause     = 500 * time.Millisecond
)

// Options controls one finalization run.
type Options struct {
	// Strategy selects the execution strategy.
	Strategy Strategy

	// DryRun reports orphans without destroying anything.
	DryRun bool

	// ContinueOnError keeps going past per-resource failures instead
	// of aborting the run.
	ContinueOnError bool

	// MaxRetries is the number of retries after the first attempt, so
	// a resource sees at most MaxRetries+1 attempts.
	MaxRetries int

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration

	// AttemptTimeout bounds each individual destruction attempt.
	AttemptTimeout time.Duration

	// Concurrency bounds the parallel strategy's worker pool.
	Concurrency int

	// BatchSize is the batched strategy's group size.
	BatchSize int

	// BatchPause is the wait between batches.
	BatchPause time.Duration
}

// DefaultOptions returns the options used when the caller passes none.
func DefaultOptions() Options {
	return Options{
		Strategy:        StrategySequential,
		ContinueOnError: true,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		MaxRetryDelay:   DefaultMaxRetryDelay,
		AttemptTimeout:  DefaultAttemptTimeout,
		Concurrency:     DefaultConcurrency,
		BatchSize:       DefaultBatchSize,
		BatchPause:      DefaultBatchPause,
	}
}

// normalize fills zero values with defaults and validates the strategy.
func (o Options) normalize() (Options, error) {
	def := DefaultOptions()
	if o.Strategy == "" {
		o.Strategy = def.Strategy
	}
	switch o.Strategy {
	case StrategySequential, StrategyParallel, StrategyBatched:
	default:
		return o, fmt.Errorf("unknown strategy %q", o.Strategy)
	}
	if o.MaxRetries < 0 {
		return o, fmt.Errorf("maxRetries must not be negative")
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = def.MaxRetryDelay
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = def.AttemptTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BatchPause < 0 {
		o.BatchPause = def.BatchPause
	}
	return o, nil
}

// DestructionContext is everything a destroyer gets about the resource
// it is asked to remove.
type DestructionContext struct {
	// ResourceID identifies the resource within its scope.
	ResourceID string

	// ResourceType selects the destroyer.
	ResourceType string

	// ResourceName is the human-readable name.
	ResourceName string

	// Metadata is the opaque bag persisted with the resource.
	Metadata map[string]interface{}

	// ScopePath is the scope being finalized.
	ScopePath string

	// DryRun tells the destroyer to verify rather than act.
	DryRun bool
}

// DestructionResult is the outcome for one resource.
type DestructionResult struct {
	// ResourceID identifies the resource.
	ResourceID string

	// Success is true when the resource was destroyed.
	Success bool

	// Err is the final error when destruction failed.
	Err error

	// Attempts is how many attempts were made.
	Attempts int

	// Duration is the total time spent on the resource.
	Duration time.Duration
}

// FailedResource describes one resource a run could not destroy.
type FailedResource struct {
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`

	// Error is the final failure message.
	Error string `json:"error"`

	// Attempts is how many attempts were made.
	Attempts int `json:"attempts"`
}

// FinalizationReport summarizes one finalization run over a scope.
type FinalizationReport struct {
	// ScopePath is the scope that was finalized.
	ScopePath string `json:"scope_path"`

	// Strategy is the strategy the run used.
	Strategy Strategy `json:"strategy"`

	// DryRun is true when nothing was destroyed.
	DryRun bool `json:"dry_run"`

	// Orphaned lists the resource ids the run set out to destroy.
	Orphaned []string `json:"orphaned"`

	// Destroyed lists the resource ids that were removed.
	Destroyed []string `json:"destroyed"`

	// Failed lists the resources that could not be removed.
	Failed []FailedResource `json:"failed,omitempty"`

	// Success is true when every orphan was destroyed.
	Success bool `json:"success"`

	// Forced is true when the run was a force cleanup.
	Forced bool `json:"forced,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
}
