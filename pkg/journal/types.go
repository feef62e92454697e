package journal

import (
	"time"
)

// RunStatus is the lifecycle state of a finalization run record.
type RunStatus string

const (
	// RunStatusRunning marks a run that is still in flight.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted marks a run that destroyed every orphan.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed marks a run that left resources behind.
	RunStatusFailed RunStatus = "failed"
)

// Run is one recorded finalization run.
type Run struct {
	// ID is the run's database id.
	ID int64 `json:"id"`

	// ScopePath is the scope the run finalized.
	ScopePath string `json:"scope_path"`

	// Strategy is the execution strategy used.
	Strategy string `json:"strategy"`

	// DryRun is true for report-only runs.
	DryRun bool `json:"dry_run"`

	// Forced is true for forced cleanups.
	Forced bool `json:"forced"`

	// Status is the run's lifecycle state.
	Status RunStatus `json:"status"`

	// Error is the run-level error message, if any.
	Error *string `json:"error,omitempty"`

	// Orphaned is how many orphans the run set out to destroy.
	Orphaned int `json:"orphaned"`

	// Destroyed is how many resources were removed.
	Destroyed int `json:"destroyed"`

	// Failed is how many resources could not be removed.
	Failed int `json:"failed"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished, nil while in flight.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is one recorded per-resource destruction outcome.
type Event struct {
	// ID is the event's database id.
	ID int64 `json:"id"`

	// RunID is the owning run.
	RunID int64 `json:"run_id"`

	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`

	// Success is true when the resource was destroyed.
	Success bool `json:"success"`

	// Error is the failure message, if any.
	Error *string `json:"error,omitempty"`

	// Attempts is how many attempts were made.
	Attempts int `json:"attempts"`

	// Duration is the total time spent on the resource.
	Duration time.Duration `json:"duration"`

	// RecordedAt is when the event was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// ScopeStats aggregates run history for one scope path.
type ScopeStats struct {
	// ScopePath is the scope the stats cover.
	ScopePath string `json:"scope_path"`

	// TotalRuns counts all recorded runs.
	TotalRuns int `json:"total_runs"`

	// CompletedRuns counts fully successful runs.
	CompletedRuns int `json:"completed_runs"`

	// FailedRuns counts runs that left resources behind.
	FailedRuns int `json:"failed_runs"`

	// TotalDestroyed sums destroyed resources across runs.
	TotalDestroyed int `json:"total_destroyed"`

	// LastRunAt is the start time of the most recent run.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}
