package destroy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/scopekeeper/scopekeeper/pkg/state"
	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

// StateStore is the slice of the snapshot store the engine needs.
type StateStore interface {
	Load(ctx context.Context, scopePath string) (*state.ScopeState, error)
	RemoveResource(ctx context.Context, scopePath, resourceID string) error
}

// Recorder persists finalization history. Implementations live in the
// journal package; a nil Recorder disables history.
type Recorder interface {
	// BeginRun opens a history record and returns its id.
	BeginRun(ctx context.Context, scopePath string, strategy string, dryRun bool) (int64, error)

	// RecordDestruction appends one resource outcome to a run.
	RecordDestruction(ctx context.Context, runID int64, result *DestructionResult) error

	// CompleteRun closes a run with its final report.
	CompleteRun(ctx context.Context, runID int64, report *FinalizationReport) error
}

// Engine reconciles persisted scope membership against the live set by
// destroying orphaned resources.
type Engine struct {
	store     StateStore
	destroyer Destroyer
	journal   Recorder
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRecorder attaches a finalization history recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.journal = r }
}

// WithMetrics attaches finalization metrics.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer attaches a tracer for finalization spans.
func WithTracer(t *telemetry.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a destruction engine over a snapshot store and a
// destroyer.
func NewEngine(store StateStore, destroyer Destroyer, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if destroyer == nil {
		return nil, fmt.Errorf("destroyer is required")
	}
	e := &Engine{
		store:     store,
		destroyer: destroyer,
		logger:    logger.With().Str("component", "destroy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Orphans computes which persisted resources are no longer live, as
// sorted resource ids.
func (e *Engine) Orphans(ctx context.Context, scopePath string, live []string) ([]string, error) {
	snapshot, err := e.store.Load(ctx, scopePath)
	if err != nil {
		return nil, NewPermanentError("failed to load snapshot", err).WithCode(ErrCodeStateIO)
	}
	if snapshot == nil {
		return []string{}, nil
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	var orphans []string
	for id := range snapshot.Resources {
		if _, ok := liveSet[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// Finalize destroys every persisted resource not present in the live
// set. Partial progress is durable: each destroyed resource leaves the
// snapshot immediately, so a rerun only sees what remains. Finalizing
// a scope with no orphans is a successful no-op.
func (e *Engine) Finalize(ctx context.Context, scopePath string, live []string, opts Options) (*FinalizationReport, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, scopePath, string(opts.Strategy))
	defer e.endSpan(span)

	start := time.Now()
	report := &FinalizationReport{
		ScopePath: scopePath,
		Strategy:  opts.Strategy,
		DryRun:    opts.DryRun,
		StartedAt: start,
	}

	orphans, err := e.Orphans(ctx, scopePath, live)
	if err != nil {
		e.recordSpanError(span, err)
		return nil, err
	}
	report.Orphaned = orphans
	e.recordOrphans(len(orphans))

	if len(orphans) == 0 {
		report.Success = true
		report.Duration = time.Since(start)
		return report, nil
	}

	e.logger.Info().
		Str("scope_path", scopePath).
		Str("strategy", string(opts.Strategy)).
		Int("orphans", len(orphans)).
		Bool("dry_run", opts.DryRun).
		Msg("Finalizing scope")

	if opts.DryRun {
		report.Success = true
		report.Duration = time.Since(start)
		return report, nil
	}

	runID := e.beginRun(ctx, scopePath, opts)
	if e.metrics != nil {
		e.metrics.FinalizeStarted()
	}

	snapshot, err := e.store.Load(ctx, scopePath)
	if err != nil {
		e.recordSpanError(span, err)
		e.recordFinalize(string(opts.Strategy), report)
		return nil, NewPermanentError("failed to load snapshot", err).WithCode(ErrCodeStateIO)
	}

	var results []*DestructionResult
	switch opts.Strategy {
	case StrategyParallel:
		results = e.runParallel(ctx, scopePath, snapshot, orphans, opts)
	case StrategyBatched:
		results = e.runBatched(ctx, scopePath, snapshot, orphans, opts)
	default:
		results = e.runSequential(ctx, scopePath, snapshot, orphans, opts)
	}

	for _, r := range results {
		e.recordDestruction(ctx, runID, r)
		if r.Success {
			report.Destroyed = append(report.Destroyed, r.ResourceID)
			continue
		}
		msg := "aborted"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		report.Failed = append(report.Failed, FailedResource{
			ResourceID: r.ResourceID,
			Error:      msg,
			Attempts:   r.Attempts,
		})
	}
	sort.Strings(report.Destroyed)

	report.Success = len(report.Failed) == 0 && len(report.Destroyed) == len(orphans)
	report.Duration = time.Since(start)

	e.completeRun(ctx, runID, report)
	e.recordFinalize(string(opts.Strategy), report)
	if !report.Success {
		e.recordSpanError(span, fmt.Errorf("%d of %d orphans not destroyed", len(orphans)-len(report.Destroyed), len(orphans)))
	}

	e.logger.Info().
		Str("scope_path", scopePath).
		Int("destroyed", len(report.Destroyed)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Bool("success", report.Success).
		Msg("Finalization complete")

	return report, nil
}

// ForceCleanup removes every orphan from the snapshot regardless of
// destruction outcome. Each resource gets one best-effort destruction
// attempt; failures are reported but never block state cleanup, and
// the report always claims success.
func (e *Engine) ForceCleanup(ctx context.Context, scopePath string, live []string, opts Options) (*FinalizationReport, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	opts.MaxRetries = 0

	start := time.Now()
	report := &FinalizationReport{
		ScopePath: scopePath,
		Strategy:  opts.Strategy,
		Forced:    true,
		StartedAt: start,
	}

	orphans, err := e.Orphans(ctx, scopePath, live)
	if err != nil {
		return nil, err
	}
	report.Orphaned = orphans

	runID := e.beginRun(ctx, scopePath, opts)
	if e.metrics != nil {
		e.metrics.FinalizeStarted()
	}

	for _, id := range orphans {
		snapshot, err := e.store.Load(ctx, scopePath)
		if err != nil || snapshot == nil {
			break
		}
		res, ok := snapshot.Resources[id]
		if !ok {
			continue
		}

		dc := e.destructionContext(scopePath, res, opts)
		result := destroyWithRetry(ctx, e.destroyer, dc, opts, e.logger)
		e.recordDestruction(ctx, runID, result)

		if !result.Success {
			msg := "aborted"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			e.logger.Warn().
				Str("scope_path", scopePath).
				Str("resource_id", id).
				Str("error", msg).
				Msg("Forced cleanup dropping resource despite destruction failure")
			report.Failed = append(report.Failed, FailedResource{
				ResourceID: id,
				Error:      msg,
				Attempts:   result.Attempts,
			})
		}

		// State is cleaned either way.
		if err := e.store.RemoveResource(ctx, scopePath, id); err != nil {
			e.logger.Error().Err(err).
				Str("resource_id", id).
				Msg("Failed to remove resource from snapshot during forced cleanup")
			continue
		}
		report.Destroyed = append(report.Destroyed, id)
	}
	sort.Strings(report.Destroyed)

	report.Success = true
	report.Duration = time.Since(start)
	e.completeRun(ctx, runID, report)
	e.recordFinalize(string(opts.Strategy), report)
	return report, nil
}

// destroyOne runs one orphan through destruction and, on success,
// drops it from the snapshot immediately.
func (e *Engine) destroyOne(ctx context.Context, scopePath string, res *state.ResourceState, opts Options) *DestructionResult {
	dc := e.destructionContext(scopePath, res, opts)
	result := destroyWithRetry(ctx, e.destroyer, dc, opts, e.logger)
	e.recordAttempt(res.Type, result)

	if result.Success {
		if err := e.store.RemoveResource(ctx, scopePath, res.ID); err != nil {
			result.Success = false
			result.Err = NewPermanentError("destroyed but failed to update snapshot", err).
				WithCode(ErrCodeStateIO).
				WithResource(res.ID)
		}
	}
	return result
}

func (e *Engine) destructionContext(scopePath string, res *state.ResourceState, opts Options) *DestructionContext {
	return &DestructionContext{
		ResourceID:   res.ID,
		ResourceType: res.Type,
		ResourceName: res.Name,
		Metadata:     res.Metadata,
		ScopePath:    scopePath,
		DryRun:       opts.DryRun,
	}
}

// runSequential destroys orphans one at a time in sorted order.
func (e *Engine) runSequential(ctx context.Context, scopePath string, snapshot *state.ScopeState, orphans []string, opts Options) []*DestructionResult {
	var results []*DestructionResult
	for _, id := range orphans {
		res, ok := snapshot.Resources[id]
		if !ok {
			continue
		}
		result := e.destroyOne(ctx, scopePath, res, opts)
		results = append(results, result)
		if !result.Success && !opts.ContinueOnError {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// runParallel destroys orphans through a pool of opts.Concurrency
// workers. With ContinueOnError off, the first failure cancels the
// remaining work.
func (e *Engine) runParallel(ctx context.Context, scopePath string, snapshot *state.ScopeState, orphans []string, opts Options) []*DestructionResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *state.ResourceState)
	resultCh := make(chan *DestructionResult, len(orphans))

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for res := range work {
				result := e.destroyOne(runCtx, scopePath, res, opts)
				resultCh <- result
				if !result.Success && !opts.ContinueOnError {
					cancel()
				}
			}
		}()
	}

feed:
	for _, id := range orphans {
		res, ok := snapshot.Resources[id]
		if !ok {
			continue
		}
		select {
		case work <- res:
		case <-runCtx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(resultCh)

	var results []*DestructionResult
	for r := range resultCh {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ResourceID < results[j].ResourceID })
	return results
}

// runBatched destroys orphans in groups of opts.BatchSize, pausing
// between groups.
func (e *Engine) runBatched(ctx context.Context, scopePath string, snapshot *state.ScopeState, orphans []string, opts Options) []*DestructionResult {
	var results []*DestructionResult
	for start := 0; start < len(orphans); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(orphans) {
			end = len(orphans)
		}

		batch := e.runSequential(ctx, scopePath, snapshot, orphans[start:end], opts)
		results = append(results, batch...)

		if !opts.ContinueOnError {
			for _, r := range batch {
				if !r.Success {
					return results
				}
			}
		}
		if end < len(orphans) && opts.BatchPause > 0 {
			select {
			case <-time.After(opts.BatchPause):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

func (e *Engine) beginRun(ctx context.Context, scopePath string, opts Options) int64 {
	if e.journal == nil {
		return 0
	}
	runID, err := e.journal.BeginRun(ctx, scopePath, string(opts.Strategy), opts.DryRun)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to open finalization history record")
		return 0
	}
	return runID
}

func (e *Engine) recordDestruction(ctx context.Context, runID int64, result *DestructionResult) {
	if e.journal == nil || runID == 0 {
		return
	}
	if err := e.journal.RecordDestruction(ctx, runID, result); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record destruction event")
	}
}

func (e *Engine) completeRun(ctx context.Context, runID int64, report *FinalizationReport) {
	if e.journal == nil || runID == 0 {
		return
	}
	if err := e.journal.CompleteRun(ctx, runID, report); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close finalization history record")
	}
}

func (e *Engine) startSpan(ctx context.Context, scopePath, strategy string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.StartFinalizeSpan(ctx, scopePath, strategy)
}

func (e *Engine) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (e *Engine) recordSpanError(span trace.Span, err error) {
	if span != nil {
		telemetry.RecordError(span, err)
	}
}

func (e *Engine) recordOrphans(n int) {
	if e.metrics != nil {
		e.metrics.RecordOrphans(n)
	}
}

func (e *Engine) recordAttempt(resourceType string, result *DestructionResult) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	e.metrics.RecordDestroyAttempt(resourceType, outcome, result.Duration)
}

func (e *Engine) recordFinalize(strategy string, report *FinalizationReport) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if !report.Success {
		outcome = "failure"
	}
	e.metrics.FinalizeFinished(strategy, outcome, report.Duration)
}
