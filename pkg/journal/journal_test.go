package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scopekeeper/scopekeeper/pkg/destroy"
)

// setupTestJournal creates an in-memory journal.
func setupTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}

	ctx := context.Background()
	if err := j.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalLifecycle(t *testing.T) {
	j, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}

	ctx := context.Background()
	if err := j.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	if err := j.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("failed to close journal: %v", err)
	}
}

func TestJournalRequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestJournalMigrations(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "destruction_events"} {
		var count int
		if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunRoundTrip(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	runID, err := j.BeginRun(ctx, "app/prod", "sequential", false)
	if err != nil {
		t.Fatalf("beginRun failed: %v", err)
	}

	run, err := j.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("getRun failed: %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("expected running status, got %s", run.Status)
	}
	if run.ScopePath != "app/prod" || run.Strategy != "sequential" {
		t.Errorf("unexpected run record: %+v", run)
	}
	if run.CompletedAt != nil {
		t.Error("expected in-flight run to have no completion time")
	}

	report := &destroy.FinalizationReport{
		ScopePath: "app/prod",
		Orphaned:  []string{"a", "b"},
		Destroyed: []string{"a", "b"},
		Success:   true,
	}
	if err := j.CompleteRun(ctx, runID, report); err != nil {
		t.Fatalf("completeRun failed: %v", err)
	}

	run, err = j.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("getRun failed: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Errorf("expected completed status, got %s", run.Status)
	}
	if run.Orphaned != 2 || run.Destroyed != 2 || run.Failed != 0 {
		t.Errorf("unexpected counts: %+v", run)
	}
	if run.CompletedAt == nil {
		t.Error("expected completion time")
	}
}

func TestFailedRunRecordsError(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	runID, err := j.BeginRun(ctx, "app", "parallel", false)
	if err != nil {
		t.Fatalf("beginRun failed: %v", err)
	}

	report := &destroy.FinalizationReport{
		ScopePath: "app",
		Orphaned:  []string{"a", "b"},
		Destroyed: []string{"a"},
		Failed:    []destroy.FailedResource{{ResourceID: "b", Error: "stuck", Attempts: 4}},
		Success:   false,
	}
	if err := j.CompleteRun(ctx, runID, report); err != nil {
		t.Fatalf("completeRun failed: %v", err)
	}

	run, _ := j.GetRun(ctx, runID)
	if run.Status != RunStatusFailed {
		t.Errorf("expected failed status, got %s", run.Status)
	}
	if run.Error == nil {
		t.Error("expected run-level error message")
	}
}

func TestCompleteUnknownRun(t *testing.T) {
	j := setupTestJournal(t)

	err := j.CompleteRun(context.Background(), 9999, &destroy.FinalizationReport{Success: true})
	if err == nil {
		t.Error("expected error completing an unknown run")
	}
}

func TestDestructionEvents(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	runID, err := j.BeginRun(ctx, "app", "sequential", false)
	if err != nil {
		t.Fatalf("beginRun failed: %v", err)
	}

	results := []*destroy.DestructionResult{
		{ResourceID: "a", Success: true, Attempts: 1, Duration: 120 * time.Millisecond},
		{ResourceID: "b", Success: false, Attempts: 4, Duration: 3 * time.Second,
			Err: fmt.Errorf("backend unavailable")},
	}
	for _, r := range results {
		if err := j.RecordDestruction(ctx, runID, r); err != nil {
			t.Fatalf("recordDestruction failed: %v", err)
		}
	}

	events, err := j.EventsForRun(ctx, runID)
	if err != nil {
		t.Fatalf("eventsForRun failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ResourceID != "a" || !events[0].Success {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Error == nil || events[1].Attempts != 4 {
		t.Errorf("expected failure details on second event: %+v", events[1])
	}
	if events[0].Duration != 120*time.Millisecond {
		t.Errorf("expected duration round-trip, got %v", events[0].Duration)
	}
}

func TestListRunsFiltered(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		runID, err := j.BeginRun(ctx, "app/prod", "sequential", false)
		if err != nil {
			t.Fatalf("beginRun failed: %v", err)
		}
		if err := j.CompleteRun(ctx, runID, &destroy.FinalizationReport{Success: true}); err != nil {
			t.Fatalf("completeRun failed: %v", err)
		}
	}
	if _, err := j.BeginRun(ctx, "other", "batched", true); err != nil {
		t.Fatalf("beginRun failed: %v", err)
	}

	runs, err := j.ListRuns(ctx, "app/prod", 10, 0)
	if err != nil {
		t.Fatalf("listRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("expected 3 runs for app/prod, got %d", len(runs))
	}

	all, err := j.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("listRuns failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 runs total, got %d", len(all))
	}

	// Newest first.
	if len(all) > 1 && all[0].ID < all[1].ID {
		t.Error("expected newest run first")
	}

	limited, err := j.ListRuns(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("listRuns failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit of 2 respected, got %d", len(limited))
	}
}

func TestStatsForScope(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	ok, _ := j.BeginRun(ctx, "app", "sequential", false)
	_ = j.CompleteRun(ctx, ok, &destroy.FinalizationReport{
		Orphaned: []string{"a", "b"}, Destroyed: []string{"a", "b"}, Success: true,
	})
	bad, _ := j.BeginRun(ctx, "app", "sequential", false)
	_ = j.CompleteRun(ctx, bad, &destroy.FinalizationReport{
		Orphaned: []string{"c"}, Failed: []destroy.FailedResource{{ResourceID: "c"}},
	})

	stats, err := j.StatsForScope(ctx, "app")
	if err != nil {
		t.Fatalf("statsForScope failed: %v", err)
	}
	if stats.TotalRuns != 2 || stats.CompletedRuns != 1 || stats.FailedRuns != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.TotalDestroyed != 2 {
		t.Errorf("expected 2 destroyed total, got %d", stats.TotalDestroyed)
	}
	if stats.LastRunAt == nil {
		t.Error("expected last run time")
	}

	empty, err := j.StatsForScope(ctx, "nothing")
	if err != nil {
		t.Fatalf("statsForScope failed: %v", err)
	}
	if empty.TotalRuns != 0 || empty.LastRunAt != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}

func TestPruneCascades(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	runID, _ := j.BeginRun(ctx, "app", "sequential", false)
	_ = j.RecordDestruction(ctx, runID, &destroy.DestructionResult{ResourceID: "a", Success: true, Attempts: 1})

	pruned, err := j.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}

	events, err := j.EventsForRun(ctx, runID)
	if err != nil {
		t.Fatalf("eventsForRun failed: %v", err)
	}
	if len(events) != 0 {
		t.Error("expected events deleted with their run")
	}
}
