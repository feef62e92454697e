package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/lock"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	dir := t.TempDir()
	locker, err := lock.NewLocalLocker(filepath.Join(dir, "locks"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	store, err := NewStore(filepath.Join(dir, "state"), locker, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStoreSaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := NewScopeState("app/prod")
	state.Resources["db-1"] = &ResourceState{ID: "db-1", Type: "database", Name: "main"}

	if err := store.Save(ctx, "app/prod", state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "app/prod")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot")
	}
	if loaded.Version != StateVersion {
		t.Errorf("expected version %q, got %q", StateVersion, loaded.Version)
	}
	if loaded.ScopePath != "app/prod" {
		t.Errorf("expected scope path app/prod, got %q", loaded.ScopePath)
	}
	if _, ok := loaded.Resources["db-1"]; !ok {
		t.Error("expected resource db-1 in loaded snapshot")
	}
	if loaded.UpdatedAt == 0 {
		t.Error("expected updatedAt to be stamped on save")
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.Load(context.Background(), "does/not/exist")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded != nil {
		t.Error("expected nil snapshot for missing scope")
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "app", NewScopeState("app")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := os.WriteFile(store.statePath("app"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to corrupt snapshot: %v", err)
	}

	// Corrupt snapshots read as absent rather than failing the caller.
	loaded, err := store.Load(ctx, "app")
	if err != nil {
		t.Fatalf("load of corrupt snapshot returned error: %v", err)
	}
	if loaded != nil {
		t.Error("expected corrupt snapshot to be treated as absent")
	}
}

func TestStoreSaveReleasesLockOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Force the write to fail by occupying the snapshot's path with a
	// directory.
	if err := os.MkdirAll(store.statePath("app"), 0755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := store.Save(ctx, "app", NewScopeState("app")); err == nil {
		t.Fatal("expected save to fail")
	}

	locked, err := store.IsLocked(ctx, "app")
	if err != nil {
		t.Fatalf("isLocked failed: %v", err)
	}
	if locked {
		t.Error("lock must be released even when the write fails")
	}
}

func TestStoreBackupsRotate(t *testing.T) {
	store := newTestStore(t, WithMaxBackups(3))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		state := NewScopeState("app")
		if err := store.Save(ctx, "app", state); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct backup timestamps
	}

	backups, err := store.ListBackups("app")
	if err != nil {
		t.Fatalf("listBackups failed: %v", err)
	}
	if len(backups) != 3 {
		t.Errorf("expected 3 retained backups, got %d", len(backups))
	}
	for i := 1; i < len(backups); i++ {
		if backups[i-1].Name < backups[i].Name {
			t.Error("expected backups sorted newest first")
		}
	}
}

func TestStoreRestoreBackup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := NewScopeState("app")
	first.Resources["keep-me"] = &ResourceState{ID: "keep-me", Type: "bucket"}
	if err := store.Save(ctx, "app", first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Second save backs up the first snapshot, then drops the resource.
	second := NewScopeState("app")
	if err := store.Save(ctx, "app", second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	backups, err := store.ListBackups("app")
	if err != nil || len(backups) == 0 {
		t.Fatalf("expected at least one backup: %v", err)
	}

	if err := store.RestoreBackup(ctx, "app", backups[0].Name); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	restored, err := store.Load(ctx, "app")
	if err != nil || restored == nil {
		t.Fatalf("load after restore failed: %v", err)
	}
	if _, ok := restored.Resources["keep-me"]; !ok {
		t.Error("expected restored snapshot to contain keep-me")
	}
}

func TestStoreAddRemoveResource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddResource(ctx, "app", &ResourceState{ID: "b", Type: "vm"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}
	if err := store.AddResource(ctx, "app", &ResourceState{ID: "a", Type: "vm"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}

	resources, err := store.GetResources(ctx, "app")
	if err != nil {
		t.Fatalf("getResources failed: %v", err)
	}
	if len(resources) != 2 || resources[0].ID != "a" || resources[1].ID != "b" {
		t.Errorf("expected [a b] sorted by id, got %v", resources)
	}
	if resources[0].CreatedAt == 0 {
		t.Error("expected createdAt stamped on first add")
	}

	// Upsert preserves createdAt.
	created := resources[0].CreatedAt
	if err := store.AddResource(ctx, "app", &ResourceState{ID: "a", Type: "vm", Name: "renamed"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	resources, _ = store.GetResources(ctx, "app")
	if resources[0].CreatedAt != created {
		t.Error("upsert must preserve the original createdAt")
	}
	if resources[0].Name != "renamed" {
		t.Error("upsert must apply the new fields")
	}

	if err := store.RemoveResource(ctx, "app", "a"); err != nil {
		t.Fatalf("removeResource failed: %v", err)
	}
	// Removing an unknown id is a no-op.
	if err := store.RemoveResource(ctx, "app", "ghost"); err != nil {
		t.Fatalf("remove of unknown id returned error: %v", err)
	}
	resources, _ = store.GetResources(ctx, "app")
	if len(resources) != 1 || resources[0].ID != "b" {
		t.Errorf("expected only b to remain, got %v", resources)
	}
}

func TestStoreNestedScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"stage-a", "stage-b", "stage-a"} {
		if err := store.AddNestedScope(ctx, "app", name); err != nil {
			t.Fatalf("addNestedScope failed: %v", err)
		}
	}

	nested, err := store.GetNestedScopes(ctx, "app")
	if err != nil {
		t.Fatalf("getNestedScopes failed: %v", err)
	}
	if len(nested) != 2 || nested[0] != "stage-a" || nested[1] != "stage-b" {
		t.Errorf("expected deduplicated [stage-a stage-b], got %v", nested)
	}

	if err := store.RemoveNestedScope(ctx, "app", "stage-a"); err != nil {
		t.Fatalf("removeNestedScope failed: %v", err)
	}
	nested, _ = store.GetNestedScopes(ctx, "app")
	if len(nested) != 1 || nested[0] != "stage-b" {
		t.Errorf("expected [stage-b], got %v", nested)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "app/prod", NewScopeState("app/prod")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Delete(ctx, "app/prod"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	loaded, _ := store.Load(ctx, "app/prod")
	if loaded != nil {
		t.Error("expected snapshot gone after delete")
	}
	if _, err := os.Stat(store.scopeDir("app/prod")); !os.IsNotExist(err) {
		t.Error("expected empty scope directory removed")
	}

	// Idempotent on a missing snapshot.
	if err := store.Delete(ctx, "app/prod"); err != nil {
		t.Errorf("delete of missing snapshot returned error: %v", err)
	}
}

func TestStoreDeleteKeepsNonEmptyDir(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "app", NewScopeState("app")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(ctx, "app/prod", NewScopeState("app/prod")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := store.Delete(ctx, "app"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The child snapshot keeps the directory alive.
	loaded, _ := store.Load(ctx, "app/prod")
	if loaded == nil {
		t.Error("deleting a parent scope must not remove child snapshots")
	}
}

func TestStoreCreateInitial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.CreateInitial(ctx, "app")
	if err != nil {
		t.Fatalf("createInitial failed: %v", err)
	}
	if state == nil || len(state.Resources) != 0 {
		t.Fatal("expected fresh empty snapshot")
	}

	// Second call returns the existing snapshot untouched.
	if err := store.AddResource(ctx, "app", &ResourceState{ID: "r", Type: "vm"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}
	state, err = store.CreateInitial(ctx, "app")
	if err != nil {
		t.Fatalf("createInitial failed: %v", err)
	}
	if len(state.Resources) != 1 {
		t.Error("createInitial must not reset an existing snapshot")
	}
}

func TestStoreListScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"app/prod", "app/staging", "other"} {
		if err := store.Save(ctx, p, NewScopeState(p)); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	paths, err := store.ListScopes(ctx)
	if err != nil {
		t.Fatalf("listScopes failed: %v", err)
	}
	want := []string{"app/prod", "app/staging", "other"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("expected %v, got %v", want, paths)
			break
		}
	}
}

func TestStoreInspectAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddResource(ctx, "app/prod", &ResourceState{ID: "db", Type: "database"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}
	if err := store.AddResource(ctx, "app/prod", &ResourceState{ID: "vm", Type: "compute"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}
	if err := store.AddResource(ctx, "other", &ResourceState{ID: "vm2", Type: "compute"}); err != nil {
		t.Fatalf("addResource failed: %v", err)
	}

	detail, err := store.Inspect(ctx, "app/prod")
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if len(detail.Resources) != 2 {
		t.Errorf("expected 2 resources, got %d", len(detail.Resources))
	}
	if detail.Locked {
		t.Error("expected unlocked scope")
	}
	if detail.SizeBytes == 0 {
		t.Error("expected nonzero snapshot size")
	}

	stats, err := store.CollectStats(ctx, "")
	if err != nil {
		t.Fatalf("collectStats failed: %v", err)
	}
	if stats.TotalScopes != 2 || stats.TotalResources != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ResourcesByType["compute"] != 2 {
		t.Errorf("expected 2 compute resources, got %d", stats.ResourcesByType["compute"])
	}

	scoped, err := store.CollectStats(ctx, "app")
	if err != nil {
		t.Fatalf("collectStats failed: %v", err)
	}
	if scoped.TotalScopes != 1 || scoped.TotalResources != 2 {
		t.Errorf("unexpected prefix stats: %+v", scoped)
	}
}

func TestStoreSnapshotIsValidJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := NewScopeState("app")
	state.Resources["r"] = &ResourceState{
		ID: "r", Type: "vm",
		Metadata: map[string]interface{}{"region": "eu-west-1"},
	}
	if err := store.Save(ctx, "app", state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	data, err := os.ReadFile(store.statePath("app"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if doc["version"] != StateVersion {
		t.Errorf("expected version field %q, got %v", StateVersion, doc["version"])
	}
}
