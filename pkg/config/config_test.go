package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Locking.Backend != "local" {
		t.Errorf("expected local backend default, got %s", cfg.Locking.Backend)
	}
	if cfg.Finalize.MaxRetries != 3 || cfg.Finalize.Concurrency != 5 || cfg.Finalize.BatchSize != 10 {
		t.Errorf("unexpected finalize defaults: %+v", cfg.Finalize)
	}
	if cfg.Locking.LocalStaleThreshold != 5*time.Minute || cfg.Locking.ObjectStaleThreshold != 10*time.Minute {
		t.Errorf("unexpected staleness defaults: %+v", cfg.Locking)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scopekeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
state_dir: /var/lib/scopekeeper
profile: ci
finalize:
  strategy: parallel
  concurrency: 8
journal:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StateDir != "/var/lib/scopekeeper" || cfg.Profile != "ci" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Finalize.Strategy != "parallel" || cfg.Finalize.Concurrency != 8 {
		t.Errorf("finalize overrides not applied: %+v", cfg.Finalize)
	}
	if cfg.Journal.Enabled {
		t.Error("journal disable not applied")
	}
	// Untouched fields keep their defaults.
	if cfg.Finalize.MaxRetries != 3 {
		t.Errorf("expected default maxRetries, got %d", cfg.Finalize.MaxRetries)
	}
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, `
finalize:
  strategy: yolo
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unknown strategy")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "{not yaml")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestObjectBackendRequiresHost(t *testing.T) {
	path := writeConfig(t, `
locking:
  backend: composite
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for composite backend without object host")
	}

	path = writeConfig(t, `
locking:
  backend: composite
  object:
    host: lock-host.internal
`)
	if _, err := Load(path); err != nil {
		t.Errorf("expected valid composite config: %v", err)
	}
}

func TestLockDirDefault(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/data/state"
	if got := cfg.LockDir(); got != "/data/state/.locks" {
		t.Errorf("unexpected default lock dir: %s", got)
	}
	cfg.Locking.Dir = "/data/locks"
	if got := cfg.LockDir(); got != "/data/locks" {
		t.Errorf("unexpected explicit lock dir: %s", got)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "profile: dev\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, zerolog.Nop(),
		WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if err := os.WriteFile(path, []byte("profile: production\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Profile != "production" {
			t.Errorf("expected reloaded profile production, got %s", cfg.Profile)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	<-done
}

// A broken rewrite keeps the previous configuration.
func TestWatcherSkipsInvalidReload(t *testing.T) {
	path := writeConfig(t, "profile: dev\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, zerolog.Nop(),
		WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("invalid config must not be delivered: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
