package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/lock"
	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

const (
	stateFileName = "state.json"
	backupDirName = "backups"

	// DefaultLockTimeout bounds lock acquisition for mutating operations.
	DefaultLockTimeout = 30 * time.Second

	// DefaultMaxBackups is how many timestamped backups are kept per scope.
	DefaultMaxBackups = 5

	backupTimeFormat = "20060102T150405.000"
)

// Store persists scope snapshots as one JSON document per scope path
// under a base directory. Mutating operations are serialized through
// the scope path's lock; reads are deliberately lock-free and may
// observe a stale snapshot relative to an in-flight write.
type Store struct {
	baseDir     string
	locker      lock.Locker
	useLocking  bool
	lockTimeout time.Duration
	maxBackups  int
	useBackups  bool
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithoutLocking disables lock acquisition around saves. Intended for
// single-process tooling that already holds exclusivity.
func WithoutLocking() StoreOption {
	return func(s *Store) { s.useLocking = false }
}

// WithLockTimeout overrides the save lock timeout.
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.lockTimeout = d }
}

// WithMaxBackups overrides how many backups are retained per scope.
// Zero disables backups.
func WithMaxBackups(n int) StoreOption {
	return func(s *Store) {
		s.maxBackups = n
		s.useBackups = n > 0
	}
}

// WithStoreMetrics records snapshot reads, writes, and backups.
func WithStoreMetrics(m *telemetry.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a snapshot store rooted at baseDir, guarded by the
// given locker.
func NewStore(baseDir string, locker lock.Locker, logger zerolog.Logger, opts ...StoreOption) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{
		baseDir:     baseDir,
		locker:      locker,
		useLocking:  true,
		lockTimeout: DefaultLockTimeout,
		maxBackups:  DefaultMaxBackups,
		useBackups:  true,
		logger:      logger.With().Str("component", "state-store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the root directory snapshots live under.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) scopeDir(scopePath string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(scopePath))
}

func (s *Store) statePath(scopePath string) string {
	return filepath.Join(s.scopeDir(scopePath), stateFileName)
}

func (s *Store) backupDir(scopePath string) string {
	return filepath.Join(s.scopeDir(scopePath), backupDirName)
}

// Load reads the snapshot for a scope path without taking the lock.
// A missing snapshot returns (nil, nil). An unreadable or corrupt
// snapshot is logged and also treated as absent so reconciliation can
// proceed from an empty baseline.
func (s *Store) Load(_ context.Context, scopePath string) (*ScopeState, error) {
	data, err := os.ReadFile(s.statePath(scopePath))
	if err != nil {
		if os.IsNotExist(err) {
			s.recordLoad("missing")
			return nil, nil
		}
		s.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("snapshot read failed, treating as absent")
		s.recordLoad("error")
		return nil, nil
	}

	var state ScopeState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("snapshot decode failed, treating as absent")
		s.recordLoad("corrupt")
		return nil, nil
	}
	if state.Resources == nil {
		state.Resources = make(map[string]*ResourceState)
	}
	s.recordLoad("ok")
	return &state, nil
}

func (s *Store) recordLoad(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordStateLoad(outcome)
	}
}

func (s *Store) recordSave(err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.RecordStateSave("error")
		return
	}
	s.metrics.RecordStateSave("ok")
}

// Save writes the snapshot for a scope path. With locking enabled (the
// default) the path's lock is held for the duration of the write and
// released even when the write fails.
func (s *Store) Save(ctx context.Context, scopePath string, state *ScopeState) error {
	if s.useLocking {
		ok, err := s.locker.Acquire(ctx, scopePath, s.lockTimeout)
		if err != nil {
			return fmt.Errorf("failed to lock scope %s: %w", scopePath, err)
		}
		if !ok {
			return fmt.Errorf("failed to lock scope %s: %w", scopePath, lock.ErrAcquireTimeout)
		}
		defer func() {
			_ = s.locker.Release(ctx, scopePath)
		}()
	}
	err := s.write(scopePath, state)
	s.recordSave(err)
	return err
}

// write stamps and persists the snapshot, taking a backup of the
// previous contents first.
func (s *Store) write(scopePath string, state *ScopeState) error {
	state.Version = StateVersion
	state.ScopePath = scopePath
	state.UpdatedAt = nowMillis()

	if s.useBackups {
		s.backupCurrent(scopePath)
	}

	path := s.statePath(scopePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create scope directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// backupCurrent copies the live snapshot into the backups directory and
// prunes old backups. Backup failures are logged, never fatal.
func (s *Store) backupCurrent(scopePath string) {
	data, err := os.ReadFile(s.statePath(scopePath))
	if err != nil {
		return // nothing to back up
	}

	dir := s.backupDir(scopePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("failed to create backup directory")
		return
	}

	name := fmt.Sprintf("state-%s.json", time.Now().UTC().Format(backupTimeFormat))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		s.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("failed to write backup")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordBackup()
	}

	s.pruneBackups(scopePath)
}

// pruneBackups removes the oldest backups beyond the retention bound.
func (s *Store) pruneBackups(scopePath string) {
	backups, err := s.ListBackups(scopePath)
	if err != nil || len(backups) <= s.maxBackups {
		return
	}
	// ListBackups sorts newest first; everything past maxBackups goes.
	for _, b := range backups[s.maxBackups:] {
		if err := os.Remove(filepath.Join(s.backupDir(scopePath), b.Name)); err != nil {
			s.logger.Warn().Err(err).Str("backup", b.Name).Msg("failed to prune backup")
		}
	}
}

// ListBackups returns the backups for a scope path, newest first.
func (s *Store) ListBackups(scopePath string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir(scopePath))
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	// Names embed a sortable UTC timestamp, so lexicographic descending
	// order is newest-first.
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name > backups[j].Name })
	return backups, nil
}

// RestoreBackup overwrites the live snapshot with a named backup,
// verbatim. The displaced snapshot is backed up first so a restore can
// itself be undone. The scope lock is held for the duration.
func (s *Store) RestoreBackup(ctx context.Context, scopePath, name string) error {
	data, err := os.ReadFile(filepath.Join(s.backupDir(scopePath), name))
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", name, err)
	}

	if s.useLocking {
		ok, err := s.locker.Acquire(ctx, scopePath, s.lockTimeout)
		if err != nil {
			return fmt.Errorf("failed to lock scope %s for restore: %w", scopePath, err)
		}
		if !ok {
			return fmt.Errorf("failed to lock scope %s for restore: %w", scopePath, lock.ErrAcquireTimeout)
		}
		defer func() {
			_ = s.locker.Release(ctx, scopePath)
		}()
	}

	if s.useBackups {
		s.backupCurrent(scopePath)
	}
	if err := os.WriteFile(s.statePath(scopePath), data, 0644); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return nil
}

// CreateInitial creates an empty snapshot for a scope path if none
// exists and returns the current snapshot either way.
func (s *Store) CreateInitial(ctx context.Context, scopePath string) (*ScopeState, error) {
	existing, err := s.Load(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	state := NewScopeState(scopePath)
	if err := s.Save(ctx, scopePath, state); err != nil {
		return nil, err
	}
	return state, nil
}

// modify runs a read-modify-write cycle under the scope path's lock.
func (s *Store) modify(ctx context.Context, scopePath string, fn func(*ScopeState) error) error {
	if s.useLocking {
		ok, err := s.locker.Acquire(ctx, scopePath, s.lockTimeout)
		if err != nil {
			return fmt.Errorf("failed to lock scope %s: %w", scopePath, err)
		}
		if !ok {
			return fmt.Errorf("failed to lock scope %s: %w", scopePath, lock.ErrAcquireTimeout)
		}
		defer func() {
			_ = s.locker.Release(ctx, scopePath)
		}()
	}

	state, err := s.Load(ctx, scopePath)
	if err != nil {
		return err
	}
	if state == nil {
		state = NewScopeState(scopePath)
	}
	if err := fn(state); err != nil {
		return err
	}
	err = s.write(scopePath, state)
	s.recordSave(err)
	return err
}

// AddResource upserts a resource record in the scope's snapshot.
func (s *Store) AddResource(ctx context.Context, scopePath string, res *ResourceState) error {
	return s.modify(ctx, scopePath, func(state *ScopeState) error {
		now := nowMillis()
		if existing, ok := state.Resources[res.ID]; ok {
			res.CreatedAt = existing.CreatedAt
		} else if res.CreatedAt == 0 {
			res.CreatedAt = now
		}
		res.UpdatedAt = now
		state.Resources[res.ID] = res
		return nil
	})
}

// RemoveResource deletes a resource record from the scope's snapshot.
// Removing an unknown id is a no-op.
func (s *Store) RemoveResource(ctx context.Context, scopePath, resourceID string) error {
	return s.modify(ctx, scopePath, func(state *ScopeState) error {
		delete(state.Resources, resourceID)
		return nil
	})
}

// GetResources returns the persisted resources for a scope path,
// sorted by id.
func (s *Store) GetResources(ctx context.Context, scopePath string) ([]*ResourceState, error) {
	state, err := s.Load(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return []*ResourceState{}, nil
	}
	resources := make([]*ResourceState, 0, len(state.Resources))
	for _, r := range state.Resources {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })
	return resources, nil
}

// AddNestedScope registers a child scope name. Duplicates are ignored;
// insertion order is preserved.
func (s *Store) AddNestedScope(ctx context.Context, scopePath, name string) error {
	return s.modify(ctx, scopePath, func(state *ScopeState) error {
		if state.HasNestedScope(name) {
			return nil
		}
		state.NestedScopes = append(state.NestedScopes, name)
		return nil
	})
}

// RemoveNestedScope unregisters a child scope name.
func (s *Store) RemoveNestedScope(ctx context.Context, scopePath, name string) error {
	return s.modify(ctx, scopePath, func(state *ScopeState) error {
		kept := state.NestedScopes[:0]
		for _, n := range state.NestedScopes {
			if n != name {
				kept = append(kept, n)
			}
		}
		state.NestedScopes = kept
		return nil
	})
}

// GetNestedScopes returns the registered child scope names in order.
func (s *Store) GetNestedScopes(ctx context.Context, scopePath string) ([]string, error) {
	state, err := s.Load(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return []string{}, nil
	}
	return append([]string{}, state.NestedScopes...), nil
}

// Delete removes the snapshot, its backups, and the scope directory if
// it ends up empty. A non-empty directory is left in place: other
// scopes may still live under it.
func (s *Store) Delete(_ context.Context, scopePath string) error {
	if err := os.Remove(s.statePath(scopePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if err := os.RemoveAll(s.backupDir(scopePath)); err != nil {
		s.logger.Warn().Err(err).Str("scope_path", scopePath).Msg("failed to delete backups")
	}
	// Best-effort: fails when nested scope directories remain.
	if err := os.Remove(s.scopeDir(scopePath)); err != nil && !os.IsNotExist(err) {
		s.logger.Debug().Str("scope_path", scopePath).Msg("scope directory not empty, leaving in place")
	}
	return nil
}

// IsLocked reports whether the scope path's lock is currently held.
func (s *Store) IsLocked(ctx context.Context, scopePath string) (bool, error) {
	return s.locker.IsLocked(ctx, scopePath)
}

// ForceUnlock removes the scope path's lock marker regardless of owner.
func (s *Store) ForceUnlock(ctx context.Context, scopePath string) error {
	return s.locker.ForceRelease(ctx, scopePath)
}
