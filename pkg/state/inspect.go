package state

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScopeDetail is the full inspection view of one persisted scope.
type ScopeDetail struct {
	ScopePath    string           `json:"scopePath"`
	CreatedAt    int64            `json:"createdAt"`
	UpdatedAt    int64            `json:"updatedAt"`
	Resources    []*ResourceState `json:"resources"`
	NestedScopes []string         `json:"nestedScopes"`
	Backups      []BackupInfo     `json:"backups"`
	Locked       bool             `json:"locked"`
	SizeBytes    int64            `json:"sizeBytes"`
}

// Stats aggregates counts across every persisted scope.
type Stats struct {
	TotalScopes     int            `json:"totalScopes"`
	TotalResources  int            `json:"totalResources"`
	ResourcesByType map[string]int `json:"resourcesByType"`
	LockedScopes    int            `json:"lockedScopes"`
	TotalBackups    int            `json:"totalBackups"`
	OldestUpdatedAt int64          `json:"oldestUpdatedAt"`
	NewestUpdatedAt int64          `json:"newestUpdatedAt"`
}

// ListScopes walks the base directory and returns every scope path
// that has a persisted snapshot, sorted.
func (s *Store) ListScopes(_ context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == backupDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != stateFileName {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to walk state directory: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Inspect returns the full detail view for one scope path.
func (s *Store) Inspect(ctx context.Context, scopePath string) (*ScopeDetail, error) {
	state, err := s.Load(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("no snapshot for scope %s", scopePath)
	}

	resources := make([]*ResourceState, 0, len(state.Resources))
	for _, r := range state.Resources {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })

	backups, err := s.ListBackups(scopePath)
	if err != nil {
		return nil, err
	}

	locked, err := s.locker.IsLocked(ctx, scopePath)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := os.Stat(s.statePath(scopePath)); err == nil {
		size = info.Size()
	}

	return &ScopeDetail{
		ScopePath:    state.ScopePath,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
		Resources:    resources,
		NestedScopes: append([]string{}, state.NestedScopes...),
		Backups:      backups,
		Locked:       locked,
		SizeBytes:    size,
	}, nil
}

// CollectStats aggregates counts across all persisted scopes,
// optionally filtered to paths under prefix.
func (s *Store) CollectStats(ctx context.Context, prefix string) (*Stats, error) {
	paths, err := s.ListScopes(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ResourcesByType: make(map[string]int)}
	for _, p := range paths {
		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			continue
		}
		state, err := s.Load(ctx, p)
		if err != nil || state == nil {
			continue
		}
		stats.TotalScopes++
		stats.TotalResources += len(state.Resources)
		for _, r := range state.Resources {
			stats.ResourcesByType[r.Type]++
		}
		if stats.OldestUpdatedAt == 0 || state.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = state.UpdatedAt
		}
		if state.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = state.UpdatedAt
		}

		if locked, err := s.locker.IsLocked(ctx, p); err == nil && locked {
			stats.LockedScopes++
		}
		if backups, err := s.ListBackups(p); err == nil {
			stats.TotalBackups += len(backups)
		}
	}
	return stats, nil
}
