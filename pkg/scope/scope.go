package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/destroy"
	"github.com/scopekeeper/scopekeeper/pkg/state"
)

// Kind classifies a scope within the hierarchy.
type Kind string

const (
	// KindApplication is a root scope.
	KindApplication Kind = "application"

	// KindStage is a deployment stage under an application.
	KindStage Kind = "stage"

	// KindNested is a general-purpose child scope.
	KindNested Kind = "nested"

	// KindResource groups resources below a stage.
	KindResource Kind = "resource"

	// KindTest is an ephemeral scope that is force-cleaned on exit.
	KindTest Kind = "test"
)

// Scope is one node in the scope tree. It tracks the live resource
// set in memory and mirrors membership changes into the snapshot
// store, so the persisted set can be reconciled against the live set
// at finalization.
type Scope struct {
	id        string
	name      string
	path      string
	kind      Kind
	createdAt time.Time

	mu        sync.RWMutex
	parent    *Scope
	children  map[string]*Scope
	live      map[string]struct{}
	finalized bool

	mgr    *Manager
	logger zerolog.Logger
}

func newScope(mgr *Manager, parent *Scope, name string, kind Kind) *Scope {
	path := name
	if parent != nil {
		path = parent.path + "/" + name
	}
	return &Scope{
		id:        uuid.New().String(),
		name:      name,
		path:      path,
		kind:      kind,
		createdAt: time.Now(),
		parent:    parent,
		children:  make(map[string]*Scope),
		live:      make(map[string]struct{}),
		mgr:       mgr,
		logger:    mgr.logger.With().Str("scope_path", path).Logger(),
	}
}

// ID returns the scope's unique id.
func (s *Scope) ID() string { return s.id }

// Name returns the scope's name segment.
func (s *Scope) Name() string { return s.name }

// Path returns the slash-joined path from the root.
func (s *Scope) Path() string { return s.path }

// Kind returns the scope's kind.
func (s *Scope) Kind() Kind { return s.kind }

// CreatedAt returns when the scope object was created.
func (s *Scope) CreatedAt() time.Time { return s.createdAt }

// Parent returns the owning scope, nil for roots.
func (s *Scope) Parent() *Scope { return s.parent }

// CreateChild creates or returns the named child scope. Stage
// children are subject to the stage access policy; the child's
// snapshot is initialized and its name registered with the parent.
func (s *Scope) CreateChild(ctx context.Context, name string, kind Kind) (*Scope, error) {
	if name == "" {
		return nil, fmt.Errorf("child scope name is required")
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil, fmt.Errorf("scope %s is finalized", s.path)
	}
	if existing, ok := s.children[name]; ok {
		s.mu.Unlock()
		if existing.kind != kind {
			return nil, fmt.Errorf("scope %s already exists with kind %s", existing.path, existing.kind)
		}
		return existing, nil
	}
	s.mu.Unlock()

	if kind == KindStage && s.mgr.policies != nil {
		result, err := s.mgr.policies.CheckStageAccess(ctx, s.mgr.profile, name)
		if err != nil {
			return nil, fmt.Errorf("stage access check failed: %w", err)
		}
		if !result.Allowed {
			msg := "denied by policy"
			if len(result.Violations) > 0 {
				msg = result.Violations[0].Message
			}
			return nil, fmt.Errorf("stage %s not allowed for profile %q: %s", name, s.mgr.profile, msg)
		}
	}

	child := newScope(s.mgr, s, name, kind)
	if _, err := s.mgr.store.CreateInitial(ctx, child.path); err != nil {
		return nil, fmt.Errorf("failed to initialize scope %s: %w", child.path, err)
	}
	if err := s.mgr.store.AddNestedScope(ctx, s.path, name); err != nil {
		return nil, fmt.Errorf("failed to register nested scope %s: %w", name, err)
	}

	s.mu.Lock()
	// Lost race with a concurrent creator: keep theirs.
	if existing, ok := s.children[name]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.children[name] = child
	s.mu.Unlock()

	child.logger.Debug().Str("kind", string(kind)).Msg("Scope created")
	return child, nil
}

// CreateResourceScope wraps a single resource in a child scope named
// after the resource id.
func (s *Scope) CreateResourceScope(ctx context.Context, res *state.ResourceState) (*Scope, error) {
	if res == nil || res.ID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	child, err := s.CreateChild(ctx, res.ID, KindResource)
	if err != nil {
		return nil, err
	}
	if err := child.AddResource(ctx, res); err != nil {
		return nil, err
	}
	return child, nil
}

// Init rehydrates the subtree from the persisted snapshot. The
// snapshot is created when missing, and a child is materialized for
// every registered nested scope name not already present. Rehydrated
// children start with an empty live set, so their persisted resources
// surface as orphans at the next finalization.
func (s *Scope) Init(ctx context.Context) error {
	if _, err := s.mgr.store.CreateInitial(ctx, s.path); err != nil {
		return fmt.Errorf("failed to initialize scope %s: %w", s.path, err)
	}
	names, err := s.mgr.store.GetNestedScopes(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to read nested scopes of %s: %w", s.path, err)
	}
	for _, name := range names {
		s.mu.Lock()
		child, ok := s.children[name]
		if !ok {
			child = newScope(s.mgr, s, name, KindNested)
			s.children[name] = child
		}
		s.mu.Unlock()
		if err := child.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Child returns the named child scope, if present.
func (s *Scope) Child(name string) (*Scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[name]
	return c, ok
}

// HasChild reports whether the named child exists.
func (s *Scope) HasChild(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.children[name]
	return ok
}

// RemoveChild detaches a finalized child from the tree and from this
// scope's persisted registration. Removing a child that has not been
// finalized is an error; finalize it first.
func (s *Scope) RemoveChild(ctx context.Context, name string) error {
	s.mu.RLock()
	child, ok := s.children[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if !child.Finalized() {
		return fmt.Errorf("scope %s is not finalized", child.path)
	}
	if err := s.mgr.store.RemoveNestedScope(ctx, s.path, name); err != nil {
		return fmt.Errorf("failed to unregister nested scope %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.children, name)
	s.mu.Unlock()
	return nil
}

// Children returns the direct children sorted by name.
func (s *Scope) Children() []*Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	children := make([]*Scope, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })
	return children
}

// Descendants returns the subtree rooted at s in pre-order, including
// s itself.
func (s *Scope) Descendants() []*Scope {
	all := []*Scope{s}
	for _, c := range s.Children() {
		all = append(all, c.Descendants()...)
	}
	return all
}

// AddResource marks a resource live in this scope and persists it.
func (s *Scope) AddResource(ctx context.Context, res *state.ResourceState) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("resource id is required")
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return fmt.Errorf("scope %s is finalized", s.path)
	}
	s.mu.Unlock()

	if err := s.mgr.store.AddResource(ctx, s.path, res); err != nil {
		return fmt.Errorf("failed to persist resource %s: %w", res.ID, err)
	}

	s.mu.Lock()
	s.live[res.ID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RemoveResource drops a resource from the live set and the snapshot.
// Use this when the caller has already destroyed the resource itself.
func (s *Scope) RemoveResource(ctx context.Context, resourceID string) error {
	if err := s.mgr.store.RemoveResource(ctx, s.path, resourceID); err != nil {
		return fmt.Errorf("failed to remove resource %s: %w", resourceID, err)
	}

	s.mu.Lock()
	delete(s.live, resourceID)
	s.mu.Unlock()
	return nil
}

// Release drops a resource from the live set only, leaving it
// persisted. The next finalization sees it as an orphan.
func (s *Scope) Release(resourceID string) {
	s.mu.Lock()
	delete(s.live, resourceID)
	s.mu.Unlock()
}

// LiveResourceIDs returns the in-memory live set, sorted.
func (s *Scope) LiveResourceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PersistedResources returns the persisted resource records, sorted by
// id.
func (s *Scope) PersistedResources(ctx context.Context) ([]*state.ResourceState, error) {
	return s.mgr.store.GetResources(ctx, s.path)
}

// Finalized reports whether the scope has been finalized.
func (s *Scope) Finalized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized
}

// Finalize reconciles the subtree bottom-up: children first, then this
// scope's orphans. Once a scope's finalization fully succeeds and
// nothing remains persisted, its snapshot is deleted and its
// registration with the parent removed. Finalizing twice is a no-op.
func (s *Scope) Finalize(ctx context.Context, opts destroy.Options) (*destroy.FinalizationReport, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return &destroy.FinalizationReport{
			ScopePath: s.path,
			Success:   true,
			StartedAt: time.Now(),
		}, nil
	}
	s.mu.Unlock()

	for _, child := range s.Children() {
		if _, err := child.Finalize(ctx, opts); err != nil {
			return nil, fmt.Errorf("failed to finalize child scope %s: %w", child.path, err)
		}
	}

	report, err := s.mgr.engine.Finalize(ctx, s.path, s.LiveResourceIDs(), opts)
	if err != nil {
		return nil, err
	}
	if !report.Success {
		return report, nil
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	if !opts.DryRun {
		s.cleanupSnapshot(ctx)
	}
	return report, nil
}

// ForceFinalize tears the subtree down unconditionally: every orphan
// leaves the snapshot whether or not its destruction worked.
func (s *Scope) ForceFinalize(ctx context.Context, opts destroy.Options) (*destroy.FinalizationReport, error) {
	for _, child := range s.Children() {
		if _, err := child.ForceFinalize(ctx, opts); err != nil {
			return nil, fmt.Errorf("failed to force-finalize child scope %s: %w", child.path, err)
		}
	}

	report, err := s.mgr.engine.ForceCleanup(ctx, s.path, s.LiveResourceIDs(), opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	s.cleanupSnapshot(ctx)
	return report, nil
}

// cleanupSnapshot deletes the snapshot once nothing persisted remains
// and unregisters the scope from its parent. Leftovers keep the
// snapshot in place for the next run.
func (s *Scope) cleanupSnapshot(ctx context.Context) {
	snapshot, err := s.mgr.store.Load(ctx, s.path)
	if err != nil || snapshot == nil {
		return
	}
	if len(snapshot.Resources) > 0 || len(snapshot.NestedScopes) > 0 {
		return
	}
	if err := s.mgr.store.Delete(ctx, s.path); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete finalized snapshot")
		return
	}
	if s.parent != nil {
		if err := s.mgr.store.RemoveNestedScope(ctx, s.parent.path, s.name); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to unregister from parent scope")
		}
		s.parent.mu.Lock()
		delete(s.parent.children, s.name)
		s.parent.mu.Unlock()
	}
}
