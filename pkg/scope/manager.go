package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scopekeeper/scopekeeper/pkg/destroy"
	"github.com/scopekeeper/scopekeeper/pkg/policy"
	"github.com/scopekeeper/scopekeeper/pkg/state"
)

type contextKey struct{}

// scopeContextKey carries the current scope through a unit of work.
var scopeContextKey = contextKey{}

// Manager owns the root scopes and runs units of work inside them.
type Manager struct {
	store    *state.Store
	engine   *destroy.Engine
	policies *policy.Engine
	profile  string
	logger   zerolog.Logger

	mu    sync.Mutex
	roots map[string]*Scope
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProfile sets the execution profile checked by the stage access
// policy.
func WithProfile(profile string) ManagerOption {
	return func(m *Manager) { m.profile = profile }
}

// WithPolicyEngine attaches a policy engine. Without one, stage access
// is unrestricted.
func WithPolicyEngine(e *policy.Engine) ManagerOption {
	return func(m *Manager) { m.policies = e }
}

// NewManager creates a scope manager over a snapshot store and a
// destruction engine.
func NewManager(store *state.Store, engine *destroy.Engine, logger zerolog.Logger, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("destroy engine is required")
	}
	m := &Manager{
		store:  store,
		engine: engine,
		logger: logger.With().Str("component", "scope-manager").Logger(),
		roots:  make(map[string]*Scope),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateScope creates or returns the named root application scope.
func (m *Manager) CreateScope(ctx context.Context, name string) (*Scope, error) {
	if name == "" {
		return nil, fmt.Errorf("scope name is required")
	}

	m.mu.Lock()
	if existing, ok := m.roots[name]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	root := newScope(m, nil, name, KindApplication)
	if _, err := m.store.CreateInitial(ctx, root.path); err != nil {
		return nil, fmt.Errorf("failed to initialize scope %s: %w", name, err)
	}

	m.mu.Lock()
	if existing, ok := m.roots[name]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.roots[name] = root
	m.mu.Unlock()

	root.logger.Debug().Msg("Root scope created")
	return root, nil
}

// GetScope returns a root scope by name.
func (m *Manager) GetScope(name string) (*Scope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.roots[name]
	return s, ok
}

// Roots returns the root scopes sorted by name.
func (m *Manager) Roots() []*Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := make([]*Scope, 0, len(m.roots))
	for _, s := range m.roots {
		roots = append(roots, s)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].name < roots[j].name })
	return roots
}

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey, s)
}

// Current returns the scope carried by the context. Calling it outside
// a unit of work is a usage error.
func Current(ctx context.Context) (*Scope, error) {
	s, ok := ctx.Value(scopeContextKey).(*Scope)
	if !ok || s == nil {
		return nil, fmt.Errorf("no scope in context: use RunInScope or WithScope")
	}
	return s, nil
}

// RunInScope runs fn inside the named root scope and finalizes the
// scope afterward. The scope is reachable from fn's context via
// Current. Finalization runs even when fn fails; fn's error wins when
// both fail.
func (m *Manager) RunInScope(ctx context.Context, name string, opts destroy.Options, fn func(ctx context.Context) error) error {
	s, err := m.CreateScope(ctx, name)
	if err != nil {
		return err
	}

	fnErr := fn(WithScope(ctx, s))

	report, finErr := s.Finalize(ctx, opts)
	if fnErr != nil {
		return fnErr
	}
	if finErr != nil {
		return fmt.Errorf("failed to finalize scope %s: %w", name, finErr)
	}
	if !report.Success {
		return fmt.Errorf("finalization of scope %s left %d resources behind", name, len(report.Failed))
	}
	return nil
}

// RunInTestScope runs fn inside an ephemeral test scope that is
// force-cleaned on exit, so a failing destroyer can never leak state
// between tests.
func (m *Manager) RunInTestScope(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s, err := m.CreateScope(ctx, name)
	if err != nil {
		return err
	}
	s.kind = KindTest

	fnErr := fn(WithScope(ctx, s))

	if _, err := s.ForceFinalize(ctx, destroy.DefaultOptions()); err != nil {
		m.logger.Warn().Err(err).Str("scope_path", s.path).Msg("Forced cleanup of test scope failed")
	}

	m.mu.Lock()
	delete(m.roots, name)
	m.mu.Unlock()

	return fnErr
}

// FinalizeAll finalizes every root scope bottom-up and clears the
// registry. The first error aborts.
func (m *Manager) FinalizeAll(ctx context.Context, opts destroy.Options) error {
	for _, root := range m.Roots() {
		report, err := root.Finalize(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to finalize scope %s: %w", root.name, err)
		}
		if !report.Success {
			return fmt.Errorf("finalization of scope %s left %d resources behind", root.name, len(report.Failed))
		}
	}

	m.mu.Lock()
	m.roots = make(map[string]*Scope)
	m.mu.Unlock()
	return nil
}
