package state

import (
	"time"
)

// StateVersion is the current snapshot format version.
const StateVersion = "1"

// ResourceState is the persisted record of a tracked resource. The
// metadata bag is opaque to the engine and handed verbatim to the
// destroyer that removes the resource.
type ResourceState struct {
	// ID is unique within a scope.
	ID string `json:"id"`

	// Type is a free-form tag consumed by destroyer selection.
	Type string `json:"type"`

	// Name is the human-readable resource name.
	Name string `json:"name"`

	// CreatedAt is the creation time in epoch milliseconds.
	CreatedAt int64 `json:"createdAt"`

	// UpdatedAt is the last update time in epoch milliseconds.
	UpdatedAt int64 `json:"updatedAt"`

	// Metadata is an opaque key/value bag for the destroyer.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ScopeState is the durable membership snapshot for one scope path.
// It is the only cross-process-visible record of membership; in-memory
// scope trees are reconstructed from it.
type ScopeState struct {
	// Version is the snapshot format version.
	Version string `json:"version"`

	// ScopePath is the slash-joined scope path this snapshot belongs to.
	ScopePath string `json:"scopePath"`

	// CreatedAt is the creation time in epoch milliseconds.
	CreatedAt int64 `json:"createdAt"`

	// UpdatedAt is the last save time in epoch milliseconds.
	UpdatedAt int64 `json:"updatedAt"`

	// Resources maps resource id to its persisted record.
	Resources map[string]*ResourceState `json:"resources"`

	// NestedScopes is the ordered set of child scope names.
	NestedScopes []string `json:"nestedScopes"`
}

// NewScopeState creates an empty snapshot for a scope path.
func NewScopeState(scopePath string) *ScopeState {
	now := nowMillis()
	return &ScopeState{
		Version:      StateVersion,
		ScopePath:    scopePath,
		CreatedAt:    now,
		UpdatedAt:    now,
		Resources:    make(map[string]*ResourceState),
		NestedScopes: []string{},
	}
}

// ResourceIDs returns the set of persisted resource ids.
func (s *ScopeState) ResourceIDs() []string {
	ids := make([]string, 0, len(s.Resources))
	for id := range s.Resources {
		ids = append(ids, id)
	}
	return ids
}

// HasNestedScope reports whether name is registered as a child.
func (s *ScopeState) HasNestedScope(name string) bool {
	for _, n := range s.NestedScopes {
		if n == name {
			return true
		}
	}
	return false
}

// BackupInfo describes one timestamped snapshot backup.
type BackupInfo struct {
	// Name is the backup file name, lexicographically sortable by
	// timestamp.
	Name string `json:"name"`

	// Size is the backup size in bytes.
	Size int64 `json:"size"`

	// ModTime is the backup file modification time.
	ModTime time.Time `json:"modTime"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
