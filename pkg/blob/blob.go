package blob

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectExists is returned by PutIfAbsent when the object already exists.
var ErrObjectExists = errors.New("object already exists")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	// Key is the object key, slash-separated.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ModTime is the last modification time of the object.
	ModTime time.Time
}

// Store is a minimal object-store abstraction. Keys are slash-separated
// paths; implementations create intermediate "directories" as needed.
//
// PutIfAbsent must be atomic with respect to concurrent callers on the
// same backend: exactly one of N concurrent calls for the same key may
// succeed while the object does not exist.
type Store interface {
	// Put writes an object, overwriting any existing content.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent writes an object only if it does not already exist.
	// Returns ErrObjectExists otherwise.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Get reads an object. Returns ErrObjectNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Returns ErrObjectNotFound if it does not exist.
	Delete(ctx context.Context, key string) error

	// Stat returns metadata for an object without reading its contents.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all objects whose key starts with the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
