package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore implements Store on the local filesystem rooted at a base
// directory. PutIfAbsent relies on O_EXCL, which is atomic on POSIX
// filesystems.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store root directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// keyPath maps a slash-separated key onto the local filesystem.
func (s *FSStore) keyPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes an object, overwriting any existing content.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

// PutIfAbsent writes an object only if it does not already exist.
func (s *FSStore) PutIfAbsent(_ context.Context, key string, data []byte) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrObjectExists
		}
		return fmt.Errorf("failed to create object: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write object: %w", werr)
	}
	if cerr != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to close object: %w", cerr)
	}
	return nil
}

// Get reads an object.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (s *FSStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Stat returns metadata for an object.
func (s *FSStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns all objects under the given key prefix.
func (s *FSStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	objects := []ObjectInfo{}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return objects, nil
}
