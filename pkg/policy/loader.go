package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Loader reads custom policies from the filesystem.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads every .rego file found under the given paths.
// A path may be a file or a directory; directories are walked
// recursively.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if info.IsDir() {
			found, err := l.loadDir(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, found...)
			continue
		}

		policy, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, nil
}

func (l *Loader) loadDir(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		policy, err := l.loadFile(path)
		if err != nil {
			return err
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory %s: %w", dir, err)
	}
	return policies, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	l.logger.Debug().Str("policy", name).Str("path", path).Msg("Loaded policy file")

	return &Policy{
		Name:     name,
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
		LoadedAt: time.Now(),
	}, nil
}
