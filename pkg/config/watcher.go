package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces bursts of filesystem events into one
// reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the event debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher watches path and calls onChange with each successfully
// reloaded configuration. Reload failures are logged and skipped; the
// previous configuration stays in effect.
func NewWatcher(path string, onChange func(*Config), logger zerolog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}

	// Watch the directory: editors replace files by rename, which
	// drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return w, nil
}

// Run processes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fsw.Close()
	}()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Filesystem watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("Configuration reloaded")
	w.onChange(cfg)
}
