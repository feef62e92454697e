package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

// Config is the full engine configuration.
type Config struct {
	// StateDir is the root directory for scope snapshots.
	StateDir string `yaml:"state_dir" validate:"required"`

	// Profile is the execution profile checked by the stage access
	// policy.
	Profile string `yaml:"profile"`

	// Locking configures the advisory lock backends.
	Locking LockingConfig `yaml:"locking"`

	// Finalize sets the defaults for finalization runs.
	Finalize FinalizeConfig `yaml:"finalize"`

	// Journal configures the finalization history database.
	Journal JournalConfig `yaml:"journal"`

	// Policy configures custom policy loading.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LockingConfig selects and tunes the lock backends.
type LockingConfig struct {
	// Backend is one of local, object, or composite.
	Backend string `yaml:"backend" validate:"oneof=local object composite"`

	// Dir is the local lock marker directory. Defaults to the state
	// directory.
	Dir string `yaml:"dir"`

	// Timeout bounds lock acquisition for saves.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`

	// LocalStaleThreshold is the age past which a local marker is
	// reclaimable.
	LocalStaleThreshold time.Duration `yaml:"local_stale_threshold" validate:"min=0"`

	// ObjectStaleThreshold is the age past which an object marker is
	// reclaimable.
	ObjectStaleThreshold time.Duration `yaml:"object_stale_threshold" validate:"min=0"`

	// Object configures the remote object store used by the object
	// and composite backends.
	Object ObjectStoreConfig `yaml:"object"`
}

// ObjectStoreConfig points the object lock backend at an SFTP host.
type ObjectStoreConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	BaseDir        string `yaml:"base_dir"`
	Prefix         string `yaml:"prefix"`
}

// FinalizeConfig sets finalization run defaults.
type FinalizeConfig struct {
	// Strategy is sequential, parallel, or batched.
	Strategy string `yaml:"strategy" validate:"oneof=sequential parallel batched"`

	// MaxRetries is the retry count after the first attempt.
	MaxRetries int `yaml:"max_retries" validate:"min=0"`

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"min=0"`

	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" validate:"min=0"`

	// AttemptTimeout bounds each destruction attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"min=0"`

	// Concurrency bounds the parallel strategy.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// BatchSize is the batched strategy's group size.
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// BatchPause is the wait between batches.
	BatchPause time.Duration `yaml:"batch_pause" validate:"min=0"`

	// ContinueOnError keeps runs going past per-resource failures.
	ContinueOnError bool `yaml:"continue_on_error"`
}

// JournalConfig configures the history database.
type JournalConfig struct {
	// Enabled turns finalization history on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// PolicyConfig configures policy loading.
type PolicyConfig struct {
	// Paths are files or directories of custom .rego policies loaded
	// alongside the builtins.
	Paths []string `yaml:"paths"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StateDir: ".scopekeeper/state",
		Profile:  "dev",
		Locking: LockingConfig{
			Backend:              "local",
			Timeout:              30 * time.Second,
			LocalStaleThreshold:  5 * time.Minute,
			ObjectStaleThreshold: 10 * time.Minute,
		},
		Finalize: FinalizeConfig{
			Strategy:        "sequential",
			MaxRetries:      3,
			RetryDelay:      time.Second,
			MaxRetryDelay:   30 * time.Second,
			AttemptTimeout:  60 * time.Second,
			Concurrency:     5,
			BatchSize:       10,
			BatchPause:      500 * time.Millisecond,
			ContinueOnError: true,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    ".scopekeeper/journal.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Locking.Backend != "local" {
		if c.Locking.Object.Host == "" {
			return fmt.Errorf("invalid configuration: locking backend %q requires an object store host", c.Locking.Backend)
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("invalid configuration: journal enabled without a database path")
	}
	return c.Telemetry.Validate()
}

// LockDir returns the lock marker directory, defaulting beside the
// state directory.
func (c *Config) LockDir() string {
	if c.Locking.Dir != "" {
		return c.Locking.Dir
	}
	return c.StateDir + "/.locks"
}
