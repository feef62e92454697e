package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scopekeeper/scopekeeper/pkg/blob"
	"github.com/scopekeeper/scopekeeper/pkg/config"
	"github.com/scopekeeper/scopekeeper/pkg/lock"
	"github.com/scopekeeper/scopekeeper/pkg/state"
	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scopekeeper",
		Short: "Scopekeeper - resource scope and state reconciliation engine",
		Long: `Scopekeeper tracks resources in a hierarchy of scopes, persists
membership snapshots, and reconciles persisted state against the live
set by destroying orphaned resources.

This CLI operates on the persisted side: inspecting snapshots, cleaning
up orphans, managing locks and backups, and browsing run history.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newDumpCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadConfig loads the configured or default configuration.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newLocker builds the lock backend the configuration names. Metrics
// may be nil for commands that only read.
func newLocker(cfg *config.Config, metrics *telemetry.Metrics) (lock.Locker, error) {
	logger := log.Logger

	local, err := lock.NewLocalLocker(cfg.LockDir(), logger,
		lock.WithLocalStaleThreshold(cfg.Locking.LocalStaleThreshold),
		lock.WithLocalMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create local locker: %w", err)
	}
	if cfg.Locking.Backend == "local" {
		return local, nil
	}

	store, err := blob.NewSFTPStore(blob.SFTPConfig{
		Host:           cfg.Locking.Object.Host,
		Port:           cfg.Locking.Object.Port,
		User:           cfg.Locking.Object.User,
		Password:       cfg.Locking.Object.Password,
		PrivateKeyPath: cfg.Locking.Object.PrivateKeyPath,
		KnownHostsPath: cfg.Locking.Object.KnownHostsPath,
		BaseDir:        cfg.Locking.Object.BaseDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	object, err := lock.NewObjectLocker(store, cfg.Locking.Object.Prefix, logger,
		lock.WithObjectStaleThreshold(cfg.Locking.ObjectStaleThreshold),
		lock.WithObjectMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create object locker: %w", err)
	}
	if cfg.Locking.Backend == "object" {
		return object, nil
	}

	return lock.NewCompositeLocker(object, local, logger), nil
}

// newStateStore opens the snapshot store per the configuration.
// Metrics may be nil for commands that only read.
func newStateStore(cfg *config.Config, metrics *telemetry.Metrics) (*state.Store, error) {
	locker, err := newLocker(cfg, metrics)
	if err != nil {
		return nil, err
	}
	return state.NewStore(cfg.StateDir, locker, log.Logger,
		state.WithLockTimeout(cfg.Locking.Timeout),
		state.WithStoreMetrics(metrics))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
