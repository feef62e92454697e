package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scopekeeper/scopekeeper/pkg/config"
	"github.com/scopekeeper/scopekeeper/pkg/destroy"
	"github.com/scopekeeper/scopekeeper/pkg/journal"
	"github.com/scopekeeper/scopekeeper/pkg/telemetry"
)

func newCleanupCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup <scope-path>",
		Short: "Reconcile a scope's stale persisted resources",
		Long: `Report the resources persisted for a scope that no process is
tracking anymore. With --force, drop them from the snapshot regardless
of whether their backing resources could be reached.

The CLI has no destroyers for external resources, so a plain cleanup is
always a report; reconciliation with real destruction happens inside
the process that owns the scope.`,
		Example: `  # Report stale persisted resources
  scopekeeper cleanup app/preview-42

  # Drop them from the snapshot
  scopekeeper cleanup app/preview-42 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := telemetry.New(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() { _ = tel.Shutdown(cmd.Context()) }()
			logger := tel.Logger.NewComponentLogger("cleanup").Zerolog()

			store, err := newStateStore(cfg, tel.Metrics)
			if err != nil {
				return err
			}

			// Nothing is live from the CLI's point of view.
			registry := destroy.NewRegistry(logger)
			opts := []destroy.EngineOption{
				destroy.WithMetrics(tel.Metrics),
				destroy.WithTracer(tel.Tracer),
			}
			if rec := openJournal(cmd, cfg); rec != nil {
				opts = append(opts, destroy.WithRecorder(rec))
			}
			engine, err := destroy.NewEngine(store, registry, logger, opts...)
			if err != nil {
				return err
			}

			scopePath := args[0]
			if !force {
				orphans, err := engine.Orphans(cmd.Context(), scopePath, nil)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(orphans)
				}
				if len(orphans) == 0 {
					fmt.Printf("Scope %s has no stale resources.\n", scopePath)
					return nil
				}
				fmt.Printf("Stale resources in %s (%d):\n", scopePath, len(orphans))
				for _, id := range orphans {
					fmt.Printf("  %s\n", id)
				}
				fmt.Println("\nRerun with --force to drop them from the snapshot.")
				return nil
			}

			report, err := engine.ForceCleanup(cmd.Context(), scopePath, nil, destroy.DefaultOptions())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			fmt.Printf("Dropped %d resources from %s.\n", len(report.Destroyed), scopePath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "drop stale resources from the snapshot")
	return cmd
}

// openJournal opens the history database when enabled, closing it when
// the command finishes. Failures disable history rather than aborting.
func openJournal(cmd *cobra.Command, cfg *config.Config) destroy.Recorder {
	if !cfg.Journal.Enabled {
		return nil
	}
	j, err := journal.New(journal.Config{Path: cfg.Journal.Path})
	if err != nil {
		log.Warn().Err(err).Msg("Finalization history disabled")
		return nil
	}
	ctx := cmd.Context()
	if err := j.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("Finalization history disabled")
		return nil
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		log.Warn().Err(err).Msg("Finalization history disabled")
		return nil
	}
	cobra.OnFinalize(func() { _ = j.Close() })
	return j
}
