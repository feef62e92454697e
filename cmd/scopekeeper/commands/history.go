package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scopekeeper/scopekeeper/pkg/journal"
)

func newHistoryCommand() *cobra.Command {
	var (
		scopePath string
		limit     int
		runID     int64
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse finalization run history",
		Long: `List recorded finalization runs, newest first, or show the
per-resource events of one run.`,
		Example: `  # Recent runs across all scopes
  scopekeeper history

  # Runs for one scope
  scopekeeper history --scope app/production

  # Events of a single run
  scopekeeper history --run 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("finalization history is disabled in the configuration")
			}

			j, err := journal.New(journal.Config{Path: cfg.Journal.Path})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := j.Init(ctx); err != nil {
				return err
			}
			defer func() { _ = j.Close() }()
			if err := j.Migrate(ctx); err != nil {
				return err
			}

			if runID > 0 {
				events, err := j.EventsForRun(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}
				for _, ev := range events {
					status := "ok"
					if !ev.Success {
						status = "failed"
					}
					fmt.Printf("%-30s %-7s attempts=%d duration=%s\n",
						ev.ResourceID, status, ev.Attempts, ev.Duration)
					if ev.Error != nil {
						fmt.Printf("  error: %s\n", *ev.Error)
					}
				}
				return nil
			}

			runs, err := j.ListRuns(ctx, scopePath, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("No recorded runs.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("#%-5d %-30s %-10s %-9s orphaned=%d destroyed=%d failed=%d  %s\n",
					r.ID, r.ScopePath, r.Strategy, r.Status,
					r.Orphaned, r.Destroyed, r.Failed,
					r.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopePath, "scope", "", "restrict to one scope path")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().Int64Var(&runID, "run", 0, "show the events of this run id")
	return cmd
}
