package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate statistics over persisted scopes",
		Long: `Count scopes, resources by type, held locks, and backups across
every persisted scope, optionally restricted to a path prefix.`,
		Example: `  scopekeeper stats

  # Only scopes under app/
  scopekeeper stats --prefix app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			stats, err := store.CollectStats(cmd.Context(), prefix)
			if err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}

			if jsonOutput {
				return printJSON(stats)
			}

			fmt.Printf("Scopes:     %d\n", stats.TotalScopes)
			fmt.Printf("Resources:  %d\n", stats.TotalResources)
			fmt.Printf("Locked:     %d\n", stats.LockedScopes)
			fmt.Printf("Backups:    %d\n", stats.TotalBackups)
			if stats.NewestUpdatedAt > 0 {
				fmt.Printf("Newest:     %s\n", time.UnixMilli(stats.NewestUpdatedAt).Format(time.RFC3339))
				fmt.Printf("Oldest:     %s\n", time.UnixMilli(stats.OldestUpdatedAt).Format(time.RFC3339))
			}

			if len(stats.ResourcesByType) > 0 {
				fmt.Println("\nResources by type:")
				types := make([]string, 0, len(stats.ResourcesByType))
				for t := range stats.ResourcesByType {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					fmt.Printf("  %-20s %d\n", t, stats.ResourcesByType[t])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "restrict to scope paths under this prefix")
	return cmd
}
