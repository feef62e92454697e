package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted scopes",
		Long:  `List every scope path that has a persisted snapshot.`,
		Example: `  # List all scopes
  scopekeeper list

  # Machine-readable output
  scopekeeper list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			paths, err := store.ListScopes(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list scopes: %w", err)
			}

			if jsonOutput {
				return printJSON(paths)
			}
			if len(paths) == 0 {
				fmt.Println("No persisted scopes.")
				return nil
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
	return cmd
}
