package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <scope-path>",
		Short: "Show a scope's persisted state",
		Long: `Show the full persisted view of one scope: its resources, nested
scope registrations, backups, and lock state.`,
		Example: `  scopekeeper inspect app/production

  scopekeeper inspect app/production --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			detail, err := store.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(detail)
			}

			fmt.Printf("Scope:    %s\n", detail.ScopePath)
			fmt.Printf("Updated:  %s\n", time.UnixMilli(detail.UpdatedAt).Format(time.RFC3339))
			fmt.Printf("Locked:   %v\n", detail.Locked)
			fmt.Printf("Size:     %d bytes\n", detail.SizeBytes)

			fmt.Printf("\nResources (%d):\n", len(detail.Resources))
			for _, r := range detail.Resources {
				fmt.Printf("  %-30s type=%-15s name=%s\n", r.ID, r.Type, r.Name)
			}
			if len(detail.NestedScopes) > 0 {
				fmt.Printf("\nNested scopes (%d):\n", len(detail.NestedScopes))
				for _, n := range detail.NestedScopes {
					fmt.Printf("  %s\n", n)
				}
			}
			if len(detail.Backups) > 0 {
				fmt.Printf("\nBackups (%d):\n", len(detail.Backups))
				for _, b := range detail.Backups {
					fmt.Printf("  %-40s %8d bytes  %s\n", b.Name, b.Size, b.ModTime.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	return cmd
}
