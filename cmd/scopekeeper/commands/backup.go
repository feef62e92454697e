package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <scope-path>",
		Short: "List a scope's snapshot backups",
		Long: `List the timestamped backups kept for a scope's snapshot, newest
first. Backups are written automatically before every save.`,
		Example: `  scopekeeper backup app/production`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			backups, err := store.ListBackups(args[0])
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}

			if jsonOutput {
				return printJSON(backups)
			}
			if len(backups) == 0 {
				fmt.Printf("Scope %s has no backups.\n", args[0])
				return nil
			}
			for _, b := range backups {
				fmt.Printf("%-40s %8d bytes  %s\n", b.Name, b.Size, b.ModTime.Format(time.RFC3339))
			}
			return nil
		},
	}
	return cmd
}
