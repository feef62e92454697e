package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <scope-path> <backup-name>",
		Short: "Restore a scope's snapshot from a backup",
		Long: `Overwrite a scope's live snapshot with one of its backups. The
current snapshot is backed up first, so a restore can itself be undone.

Backup names come from the backup command.`,
		Example: `  scopekeeper restore app/production state-20260824T101500.000.json`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			scopePath, name := args[0], args[1]
			if err := store.RestoreBackup(cmd.Context(), scopePath, name); err != nil {
				return err
			}
			fmt.Printf("Restored %s from %s.\n", scopePath, name)
			return nil
		},
	}
	return cmd
}
