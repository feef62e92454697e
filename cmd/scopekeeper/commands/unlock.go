package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "unlock <scope-path>",
		Short: "Force-release a scope's lock",
		Long: `Remove a scope's lock marker regardless of who holds it.

Only use this when the holder is known to be dead: force-releasing a
live holder's lock allows two writers on the same scope.`,
		Example: `  scopekeeper unlock app/production --yes`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to force-release without --yes")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			scopePath := args[0]
			locked, err := store.IsLocked(cmd.Context(), scopePath)
			if err != nil {
				return err
			}
			if !locked {
				fmt.Printf("Scope %s is not locked.\n", scopePath)
				return nil
			}

			if err := store.ForceUnlock(cmd.Context(), scopePath); err != nil {
				return fmt.Errorf("failed to force-release lock: %w", err)
			}
			fmt.Printf("Lock on %s released.\n", scopePath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the forced release")
	return cmd
}
