package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <scope-path>",
		Short: "Dump a scope's raw snapshot",
		Long:  `Print the raw snapshot document for one scope as JSON.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := newStateStore(cfg, nil)
			if err != nil {
				return err
			}

			snapshot, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snapshot == nil {
				return fmt.Errorf("no snapshot for scope %s", args[0])
			}
			return printJSON(snapshot)
		},
	}
	return cmd
}
