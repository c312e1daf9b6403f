package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if !applied {
				printf(cmd, "storage driver %q has no schema\n", opts.cfg.Storage.Driver)
				return nil
			}
			printf(cmd, "schema applied (%s)\n", opts.cfg.Storage.Driver)
			return nil
		},
	}
}
