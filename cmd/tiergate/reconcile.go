package main

import (
	"github.com/spf13/cobra"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link unresolved subscriptions to users and apply their tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if batch <= 0 {
				batch = opts.cfg.Reconcile.BatchSize
			}
			report, err := a.reconciler.ReconcileUnresolved(cmd.Context(), batch)
			if err != nil {
				return err
			}
			printf(cmd, "scanned=%d linked=%d failed=%d\n", report.Scanned, report.Linked, report.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch-size", 0, "rows fetched per page (default reconcile.batch_size)")
	return cmd
}
