package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mengeric/simjob-worker/scheduler"
)

// reconcileCmd 一次性清扫孤儿作业，适合由外部定时任务触发。
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle running jobs whose owner stopped updating them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			after, _ := cmd.Flags().GetDuration("older-than")
			if after <= 0 {
				after = c.Worker.OrphanAfter
			}
			stats, err := scheduler.NewReconciler(st, st, nil, after, 0).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d completed=%d failed=%d skipped=%d\n",
				stats.Scanned, stats.Completed, stats.Failed, stats.Skipped)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "orphan threshold; defaults to worker.orphanAfter")
	return cmd
}
