package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/worker"
)

// runCmd 启动调度循环直到收到 SIGINT/SIGTERM。
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll, claim and execute pending jobs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			once, _ := cmd.Flags().GetBool("once")
			opts := []worker.Option{worker.WithStore(st), worker.WithOptions(worker.FromConfig(c.Worker))}
			if cmd.Flags().Changed("listen") {
				addr, _ := cmd.Flags().GetString("listen")
				opts = append(opts, worker.WithListenAddr(addr))
			}
			w, err := worker.NewWorkerFromRegistry(c.Worker.Simulator, opts...)
			if err != nil {
				return err
			}
			ctx, stop := worker.ShutdownContext(cmd.Context())
			defer stop()
			if once {
				stats, err := w.RunOnce(ctx)
				logging.L().Info(ctx, "single cycle finished", "outcome", stats.Outcome.String(),
					"claimed", stats.Claimed, "completed", stats.Completed, "failed", stats.Failed)
				return err
			}
			if err := w.Run(ctx); err != nil {
				return err
			}
			if cause := context.Cause(ctx); errors.Is(cause, worker.ErrInterrupted) {
				logging.L().Info(ctx, "worker exited after interrupt", "cause", cause)
			}
			return nil
		},
	}
	cmd.Flags().Bool("once", false, "run a single dispatch cycle and exit")
	cmd.Flags().String("listen", "", "status HTTP address, overrides worker.listenAddr (empty disables it)")
	return cmd
}
