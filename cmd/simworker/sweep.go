package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mengeric/simjob-worker/generator"
	"github.com/mengeric/simjob-worker/simjob"
)

// sweepCmd 按参数网格批量提交 pending 作业。
func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Submit a cartesian grid of parameter sets as pending jobs.",
		Example: `  simworker sweep --axis radius:100:120:10 --axis height:400:500:100 --set frequency=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, _ := cmd.Flags().GetStringArray("axis")
			fixed, _ := cmd.Flags().GetStringToString("set")
			dry, _ := cmd.Flags().GetBool("dry-run")

			gen := generator.Sweep{Fixed: simjob.Parameters{}}
			for _, s := range specs {
				a, err := generator.ParseAxis(s)
				if err != nil {
					return err
				}
				gen.Axes = append(gen.Axes, a)
			}
			for k, v := range fixed {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("--set %s=%s: %w", k, v, err)
				}
				gen.Fixed[k] = f
			}

			if dry {
				ps, err := gen.Propose(cmd.Context())
				if err != nil {
					return err
				}
				for _, p := range ps {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d parameter sets\n", len(ps))
				return nil
			}

			_, st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			ids, err := generator.Submit(cmd.Context(), st, gen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d jobs\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringArray("axis", nil, "sweep axis name:start:end:step (repeatable)")
	cmd.Flags().StringToString("set", nil, "constant parameter added to every job, e.g. frequency=10")
	cmd.Flags().Bool("dry-run", false, "print the parameter sets without submitting")
	_ = cmd.MarkFlagRequired("axis")
	return cmd
}
