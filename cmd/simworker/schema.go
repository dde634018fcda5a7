package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mengeric/simjob-worker/storage/reststore"
)

// schemaCmd 打印 REST 后端的迁移 SQL；--check 时校验当前存储的表结构。
func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the migration the REST backend needs, or check it with --check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			check, _ := cmd.Flags().GetBool("check")
			if !check {
				c, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), reststore.New(nil, c.Store.JobTable, c.Store.ResultTable).Schema())
				return nil
			}
			_, st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			if sc, ok := st.(interface{ CheckSchema(context.Context) error }); ok {
				if err := sc.CheckSchema(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ok")
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "verify the configured store instead of printing SQL")
	return cmd
}
