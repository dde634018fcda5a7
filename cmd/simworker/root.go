package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mengeric/simjob-worker/config"
	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/worker"

	_ "github.com/mengeric/simjob-worker/compute/virtual"
)

// rootCmd 命令行入口，子命令在这里注册。
func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "simworker",
		Short:         "Batch worker for metasurface simulation jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "YAML config file; environment variables override it")
	cmd.AddCommand(runCmd(), sweepCmd(), reconcileCmd(), schemaCmd())
	return cmd
}

// loadConfig 读取配置并初始化全局日志；凭据缺失在这里返回，调度循环不会启动。
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	c, err := config.Load(file)
	if err != nil {
		return c, err
	}
	logging.SetGlobal(logging.New(os.Stderr, logging.ParseLevel(c.Log.Level), c.Log.Format))
	return c, nil
}

// openStore 打开存储；调用方负责 defer closeFn。
func openStore(cmd *cobra.Command) (config.Config, simjob.Store, func() error, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return c, nil, nil, err
	}
	st, closeFn, err := worker.OpenStore(c.Store)
	return c, st, closeFn, err
}
