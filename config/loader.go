package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件加载配置；file 为空时仅使用环境变量与默认值。
// 顺序：文件 -> 环境变量覆盖 -> 默认值 -> 校验。
func Load(file string) (Config, error) {
	var c Config
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return c, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, errors.Wrapf(err, "parse config %s", file)
		}
	}
	c = ApplyEnv(c, os.LookupEnv).WithDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyEnv 以环境变量覆盖配置。
// SIMJOB_STORE_URL/SIMJOB_STORE_KEY 优先，兼容 SUPABASE_URL/SUPABASE_KEY。
func ApplyEnv(c Config, lookup func(string) (string, bool)) Config {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Store.Driver, "SIMJOB_STORE_DRIVER")
	str(&c.Store.URL, "SIMJOB_STORE_URL", "SUPABASE_URL")
	str(&c.Store.Key, "SIMJOB_STORE_KEY", "SUPABASE_KEY")
	str(&c.Store.DSN, "SIMJOB_STORE_DSN")
	str(&c.Worker.ID, "SIMJOB_WORKER_ID")
	str(&c.Worker.ListenAddr, "SIMJOB_LISTEN_ADDR")
	str(&c.Log.Level, "SIMJOB_LOG_LEVEL")
	if v, ok := lookup("SIMJOB_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
	return c
}
