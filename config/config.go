package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingCredentials 缺少存储地址或访问密钥；启动阶段致命错误，不进入调度循环。
var ErrMissingCredentials = errors.New("store endpoint url and access key are required")

// 存储驱动。
const (
	DriverREST     = "rest"     // PostgREST（Supabase 兼容）
	DriverPostgres = "postgres" // 直连 PostgreSQL（GORM）
	DriverSQLite   = "sqlite"   // 本地 SQLite 文件（GORM）
	DriverMemory   = "memory"   // 进程内存，仅用于开发
)

// Config 组件运行所需的完整配置。
// 功能：承载存储连接、调度周期、并发与日志配置；启动时构造一次并显式传入各组件。
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Worker WorkerConfig `yaml:"worker"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig 作业/结果存储配置。
type StoreConfig struct {
	Driver      string `yaml:"driver"`      // rest|postgres|sqlite|memory，默认 rest
	URL         string `yaml:"url"`         // REST 端点，如 https://xyz.supabase.co
	Key         string `yaml:"key"`         // REST 访问密钥
	DSN         string `yaml:"dsn"`         // postgres/sqlite 连接串
	JobTable    string `yaml:"jobTable"`    // 默认 simulation_jobs
	ResultTable string `yaml:"resultTable"` // 默认 meta_atom_dataset
	AutoMigrate bool   `yaml:"autoMigrate"` // GORM 驱动启动时建表
}

// WorkerConfig 调度与执行配置。
type WorkerConfig struct {
	ID             string        `yaml:"id"`             // 调度器标识，留空则随机生成
	Concurrency    int           `yaml:"concurrency"`    // 最大并发，<=0 取逻辑 CPU 数
	BatchLimit     int           `yaml:"batchLimit"`     // 单周期最多认领条数，<=0 不限
	IdleInterval   time.Duration `yaml:"idleInterval"`   // 无作业时休眠
	BatchInterval  time.Duration `yaml:"batchInterval"`  // 批次完成后休眠
	ErrorBackoff   time.Duration `yaml:"errorBackoff"`   // 存储异常后退避
	JobTimeout     time.Duration `yaml:"jobTimeout"`     // 单作业超时
	OrphanAfter    time.Duration `yaml:"orphanAfter"`    // running 超过该时长视为孤儿
	ReconcileEvery time.Duration `yaml:"reconcileEvery"` // 孤儿清扫周期，<0 关闭
	ListenAddr     string        `yaml:"listenAddr"`     // 状态 HTTP 地址，留空不启动
	Simulator      string        `yaml:"simulator"`      // 计算函数注册名，默认 virtual
}

// LogConfig 日志配置。
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// WithDefaults 填充默认值并返回副本。
func (c Config) WithDefaults() Config {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverREST
	}
	if c.Store.JobTable == "" {
		c.Store.JobTable = "simulation_jobs"
	}
	if c.Store.ResultTable == "" {
		c.Store.ResultTable = "meta_atom_dataset"
	}
	w := &c.Worker
	if w.IdleInterval <= 0 {
		w.IdleInterval = 5 * time.Second
	}
	if w.BatchInterval <= 0 {
		w.BatchInterval = 2 * time.Second
	}
	if w.ErrorBackoff <= 0 {
		w.ErrorBackoff = 10 * time.Second
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = 10 * time.Minute
	}
	if w.OrphanAfter <= 0 {
		w.OrphanAfter = 30 * time.Minute
	}
	if w.ReconcileEvery == 0 {
		w.ReconcileEvery = 5 * time.Minute
	}
	if w.Simulator == "" {
		w.Simulator = "virtual"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Validate 校验配置；凭据缺失返回包装了 ErrMissingCredentials 的错误。
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverREST:
		if c.Store.URL == "" || c.Store.Key == "" {
			return fmt.Errorf("%w (driver=%s)", ErrMissingCredentials, c.Store.Driver)
		}
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w (driver=%s needs dsn)", ErrMissingCredentials, c.Store.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Worker.OrphanAfter <= c.Worker.JobTimeout {
		return fmt.Errorf("orphanAfter (%s) must exceed jobTimeout (%s)", c.Worker.OrphanAfter, c.Worker.JobTimeout)
	}
	return nil
}
