package worker

import (
	"time"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/config"
	"github.com/mengeric/simjob-worker/scheduler"
	"github.com/mengeric/simjob-worker/simjob"
)

// Options 组件运行参数。
type Options struct {
	ID             string        // 调度器标识（claimed_by），留空随机生成
	Concurrency    int           // 并发上限，<=0 取逻辑 CPU 数
	BatchLimit     int           // 单周期认领上限，<=0 不限
	Intervals      scheduler.Intervals
	JobTimeout     time.Duration // 单作业超时
	OrphanAfter    time.Duration // 孤儿阈值
	ReconcileEvery time.Duration // 清扫周期，<=0 不启动
	ListenAddr     string        // 状态 HTTP 地址，留空不启动；支持 127.0.0.1:0
}

// FromConfig 由配置文件的 worker 段构造 Options。
func FromConfig(c config.WorkerConfig) Options {
	return Options{
		ID:          c.ID,
		Concurrency: c.Concurrency,
		BatchLimit:  c.BatchLimit,
		Intervals: scheduler.Intervals{
			Idle:  c.IdleInterval,
			Batch: c.BatchInterval,
			Error: c.ErrorBackoff,
		},
		JobTimeout:     c.JobTimeout,
		OrphanAfter:    c.OrphanAfter,
		ReconcileEvery: c.ReconcileEvery,
		ListenAddr:     c.ListenAddr,
	}
}

func (o *Options) withDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.OrphanAfter <= 0 {
		o.OrphanAfter = 3 * o.JobTimeout
	}
}

type workerConfig struct {
	opt     Options
	jobs    simjob.JobStore
	results simjob.ResultStore
	sim     compute.Simulator
}

// Option Worker 可选项。
type Option func(*workerConfig)

// WithOptions 整体设置运行参数。
func WithOptions(o Options) Option { return func(c *workerConfig) { c.opt = o } }

// WithStore 同时设置作业表与结果表存储。
func WithStore(s simjob.Store) Option {
	return func(c *workerConfig) { c.jobs, c.results = s, s }
}

// WithJobStore 单独设置作业表存储。
func WithJobStore(s simjob.JobStore) Option { return func(c *workerConfig) { c.jobs = s } }

// WithResultStore 单独设置结果表存储。
func WithResultStore(s simjob.ResultStore) Option { return func(c *workerConfig) { c.results = s } }

// WithSimulator 设置计算函数。
func WithSimulator(s compute.Simulator) Option { return func(c *workerConfig) { c.sim = s } }

// WithListenAddr 设置状态 HTTP 监听地址。
func WithListenAddr(addr string) Option { return func(c *workerConfig) { c.opt.ListenAddr = addr } }

// WithConcurrency 设置并发上限。
func WithConcurrency(n int) Option { return func(c *workerConfig) { c.opt.Concurrency = n } }
