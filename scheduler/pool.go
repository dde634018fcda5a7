package scheduler

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mengeric/simjob-worker/metrics"
	"github.com/mengeric/simjob-worker/simjob"
)

// Pool 有界并行工作池。
type Pool struct {
	limit int
}

// NewPool 创建工作池；limit<=0 时取主机逻辑 CPU 数。
func NewPool(ctx context.Context, limit int) *Pool {
	if limit <= 0 {
		limit = metrics.LogicalCPUs(ctx)
	}
	return &Pool{limit: limit}
}

// Limit 配置的并发上限。
func (p *Pool) Limit() int { return p.limit }

// Run 对每个作业调用 fn，同时执行的调用数不超过 min(limit, len(jobs))；全部返回后才返回。
// 每次调用分配独立的执行单元 ID；fn 自行处理错误，单个作业失败不影响同批其他作业。
func (p *Pool) Run(ctx context.Context, jobs []simjob.Job, fn func(ctx context.Context, unit string, job simjob.Job)) {
	if len(jobs) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(min(p.limit, len(jobs)))
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			fn(ctx, uuid.NewString(), job)
			return nil
		})
	}
	_ = g.Wait()
}
