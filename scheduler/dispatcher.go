package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/metrics"
	"github.com/mengeric/simjob-worker/simjob"
)

// CycleOutcome 一个调度周期的结果，决定随后的休眠时长。
type CycleOutcome int

const (
	CycleIdle  CycleOutcome = iota + 1 // 没有 pending 作业
	CycleBatch                         // 认领并执行了一批（可能为 0 条，已被其他调度器抢先）
	CycleError                         // 轮询或认领失败
)

func (o CycleOutcome) String() string {
	switch o {
	case CycleIdle:
		return "idle"
	case CycleBatch:
		return "batch"
	case CycleError:
		return "error"
	}
	return "unknown"
}

// CycleStats 周期统计。
type CycleStats struct {
	Outcome   CycleOutcome  `json:"outcome"`
	Pending   int           `json:"pending"`
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Orphaned  int           `json:"orphaned"`
	Skipped   int           `json:"skipped"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Intervals 各分支的休眠时长。
type Intervals struct {
	Idle  time.Duration // 无作业
	Batch time.Duration // 批次完成后
	Error time.Duration // 存储异常后
}

// DefaultIntervals 5s / 2s / 10s。
func DefaultIntervals() Intervals {
	return Intervals{Idle: 5 * time.Second, Batch: 2 * time.Second, Error: 10 * time.Second}
}

// Dispatcher 调度循环：轮询 → 认领 → 交给工作池 → 等待整批结束 → 休眠。
// 循环本身单线程，批次之间不重叠。
type Dispatcher struct {
	id         string
	jobs       simjob.JobStore
	pool       *Pool
	exec       *Executor
	batchLimit int
	iv         Intervals

	last  atomic.Pointer[CycleStats]
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewDispatcher 构造调度器；id 为空时随机生成。
func NewDispatcher(id string, jobs simjob.JobStore, pool *Pool, exec *Executor, batchLimit int, iv Intervals) *Dispatcher {
	if id == "" {
		id = "dispatcher-" + uuid.NewString()
	}
	def := DefaultIntervals()
	if iv.Idle <= 0 {
		iv.Idle = def.Idle
	}
	if iv.Batch <= 0 {
		iv.Batch = def.Batch
	}
	if iv.Error <= 0 {
		iv.Error = def.Error
	}
	return &Dispatcher{id: id, jobs: jobs, pool: pool, exec: exec, batchLimit: batchLimit, iv: iv, sleep: sleepCtx}
}

// ID 调度器标识（写入 claimed_by）。
func (d *Dispatcher) ID() string { return d.id }

// LastCycle 最近一次周期统计；尚未运行时返回 nil。
func (d *Dispatcher) LastCycle() *CycleStats { return d.last.Load() }

// Run 持续运行直到 ctx 取消；存储异常只会触发退避，不会终止循环。
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logging.L().With("dispatcher", d.id)
	log.Info(ctx, "dispatch loop started", "concurrency", d.pool.Limit(), "batch_limit", d.batchLimit)
	for {
		stats, err := d.safeCycle(ctx)
		if ctx.Err() != nil {
			log.Info(ctx, "dispatch loop stopped")
			return ctx.Err()
		}
		wait := d.iv.Batch
		switch stats.Outcome {
		case CycleIdle:
			wait = d.iv.Idle
			log.Debug(ctx, "no pending jobs", "retry_in", wait)
		case CycleError:
			wait = d.iv.Error
			log.Error(ctx, "dispatch cycle failed", "err", err, "retry_in", wait)
		}
		if !d.sleep(ctx, wait) {
			log.Info(ctx, "dispatch loop stopped")
			return ctx.Err()
		}
	}
}

// safeCycle 在循环边界捕获 panic，按存储异常处理。
func (d *Dispatcher) safeCycle(ctx context.Context) (stats CycleStats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("dispatch cycle panic: %v", p)
			stats.Outcome = CycleError
			stats.Error = err.Error()
			d.last.Store(&stats)
		}
	}()
	return d.RunCycle(ctx)
}

// RunCycle 执行一个完整周期并返回统计。
// 1) 查询 pending；为空则直接返回 CycleIdle，不做任何写入；
// 2) 以本周期唯一 token 条件认领，只执行真正认领到的作业；
// 3) 整批登记到在途跟踪器（排队中的作业也不会被清扫误判），提交工作池并阻塞到整批结束。
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{StartedAt: time.Now()}
	finish := func(o CycleOutcome, err error) (CycleStats, error) {
		stats.Outcome = o
		stats.Duration = time.Since(stats.StartedAt)
		if err != nil {
			stats.Error = err.Error()
		}
		d.last.Store(&stats)
		return stats, err
	}

	pending, err := d.jobs.ListPending(ctx, d.batchLimit)
	if err != nil {
		return finish(CycleError, errors.WithMessage(err, "poll pending jobs"))
	}
	stats.Pending = len(pending)
	if len(pending) == 0 {
		return finish(CycleIdle, nil)
	}

	ids := make([]int64, 0, len(pending))
	for _, j := range pending {
		ids = append(ids, j.ID)
	}
	token := uuid.NewString()
	claimed, err := d.jobs.Claim(ctx, ids, simjob.ClaimRequest{Token: token, ClaimedBy: d.id})
	if err != nil {
		return finish(CycleError, errors.WithMessagef(err, "claim %d pending jobs", len(ids)))
	}
	stats.Claimed = len(claimed)
	log := logging.L().With("dispatcher", d.id, "claim", token)
	if len(claimed) < len(ids) {
		log.Warn(ctx, "some pending jobs were claimed by another dispatcher", "pending", len(ids), "claimed", len(claimed))
	}
	if len(claimed) == 0 {
		return finish(CycleBatch, nil)
	}

	won := make(map[int64]struct{}, len(claimed))
	for _, id := range claimed {
		won[id] = struct{}{}
	}
	batch := make([]simjob.Job, 0, len(claimed))
	for _, j := range pending {
		if _, ok := won[j.ID]; ok {
			j.Status = simjob.StatusRunning
			j.ClaimedBy, j.ClaimToken = d.id, token
			batch = append(batch, j)
		}
	}

	log.Info(ctx, "claimed pending jobs", "count", len(batch))
	trk := d.exec.Tracker()
	trk.Reserve(claimed...)
	defer trk.Release(claimed...)

	var completed, failed, orphaned, skipped atomic.Int64
	d.pool.Run(ctx, batch, func(ctx context.Context, unit string, job simjob.Job) {
		switch d.exec.Execute(ctx, unit, job) {
		case JobCompleted:
			completed.Add(1)
		case JobFailed:
			failed.Add(1)
		case JobOrphaned:
			orphaned.Add(1)
		case JobSkipped:
			skipped.Add(1)
		}
	})
	stats.Completed = int(completed.Load())
	stats.Failed = int(failed.Load())
	stats.Orphaned = int(orphaned.Load())
	stats.Skipped = int(skipped.Load())

	attrs := append([]any{"completed", stats.Completed, "failed", stats.Failed, "orphaned", stats.Orphaned, "skipped", stats.Skipped}, metrics.Collect(ctx).Attrs()...)
	log.Info(ctx, "batch finished", attrs...)
	return finish(CycleBatch, nil)
}

// sleepCtx 休眠 d；ctx 先结束时返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
