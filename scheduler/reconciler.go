package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/tracker"
)

// SweepStats 一次孤儿清扫的统计。
type SweepStats struct {
	Scanned   int
	Completed int // 已有结果，补记 completed
	Failed    int // 无结果，记为 failed
	Skipped   int // 本地仍在执行、状态已被他人推进或查询失败
}

// Reconciler 孤儿作业清扫：running 且 updated_at 超过阈值的作业。
// 有结果 → completed；无结果 → failed。作业不会回到 pending。
type Reconciler struct {
	jobs        simjob.JobStore
	results     simjob.ResultStore
	trk         *tracker.Manager
	orphanAfter time.Duration
	interval    time.Duration
	running     atomic.Bool
	now         func() time.Time
}

// NewReconciler 构造；trk 可为 nil（例如独立运行的 reconcile 命令）。
func NewReconciler(jobs simjob.JobStore, results simjob.ResultStore, trk *tracker.Manager, orphanAfter, interval time.Duration) *Reconciler {
	return &Reconciler{jobs: jobs, results: results, trk: trk, orphanAfter: orphanAfter, interval: interval, now: time.Now}
}

// Sweep 执行一次清扫。单个作业的错误只记录日志，不中断整轮。
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var st SweepStats
	cutoff := r.now().Add(-r.orphanAfter)
	stale, err := r.jobs.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return st, errors.WithMessage(err, "list stale running jobs")
	}
	st.Scanned = len(stale)
	for _, job := range stale {
		log := logging.L().With("job", job.ID, "claimed_by", job.ClaimedBy)
		if r.trk != nil {
			if _, ok := r.trk.Get(job.ID); ok {
				st.Skipped++
				continue
			}
		}
		has, err := r.results.HasResult(ctx, job.ID)
		if err != nil {
			log.Warn(ctx, "orphan check failed", "err", err)
			st.Skipped++
			continue
		}
		upd := simjob.Completed()
		if !has {
			upd = simjob.Failed(fmt.Sprintf("orphaned: no terminal status within %s of last update", r.orphanAfter))
		}
		if err := r.jobs.UpdateStatus(ctx, job.ID, simjob.StatusRunning, upd); err != nil {
			if !errors.Is(err, simjob.ErrStaleTransition) {
				log.Warn(ctx, "orphan reconcile failed", "err", err)
			}
			st.Skipped++
			continue
		}
		log.Warn(ctx, "orphaned job reconciled", "status", upd.To, "last_update", job.UpdatedAt)
		if has {
			st.Completed++
		} else {
			st.Failed++
		}
	}
	return st, nil
}

// Start 按 interval 周期清扫；interval<=0 时不启动。重复调用无效。
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 || r.running.Swap(true) {
		return
	}
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := r.Sweep(ctx)
				if err != nil {
					logging.L().Warn(ctx, "orphan sweep failed", "err", err)
					continue
				}
				if st.Scanned > 0 {
					logging.L().Info(ctx, "orphan sweep finished", "scanned", st.Scanned, "completed", st.Completed, "failed", st.Failed, "skipped", st.Skipped)
				}
			}
		}
	}()
}
