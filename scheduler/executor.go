package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/tracker"
)

// ErrJobTimeout 仿真超过单作业超时。
var ErrJobTimeout = errors.New("simulation timed out")

// JobOutcome 单个作业的执行结果，仅用于计数与日志。
type JobOutcome int

const (
	JobCompleted JobOutcome = iota + 1
	JobFailed
	// JobOrphaned 终态写入失败，作业停留在 running，等待 Reconciler 处理。
	JobOrphaned
	// JobSkipped 开始计算前发现作业已不属于本次认领（被清扫或改派），未做任何写入。
	JobSkipped
)

// defaultFailureMessage 计算函数返回空错误信息时写入 error_message 的内容。
const defaultFailureMessage = "simulation failed"

func (o JobOutcome) String() string {
	switch o {
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobOrphaned:
		return "orphaned"
	case JobSkipped:
		return "skipped"
	}
	return "unknown"
}

// Executor 单作业执行器：claimed → computing → {completed, failed}。
type Executor struct {
	jobs    simjob.JobStore
	results simjob.ResultStore
	sim     compute.Simulator
	trk     *tracker.Manager
	timeout time.Duration
}

// NewExecutor 构造执行器；trk 为 nil 时内部新建；timeout<=0 不设超时。
func NewExecutor(jobs simjob.JobStore, results simjob.ResultStore, sim compute.Simulator, trk *tracker.Manager, timeout time.Duration) *Executor {
	if trk == nil {
		trk = tracker.NewManager()
	}
	return &Executor{jobs: jobs, results: results, sim: sim, trk: trk, timeout: timeout}
}

// Tracker 返回在途作业跟踪器。
func (e *Executor) Tracker() *tracker.Manager { return e.trk }

// Execute 执行一个已认领（running）的作业。
// 流程：
// 0) 心跳：以认领 token 条件刷新 updated_at，作业已不是本次认领的 running 时直接跳过；
// 1) 在超时上下文中调用计算函数；
// 2) 成功：先写结果表，再把作业置为 completed（progress=100）；
// 3) 计算或结果写入失败：把作业置为 failed 并记录 error_message；
// 4) 终态写入本身失败：记录日志，作业保持 running（孤儿），不在此重试。
// 存储写入使用脱离取消的上下文，进程退出时仍会尽量落终态。
func (e *Executor) Execute(ctx context.Context, unit string, job simjob.Job) JobOutcome {
	log := logging.L().With("job", job.ID, "unit", unit)
	ins := e.trk.Start(ctx, job.ID, unit, e.timeout)
	defer e.trk.Stop(job.ID)
	wctx := context.WithoutCancel(ctx)

	if herr := e.jobs.Heartbeat(wctx, job.ID, job.ClaimToken); herr != nil {
		if errors.Is(herr, simjob.ErrStaleTransition) || errors.Is(herr, simjob.ErrNotFound) {
			log.Warn(ctx, "job no longer owned by this claim; skipped", "claim", job.ClaimToken, "err", herr)
			return JobSkipped
		}
		return e.fail(ctx, wctx, log, job, ins, errors.WithMessage(herr, "heartbeat"))
	}

	freq := job.Parameters.Frequency()
	log.Info(ctx, "job computing", "parameters", job.Parameters, "frequency", freq)
	resp, err := e.simulate(ins.Ctx, job.Parameters.Clone(), freq)
	if err == nil {
		res := &simjob.Result{
			JobID:        job.ID,
			Transmission: resp.Transmission,
			Phase:        resp.Phase,
			Frequency:    freq,
			Parameters:   job.Parameters.Clone(),
		}
		if werr := e.results.InsertResult(wctx, res); werr != nil {
			err = errors.WithMessage(werr, "write result")
		} else {
			if uerr := e.jobs.UpdateStatus(wctx, job.ID, simjob.StatusRunning, simjob.Completed()); uerr != nil {
				log.Error(ctx, "result stored but marking job completed failed; job left running", "result", res.ID, "err", uerr)
				return JobOrphaned
			}
			log.Info(ctx, "job completed", "transmission", resp.Transmission, "phase", resp.Phase, "elapsed", time.Since(ins.StartedAt))
			return JobCompleted
		}
	}

	return e.fail(ctx, wctx, log, job, ins, err)
}

func (e *Executor) fail(ctx, wctx context.Context, log logging.Logger, job simjob.Job, ins *tracker.Instance, err error) JobOutcome {
	log.Warn(ctx, "job failed", "err", err, "elapsed", time.Since(ins.StartedAt))
	msg := err.Error()
	if strings.TrimSpace(msg) == "" {
		msg = defaultFailureMessage
	}
	if uerr := e.jobs.UpdateStatus(wctx, job.ID, simjob.StatusRunning, simjob.Failed(msg)); uerr != nil {
		log.Error(ctx, "marking job failed also failed; job left running", "cause", err, "err", uerr)
		return JobOrphaned
	}
	return JobFailed
}

type simOut struct {
	resp compute.Response
	err  error
}

// simulate 在独立 goroutine 中调用计算函数，超时或取消时立即返回；
// 不响应 ctx 的计算函数会在后台跑完，其结果被丢弃。
func (e *Executor) simulate(ctx context.Context, params simjob.Parameters, freq float64) (compute.Response, error) {
	ch := make(chan simOut, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- simOut{err: errors.Errorf("simulator panic: %v", p)}
			}
		}()
		r, err := e.sim.Simulate(ctx, params, freq)
		ch <- simOut{resp: r, err: err}
	}()
	select {
	case o := <-ch:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.Response{}, e.timeoutErr()
		}
		return o.resp, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.Response{}, e.timeoutErr()
		}
		return compute.Response{}, errors.Wrap(ctx.Err(), "simulation cancelled")
	}
}

func (e *Executor) timeoutErr() error { return fmt.Errorf("%w after %s", ErrJobTimeout, e.timeout) }
