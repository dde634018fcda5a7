package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/compute"
	"github.com/mengeric/simjob-worker/logging"
	"github.com/mengeric/simjob-worker/metrics"
	"github.com/mengeric/simjob-worker/scheduler"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/tracker"
)

var (
	// ErrNoStore 未配置作业表或结果表存储。
	ErrNoStore = errors.New("job store and result store are required")
	// ErrNoSimulator 未配置计算函数。
	ErrNoSimulator = errors.New("simulator is required")
	// ErrAlreadyRunning Run 被重复调用。
	ErrAlreadyRunning = errors.New("worker already running")
)

// schemaChecker 需要额外列的存储（REST 后端）实现，启动前校验表结构。
type schemaChecker interface {
	CheckSchema(ctx context.Context) error
}

// Worker 组件主对象：调度循环、孤儿清扫与只读状态 HTTP 的生命周期。
type Worker struct {
	opt     Options
	jobs    simjob.JobStore
	results simjob.ResultStore

	trk  *tracker.Manager
	pool *scheduler.Pool
	disp *scheduler.Dispatcher
	rec  *scheduler.Reconciler

	running atomic.Bool
	srv     *http.Server
	addrMu  sync.RWMutex
	addr    string
}

// NewWorker 创建 Worker。
// 参数：opts 一组 Option；存储与计算函数必须提供。
// 返回：缺少存储返回 ErrNoStore，缺少计算函数返回 ErrNoSimulator。
func NewWorker(opts ...Option) (*Worker, error) {
	cfg := &workerConfig{}
	for _, fn := range opts {
		fn(cfg)
	}
	if cfg.jobs == nil || cfg.results == nil {
		return nil, ErrNoStore
	}
	if cfg.sim == nil {
		return nil, ErrNoSimulator
	}
	cfg.opt.withDefaults()
	w := &Worker{opt: cfg.opt, jobs: cfg.jobs, results: cfg.results, trk: tracker.NewManager()}
	w.pool = scheduler.NewPool(context.Background(), w.opt.Concurrency)
	exec := scheduler.NewExecutor(cfg.jobs, cfg.results, cfg.sim, w.trk, w.opt.JobTimeout)
	w.disp = scheduler.NewDispatcher(w.opt.ID, cfg.jobs, w.pool, exec, w.opt.BatchLimit, w.opt.Intervals)
	w.rec = scheduler.NewReconciler(cfg.jobs, cfg.results, w.trk, w.opt.OrphanAfter, w.opt.ReconcileEvery)
	return w, nil
}

// NewWorkerFromRegistry 按注册名查找计算函数后创建 Worker。
func NewWorkerFromRegistry(name string, opts ...Option) (*Worker, error) {
	sim, ok := compute.Get(name)
	if !ok {
		return nil, errors.Wrapf(compute.ErrNotFound, "simulator %q (registered: %v)", name, compute.Names())
	}
	return NewWorker(append(opts, WithSimulator(sim))...)
}

// ID 调度器标识。
func (w *Worker) ID() string { return w.disp.ID() }

// Run 启动并阻塞运行直到 ctx 取消。
// 0) 存储支持时先校验表结构，缺列直接返回，不进入循环；
// 1) 若配置了 ListenAddr，先启动状态 HTTP 并确定实际地址；
// 2) 启动孤儿清扫；
// 3) 运行调度循环。ctx 取消后当前批次跑完（终态写入不受取消影响）再返回。
// 返回：正常关闭返回 nil；表结构不符或监听失败返回错误。
func (w *Worker) Run(ctx context.Context) error {
	if w.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)
	log := logging.L().With("dispatcher", w.disp.ID())

	if sc, ok := w.jobs.(schemaChecker); ok {
		if err := sc.CheckSchema(ctx); err != nil {
			return errors.WithMessage(err, "check store schema")
		}
	}

	if w.opt.ListenAddr != "" {
		ln, err := net.Listen("tcp", w.opt.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", w.opt.ListenAddr)
		}
		w.addrMu.Lock()
		w.addr = ln.Addr().String()
		w.addrMu.Unlock()
		w.srv = &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "status server stopped", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = w.srv.Shutdown(sctx)
		}()
		log.Info(ctx, "status server listening", "addr", w.Addr())
	}

	w.rec.Start(ctx)
	log.Info(ctx, "worker started", "concurrency", w.pool.Limit(), "job_timeout", w.opt.JobTimeout, "orphan_after", w.opt.OrphanAfter)
	err := w.disp.Run(ctx)
	log.Info(ctx, "worker stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// RunOnce 执行单个调度周期（不休眠），用于命令行一次性消费。
func (w *Worker) RunOnce(ctx context.Context) (scheduler.CycleStats, error) {
	return w.disp.RunCycle(ctx)
}

// Reconcile 立即执行一次孤儿清扫。
func (w *Worker) Reconcile(ctx context.Context) (scheduler.SweepStats, error) {
	return w.rec.Sweep(ctx)
}

// Addr 返回状态 HTTP 的实际监听地址（:0 随机端口场景）；未启动时为空。
func (w *Worker) Addr() string { w.addrMu.RLock(); defer w.addrMu.RUnlock(); return w.addr }

// Handler 返回状态路由，宿主也可自行挂载。
// 端点：GET /worker/status、POST /worker/queryJob、GET /worker/healthz
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/worker", func(r chi.Router) {
		r.Get("/status", w.handleStatus)
		r.Post("/queryJob", w.handleQueryJob)
		r.Get("/healthz", w.handleHealthz)
	})
	return r
}

type statusView struct {
	ID          string                `json:"id"`
	Running     bool                  `json:"running"`
	Concurrency int                   `json:"concurrency"`
	InFlight    []int64               `json:"inFlight"`
	LastCycle   *scheduler.CycleStats `json:"lastCycle,omitempty"`
	Host        metrics.HostMetric    `json:"host"`
}

type jobView struct {
	ID           int64             `json:"id"`
	Parameters   simjob.Parameters `json:"parameters"`
	Status       simjob.Status     `json:"status"`
	Progress     int               `json:"progress"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	ClaimedBy    string            `json:"claimedBy,omitempty"`
	InFlight     bool              `json:"inFlight"`
	Queued       bool              `json:"queued,omitempty"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, statusView{
		ID:          w.disp.ID(),
		Running:     w.running.Load(),
		Concurrency: w.pool.Limit(),
		InFlight:    w.trk.ListIDs(),
		LastCycle:   w.disp.LastCycle(),
		Host:        metrics.Collect(r.Context()),
	})
}

// handleQueryJob 查询作业状态，请求体 {"jobId":N}。
func (w *Worker) handleQueryJob(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID int64 `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	job, err := w.jobs.Get(r.Context(), body.JobID)
	if errors.Is(err, simjob.ErrNotFound) {
		writeErr(rw, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(rw, http.StatusBadGateway, err)
		return
	}
	ins, inFlight := w.trk.Get(job.ID)
	jv := jobView{
		ID:           job.ID,
		Parameters:   job.Parameters,
		Status:       job.Status,
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		ClaimedBy:    job.ClaimedBy,
		InFlight:     inFlight,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if inFlight {
		jv.Queued = ins.Queued
		if !ins.Deadline.IsZero() {
			dl := ins.Deadline
			jv.Deadline = &dl
		}
	}
	writeJSON(rw, jv)
}

// handleHealthz 最近一个周期存储异常时返回 503。
func (w *Worker) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	if last := w.disp.LastCycle(); last != nil && last.Outcome == scheduler.CycleError {
		writeErr(rw, http.StatusServiceUnavailable, errors.New(last.Error))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
