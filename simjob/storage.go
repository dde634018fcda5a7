package simjob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status 作业状态，取值与 simulation_jobs.status 列一致。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 是否为终态（completed/failed）。
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Valid 是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("job not found")
	// ErrStaleTransition 条件更新未命中：记录当前状态已不是期望的 from 状态。
	ErrStaleTransition = errors.New("job is no longer in the expected status")
	// ErrInvalidTransition 状态机不允许的迁移（例如回退或跳过 running）。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CheckTransition 校验状态迁移是否合法。
// 仅允许：pending→running、running→completed、running→failed。
func CheckTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, from, to)
	}
	switch {
	case from == StatusPending && to == StatusRunning,
		from == StatusRunning && to == StatusCompleted,
		from == StatusRunning && to == StatusFailed:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// DefaultFrequency 参数中缺少 frequency 时使用的默认值。
const DefaultFrequency = 1.0

// Parameters 物理输入参数（如 radius、period、frequency）。
// 作业创建后不可修改，读取方应通过 Clone 获取副本。
type Parameters map[string]float64

// Frequency 返回 frequency 参数，缺省为 DefaultFrequency。
func (p Parameters) Frequency() float64 {
	if v, ok := p["frequency"]; ok {
		return v
	}
	return DefaultFrequency
}

// Clone 深拷贝。
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Job 作业记录。
type Job struct {
	ID           int64
	Parameters   Parameters
	Status       Status
	Progress     int
	ErrorMessage string
	ClaimedBy    string
	ClaimToken   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Result 计算结果记录；JobID 仅为反向引用，结果表不负责作业生命周期。
type Result struct {
	ID           int64
	JobID        int64
	Transmission float64
	Phase        float64
	Frequency    float64
	Parameters   Parameters
	CreatedAt    time.Time
}

// ClaimRequest 一次认领的标识。
// Token 每个调度周期唯一，存储据此返回本次真正迁移到 running 的作业。
type ClaimRequest struct {
	Token     string
	ClaimedBy string
}

// StatusUpdate 状态更新内容。Progress 为 nil 时不修改进度。
type StatusUpdate struct {
	To           Status
	Progress     *int
	ErrorMessage string
}

// Completed 构造 running→completed 的更新（进度 100）。
func Completed() StatusUpdate {
	p := 100
	return StatusUpdate{To: StatusCompleted, Progress: &p}
}

// Failed 构造 running→failed 的更新。
func Failed(msg string) StatusUpdate {
	return StatusUpdate{To: StatusFailed, ErrorMessage: msg}
}

// JobStore 作业表接口（memstore / gormstore / reststore 实现）。
type JobStore interface {
	// ListPending 列出 pending 作业；limit<=0 表示不限制。
	ListPending(ctx context.Context, limit int) ([]Job, error)
	// Claim 以单次条件批量更新把 ids 中仍为 pending 的作业置为 running，
	// 返回本次实际认领到的作业 ID；空 ids 为无操作。
	Claim(ctx context.Context, ids []int64, req ClaimRequest) ([]int64, error)
	// UpdateStatus 条件更新：仅当作业当前状态为 from 时生效，否则返回 ErrStaleTransition。
	UpdateStatus(ctx context.Context, id int64, from Status, upd StatusUpdate) error
	// Heartbeat 作业进入计算前刷新 updated_at，孤儿阈值从这次写入起算。
	// 仅当作业仍为 running 且（claimToken 非空时）claim_token 一致才生效，
	// 否则返回 ErrStaleTransition（已被清扫或被他人认领），不存在返回 ErrNotFound。
	Heartbeat(ctx context.Context, id int64, claimToken string) error
	// Insert 以 pending 状态插入新作业，返回分配的 ID。
	Insert(ctx context.Context, params []Parameters) ([]int64, error)
	// Get 按 ID 读取。
	Get(ctx context.Context, id int64) (*Job, error)
	// ListStaleRunning 列出 updated_at 早于 before 的 running 作业。
	ListStaleRunning(ctx context.Context, before time.Time) ([]Job, error)
}

// ResultStore 结果表接口（只追加）。
type ResultStore interface {
	InsertResult(ctx context.Context, r *Result) error
	HasResult(ctx context.Context, jobID int64) (bool, error)
}

// Store 同时提供作业表与结果表的存储实现。
type Store interface {
	JobStore
	ResultStore
}
