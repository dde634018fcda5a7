package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Instance 维护一个执行中作业的上下文、超时与取消句柄。
type Instance struct {
	JobID     int64
	Unit      string
	StartedAt time.Time
	Deadline  time.Time
	Queued    bool // 已认领、尚在工作池排队，未开始计算
	Ctx       context.Context
	Cancel    context.CancelFunc
}

// Manager 本进程在途作业跟踪器；协调器据此跳过仍在本地执行的 running 作业。
type Manager struct {
	mu      sync.RWMutex
	running map[int64]*Instance
}

// NewManager 构造。
func NewManager() *Manager { return &Manager{running: map[int64]*Instance{}} }

// Start 注册作业并派生带超时的上下文；timeout<=0 表示不设超时。
func (m *Manager) Start(parent context.Context, jobID int64, unit string, timeout time.Duration) *Instance {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	ins := &Instance{JobID: jobID, Unit: unit, StartedAt: time.Now(), Ctx: ctx, Cancel: cancel}
	if dl, ok := ctx.Deadline(); ok {
		ins.Deadline = dl
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[jobID] = ins
	return ins
}

// Reserve 登记一批已认领但尚未开始执行的作业，使协调器在排队期间也能识别它们。
// 随后的 Start 会覆盖同一作业的登记。
func (m *Manager) Reserve(jobIDs ...int64) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range jobIDs {
		if _, ok := m.running[id]; ok {
			continue
		}
		m.running[id] = &Instance{JobID: id, StartedAt: now, Queued: true, Ctx: context.Background(), Cancel: func() {}}
	}
}

// Release 移除仍处于排队状态的登记；已开始执行的作业不受影响。返回移除数量。
func (m *Manager) Release(jobIDs ...int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range jobIDs {
		if ins, ok := m.running[id]; ok && ins.Queued {
			delete(m.running, id)
			n++
		}
	}
	return n
}

// Stop 取消并移除作业；返回作业此前是否在途。
func (m *Manager) Stop(jobID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ins, ok := m.running[jobID]; ok {
		ins.Cancel()
		delete(m.running, jobID)
		return true
	}
	return false
}

// Get 查询作业。
func (m *Manager) Get(jobID int64) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ins, ok := m.running[jobID]
	return ins, ok
}

// ListIDs 返回当前在途作业 ID（升序）。
func (m *Manager) ListIDs() []int64 {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len 在途数量。
func (m *Manager) Len() int { m.mu.RLock(); defer m.mu.RUnlock(); return len(m.running) }
