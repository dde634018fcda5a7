package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mengeric/simjob-worker/simjob"
)

// Store 是一个线程安全的内存实现，仅用于开发/轻量场景与测试。
// 同时实现 simjob.JobStore 与 simjob.ResultStore。
type Store struct {
	mu        sync.RWMutex
	jobs      map[int64]*simjob.Job
	results   []simjob.Result
	nextJob   int64
	nextRes   int64
	mutations int64
	now       func() time.Time
}

// New 创建内存存储。
func New() *Store { return &Store{jobs: map[int64]*simjob.Job{}, now: time.Now} }

// SetClock 替换时间源（测试用）。
func (s *Store) SetClock(now func() time.Time) { s.mu.Lock(); defer s.mu.Unlock(); s.now = now }

// Mutations 返回累计写操作次数（insert/claim/update 中实际修改了数据的次数）。
func (s *Store) Mutations() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return s.mutations }

func (s *Store) ListPending(ctx context.Context, limit int) ([]simjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(j *simjob.Job) bool { return j.Status == simjob.StatusPending })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, ids []int64, req simjob.ClaimRequest) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	claimed := make([]int64, 0, len(ids))
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || j.Status != simjob.StatusPending {
			continue
		}
		j.Status = simjob.StatusRunning
		j.ClaimedBy = req.ClaimedBy
		j.ClaimToken = req.Token
		j.UpdatedAt = now
		claimed = append(claimed, id)
	}
	if len(claimed) > 0 {
		s.mutations++
	}
	return claimed, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, from simjob.Status, upd simjob.StatusUpdate) error {
	if err := simjob.CheckTransition(from, upd.To); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return simjob.ErrNotFound
	}
	if j.Status != from {
		return simjob.ErrStaleTransition
	}
	j.Status = upd.To
	if upd.Progress != nil {
		j.Progress = *upd.Progress
	}
	if upd.ErrorMessage != "" {
		j.ErrorMessage = upd.ErrorMessage
	}
	j.UpdatedAt = s.now()
	s.mutations++
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, id int64, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return simjob.ErrNotFound
	}
	if j.Status != simjob.StatusRunning || (claimToken != "" && j.ClaimToken != claimToken) {
		return simjob.ErrStaleTransition
	}
	j.UpdatedAt = s.now()
	s.mutations++
	return nil
}

func (s *Store) Insert(ctx context.Context, params []simjob.Parameters) ([]int64, error) {
	if len(params) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]int64, 0, len(params))
	for _, p := range params {
		s.nextJob++
		s.jobs[s.nextJob] = &simjob.Job{
			ID:         s.nextJob,
			Parameters: p.Clone(),
			Status:     simjob.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		ids = append(ids, s.nextJob)
	}
	s.mutations++
	return ids, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*simjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j, ok := s.jobs[id]; ok {
		cp := copyJob(j)
		return &cp, nil
	}
	return nil, simjob.ErrNotFound
}

func (s *Store) ListStaleRunning(ctx context.Context, before time.Time) ([]simjob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(j *simjob.Job) bool {
		return j.Status == simjob.StatusRunning && j.UpdatedAt.Before(before)
	}), nil
}

func (s *Store) InsertResult(ctx context.Context, r *simjob.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRes++
	cp := *r
	cp.ID = s.nextRes
	cp.Parameters = r.Parameters.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.results = append(s.results, cp)
	r.ID = cp.ID
	s.mutations++
	return nil
}

func (s *Store) HasResult(ctx context.Context, jobID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		if r.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

// Jobs 返回全部作业快照（按 ID 升序）。
func (s *Store) Jobs() []simjob.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(*simjob.Job) bool { return true })
}

// Results 返回全部结果快照。
func (s *Store) Results() []simjob.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]simjob.Result, len(s.results))
	copy(out, s.results)
	return out
}

// filter 调用方需持有锁。
func (s *Store) filter(keep func(*simjob.Job) bool) []simjob.Job {
	out := make([]simjob.Job, 0)
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func copyJob(j *simjob.Job) simjob.Job {
	cp := *j
	cp.Parameters = j.Parameters.Clone()
	return cp
}
