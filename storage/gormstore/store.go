package gormstore

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mengeric/simjob-worker/simjob"
)

// jobModel 映射到 simulation_jobs 表。
type jobModel struct {
	ID           int64             `gorm:"primaryKey;autoIncrement"`
	Parameters   simjob.Parameters `gorm:"serializer:json;type:text"`
	Status       string            `gorm:"size:16;index"`
	Progress     int               `gorm:"default:0"`
	ErrorMessage string            `gorm:"type:text"`
	ClaimedBy    string            `gorm:"size:64"`
	ClaimToken   string            `gorm:"size:64;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
}

// resultModel 映射到 meta_atom_dataset 表。
type resultModel struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	JobID        int64 `gorm:"index"`
	Transmission float64
	Phase        float64
	Frequency    float64
	Parameters   simjob.Parameters `gorm:"serializer:json;type:text"`
	CreatedAt    time.Time
}

// Store 基于 GORM 的 simjob.Store 实现。
// *gorm.DB 是并发安全的连接池句柄；每次调用经 WithContext 派生独立会话，
// 因此各执行单元之间不共享会话状态。
type Store struct {
	db          *gorm.DB
	jobTable    string
	resultTable string
	now         func() time.Time
}

// Option Store 可选项。
type Option func(*Store)

// WithTables 指定作业表与结果表名。
func WithTables(jobs, results string) Option {
	return func(s *Store) {
		if jobs != "" {
			s.jobTable = jobs
		}
		if results != "" {
			s.resultTable = results
		}
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New 创建 Store；默认表名 simulation_jobs / meta_atom_dataset。
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, jobTable: "simulation_jobs", resultTable: "meta_atom_dataset", now: time.Now}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Open 按驱动名（postgres|sqlite）打开数据库。
func Open(driver, dsn string) (*gorm.DB, error) {
	var d gorm.Dialector
	switch driver {
	case "postgres":
		d = postgres.Open(dsn)
	case "sqlite":
		d = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported gorm driver %q", driver)
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	return db, nil
}

// AutoMigrate 创建/更新两张表。
func (s *Store) AutoMigrate() error {
	if err := s.db.Table(s.jobTable).AutoMigrate(&jobModel{}); err != nil {
		return errors.Wrap(err, "migrate jobs")
	}
	return errors.Wrap(s.db.Table(s.resultTable).AutoMigrate(&resultModel{}), "migrate results")
}

func (s *Store) jobs(ctx context.Context) *gorm.DB    { return s.db.WithContext(ctx).Table(s.jobTable) }
func (s *Store) results(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx).Table(s.resultTable) }

// ListPending 实现 simjob.JobStore。
func (s *Store) ListPending(ctx context.Context, limit int) ([]simjob.Job, error) {
	q := s.jobs(ctx).Where("status = ?", string(simjob.StatusPending)).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []jobModel
	if err := q.Find(&list).Error; err != nil {
		return nil, errors.Wrap(err, "list pending")
	}
	return fromModels(list), nil
}

// Claim 单条条件 UPDATE 认领，再按本次 token 回读真正迁移的行。
// 并发调度器的 UPDATE 只会命中仍为 pending 的行，因此同一作业最多被一个 token 认领。
func (s *Store) Claim(ctx context.Context, ids []int64, req simjob.ClaimRequest) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(s.jobTable).
			Where("id IN ? AND status = ?", ids, string(simjob.StatusPending)).
			Updates(map[string]any{
				"status":      string(simjob.StatusRunning),
				"claimed_by":  req.ClaimedBy,
				"claim_token": req.Token,
				"updated_at":  s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Table(s.jobTable).
			Where("id IN ? AND claim_token = ?", ids, req.Token).
			Order("id").
			Pluck("id", &claimed).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim")
	}
	return claimed, nil
}

// UpdateStatus 实现 simjob.JobStore；0 行命中时区分不存在与状态已变。
func (s *Store) UpdateStatus(ctx context.Context, id int64, from simjob.Status, upd simjob.StatusUpdate) error {
	if err := simjob.CheckTransition(from, upd.To); err != nil {
		return err
	}
	patch := map[string]any{"status": string(upd.To), "updated_at": s.now()}
	if upd.Progress != nil {
		patch["progress"] = *upd.Progress
	}
	if upd.ErrorMessage != "" {
		patch["error_message"] = upd.ErrorMessage
	}
	res := s.jobs(ctx).Where("id = ? AND status = ?", id, string(from)).Updates(patch)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update job %d", id)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.missingOrStale(ctx, id)
}

// Heartbeat 实现 simjob.JobStore：条件刷新 updated_at。
func (s *Store) Heartbeat(ctx context.Context, id int64, claimToken string) error {
	q := s.jobs(ctx).Where("id = ? AND status = ?", id, string(simjob.StatusRunning))
	if claimToken != "" {
		q = q.Where("claim_token = ?", claimToken)
	}
	res := q.Update("updated_at", s.now())
	if res.Error != nil {
		return errors.Wrapf(res.Error, "heartbeat job %d", id)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.missingOrStale(ctx, id)
}

// missingOrStale 条件更新 0 行命中时区分不存在与状态已变。
func (s *Store) missingOrStale(ctx context.Context, id int64) error {
	var n int64
	if err := s.jobs(ctx).Where("id = ?", id).Count(&n).Error; err != nil {
		return errors.Wrapf(err, "update job %d", id)
	}
	if n == 0 {
		return simjob.ErrNotFound
	}
	return simjob.ErrStaleTransition
}

// Insert 实现 simjob.JobStore。
func (s *Store) Insert(ctx context.Context, params []simjob.Parameters) ([]int64, error) {
	if len(params) == 0 {
		return nil, nil
	}
	now := s.now()
	rows := make([]jobModel, 0, len(params))
	for _, p := range params {
		rows = append(rows, jobModel{Parameters: p.Clone(), Status: string(simjob.StatusPending), CreatedAt: now, UpdatedAt: now})
	}
	if err := s.jobs(ctx).Create(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "insert jobs")
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Get 实现 simjob.JobStore。
func (s *Store) Get(ctx context.Context, id int64) (*simjob.Job, error) {
	var m jobModel
	if err := s.jobs(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, simjob.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get job %d", id)
	}
	j := fromModel(m)
	return &j, nil
}

// ListStaleRunning 实现 simjob.JobStore。
func (s *Store) ListStaleRunning(ctx context.Context, before time.Time) ([]simjob.Job, error) {
	var list []jobModel
	err := s.jobs(ctx).Where("status = ? AND updated_at < ?", string(simjob.StatusRunning), before).Order("id").Find(&list).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stale running")
	}
	return fromModels(list), nil
}

// InsertResult 实现 simjob.ResultStore。
func (s *Store) InsertResult(ctx context.Context, r *simjob.Result) error {
	m := resultModel{
		JobID:        r.JobID,
		Transmission: r.Transmission,
		Phase:        r.Phase,
		Frequency:    r.Frequency,
		Parameters:   r.Parameters.Clone(),
		CreatedAt:    r.CreatedAt,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if err := s.results(ctx).Create(&m).Error; err != nil {
		return errors.Wrapf(err, "insert result for job %d", r.JobID)
	}
	r.ID = m.ID
	return nil
}

// HasResult 实现 simjob.ResultStore。
func (s *Store) HasResult(ctx context.Context, jobID int64) (bool, error) {
	var n int64
	if err := s.results(ctx).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		return false, errors.Wrapf(err, "count results for job %d", jobID)
	}
	return n > 0, nil
}

func fromModel(m jobModel) simjob.Job {
	return simjob.Job{
		ID:           m.ID,
		Parameters:   m.Parameters,
		Status:       simjob.Status(m.Status),
		Progress:     m.Progress,
		ErrorMessage: m.ErrorMessage,
		ClaimedBy:    m.ClaimedBy,
		ClaimToken:   m.ClaimToken,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fromModels(list []jobModel) []simjob.Job {
	out := make([]simjob.Job, 0, len(list))
	for _, m := range list {
		out = append(out, fromModel(m))
	}
	return out
}
