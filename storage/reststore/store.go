package reststore

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/client"
	"github.com/mengeric/simjob-worker/simjob"
)

// jobRow simulation_jobs 行的 JSON 形态。
type jobRow struct {
	ID           int64             `json:"id,omitempty"`
	Parameters   simjob.Parameters `json:"parameters"`
	Status       string            `json:"status"`
	Progress     *int              `json:"progress,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	ClaimedBy    *string           `json:"claimed_by,omitempty"`
	ClaimToken   *string           `json:"claim_token,omitempty"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	UpdatedAt    *time.Time        `json:"updated_at,omitempty"`
}

// resultRow meta_atom_dataset 行的 JSON 形态。
type resultRow struct {
	ID           int64             `json:"id,omitempty"`
	JobID        int64             `json:"job_id"`
	Transmission float64           `json:"transmission"`
	Phase        float64           `json:"phase"`
	Frequency    float64           `json:"frequency"`
	Parameters   simjob.Parameters `json:"parameters"`
}

type idRow struct {
	ID int64 `json:"id"`
}

// Store 基于 PostgREST 的 simjob.Store 实现。
// 底层 http.Client 并发安全，每个请求独立，不在执行单元之间共享可变状态。
type Store struct {
	api         client.PostgREST
	jobTable    string
	resultTable string
	now         func() time.Time
}

// New 创建 Store；表名为空时使用 simulation_jobs / meta_atom_dataset。
func New(api client.PostgREST, jobTable, resultTable string) *Store {
	if jobTable == "" {
		jobTable = "simulation_jobs"
	}
	if resultTable == "" {
		resultTable = "meta_atom_dataset"
	}
	return &Store{api: api, jobTable: jobTable, resultTable: resultTable, now: time.Now}
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]simjob.Job, error) {
	q := url.Values{
		"select": {"*"},
		"status": {client.Eq(string(simjob.StatusPending))},
		"order":  {"id.asc"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows []jobRow
	if err := s.api.Select(ctx, s.jobTable, q, &rows); err != nil {
		return nil, errors.WithMessage(err, "list pending")
	}
	return fromRows(rows), nil
}

// Claim 一次 PATCH：id in (...) 且 status=pending；PostgREST 只返回真正被更新的行。
func (s *Store) Claim(ctx context.Context, ids []int64, req simjob.ClaimRequest) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := url.Values{
		"id":     {client.In(ids)},
		"status": {client.Eq(string(simjob.StatusPending))},
		"select": {"id"},
	}
	patch := map[string]any{
		"status":      simjob.StatusRunning,
		"claimed_by":  req.ClaimedBy,
		"claim_token": req.Token,
		"updated_at":  s.now().UTC(),
	}
	var rows []idRow
	if err := s.api.Update(ctx, s.jobTable, filter, patch, &rows); err != nil {
		return nil, errors.WithMessage(err, "claim")
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, from simjob.Status, upd simjob.StatusUpdate) error {
	if err := simjob.CheckTransition(from, upd.To); err != nil {
		return err
	}
	patch := map[string]any{"status": upd.To, "updated_at": s.now().UTC()}
	if upd.Progress != nil {
		patch["progress"] = *upd.Progress
	}
	if upd.ErrorMessage != "" {
		patch["error_message"] = upd.ErrorMessage
	}
	filter := url.Values{
		"id":     {client.Eq(strconv.FormatInt(id, 10))},
		"status": {client.Eq(string(from))},
		"select": {"id"},
	}
	var rows []idRow
	if err := s.api.Update(ctx, s.jobTable, filter, patch, &rows); err != nil {
		return errors.WithMessagef(err, "update job %d", id)
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return simjob.ErrStaleTransition
}

// Heartbeat PATCH updated_at，过滤 status=running 与 claim_token。
func (s *Store) Heartbeat(ctx context.Context, id int64, claimToken string) error {
	filter := url.Values{
		"id":     {client.Eq(strconv.FormatInt(id, 10))},
		"status": {client.Eq(string(simjob.StatusRunning))},
		"select": {"id"},
	}
	if claimToken != "" {
		filter.Set("claim_token", client.Eq(claimToken))
	}
	var rows []idRow
	if err := s.api.Update(ctx, s.jobTable, filter, map[string]any{"updated_at": s.now().UTC()}, &rows); err != nil {
		return errors.WithMessagef(err, "heartbeat job %d", id)
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return simjob.ErrStaleTransition
}

func (s *Store) Insert(ctx context.Context, params []simjob.Parameters) ([]int64, error) {
	if len(params) == 0 {
		return nil, nil
	}
	rows := make([]jobRow, 0, len(params))
	for _, p := range params {
		rows = append(rows, jobRow{Parameters: p.Clone(), Status: string(simjob.StatusPending)})
	}
	var created []idRow
	if err := s.api.Insert(ctx, s.jobTable, rows, &created); err != nil {
		return nil, errors.WithMessage(err, "insert jobs")
	}
	ids := make([]int64, 0, len(created))
	for _, r := range created {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*simjob.Job, error) {
	q := url.Values{"select": {"*"}, "id": {client.Eq(strconv.FormatInt(id, 10))}}
	var rows []jobRow
	if err := s.api.Select(ctx, s.jobTable, q, &rows); err != nil {
		return nil, errors.WithMessagef(err, "get job %d", id)
	}
	if len(rows) == 0 {
		return nil, simjob.ErrNotFound
	}
	j := fromRow(rows[0])
	return &j, nil
}

func (s *Store) ListStaleRunning(ctx context.Context, before time.Time) ([]simjob.Job, error) {
	q := url.Values{
		"select":     {"*"},
		"status":     {client.Eq(string(simjob.StatusRunning))},
		"updated_at": {client.Lt(before.UTC().Format(time.RFC3339Nano))},
		"order":      {"id.asc"},
	}
	var rows []jobRow
	if err := s.api.Select(ctx, s.jobTable, q, &rows); err != nil {
		return nil, errors.WithMessage(err, "list stale running")
	}
	return fromRows(rows), nil
}

func (s *Store) InsertResult(ctx context.Context, r *simjob.Result) error {
	row := resultRow{
		JobID:        r.JobID,
		Transmission: r.Transmission,
		Phase:        r.Phase,
		Frequency:    r.Frequency,
		Parameters:   r.Parameters,
	}
	var created []idRow
	if err := s.api.Insert(ctx, s.resultTable, []resultRow{row}, &created); err != nil {
		return errors.WithMessagef(err, "insert result for job %d", r.JobID)
	}
	if len(created) > 0 {
		r.ID = created[0].ID
	}
	return nil
}

func (s *Store) HasResult(ctx context.Context, jobID int64) (bool, error) {
	q := url.Values{"select": {"id"}, "job_id": {client.Eq(strconv.FormatInt(jobID, 10))}, "limit": {"1"}}
	var rows []idRow
	if err := s.api.Select(ctx, s.resultTable, q, &rows); err != nil {
		return false, errors.WithMessagef(err, "count results for job %d", jobID)
	}
	return len(rows) > 0, nil
}

func fromRow(r jobRow) simjob.Job {
	j := simjob.Job{ID: r.ID, Parameters: r.Parameters, Status: simjob.Status(r.Status)}
	if r.Progress != nil {
		j.Progress = *r.Progress
	}
	if r.ErrorMessage != nil {
		j.ErrorMessage = *r.ErrorMessage
	}
	if r.ClaimedBy != nil {
		j.ClaimedBy = *r.ClaimedBy
	}
	if r.ClaimToken != nil {
		j.ClaimToken = *r.ClaimToken
	}
	if r.CreatedAt != nil {
		j.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		j.UpdatedAt = *r.UpdatedAt
	}
	return j
}

func fromRows(rows []jobRow) []simjob.Job {
	out := make([]simjob.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out
}
