package reststore

import (
	"context"
	_ "embed"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/client"
)

// ErrSchemaMismatch 远端表缺少 worker 依赖的列。
var ErrSchemaMismatch = errors.New("remote table schema is missing required columns")

//go:embed schema.sql
var schemaSQL string

const (
	jobColumns    = "id,parameters,status,progress,error_message,claimed_by,claim_token,created_at,updated_at"
	resultColumns = "id,job_id,transmission,phase,frequency,parameters"
)

// Schema 返回补齐所需列的迁移 SQL，表名按当前配置替换。
func (s *Store) Schema() string {
	return strings.NewReplacer(
		"simulation_jobs", s.jobTable,
		"meta_atom_dataset", s.resultTable,
	).Replace(schemaSQL)
}

// CheckSchema 以 limit=0 查询全部所需列；PostgREST 对未知列返回 400，
// 此时返回 ErrSchemaMismatch，错误信息附带迁移提示。
func (s *Store) CheckSchema(ctx context.Context) error {
	for table, cols := range map[string]string{s.jobTable: jobColumns, s.resultTable: resultColumns} {
		var rows []map[string]any
		err := s.api.Select(ctx, table, url.Values{"select": {cols}, "limit": {"0"}}, &rows)
		if err == nil {
			continue
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return errors.Wrapf(ErrSchemaMismatch, "%s (want %s): %s; apply `simworker schema` output to the database", table, cols, apiErr.Body)
		}
		return errors.WithMessagef(err, "check schema of %s", table)
	}
	return nil
}
