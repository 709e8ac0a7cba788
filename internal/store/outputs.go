package store

import (
	"context"

	"github.com/sonarsweep/sonarsweep/models"
)

const outputCols = `id, job_id, data_source_id, path, project_key, repo_name,
	metrics, record_count, created_at, updated_at`

// UpsertOutput records an exported CSV keyed on (job_id, path). The record
// count always reflects the current file contents, so repeated exports for
// the same file fold into one row.
func (s *Store) UpsertOutput(ctx context.Context, out *models.Output) error {
	var existing models.Output
	err := s.db.Get(ctx, &existing,
		`SELECT `+outputCols+` FROM outputs WHERE job_id = ? AND path = ?`,
		out.JobID, out.Path)
	if err != nil {
		out.CreatedAt = nowUTC()
		out.UpdatedAt = out.CreatedAt
		id, err := s.db.Insert(ctx, "outputs", out)
		if err != nil {
			return err
		}
		out.ID = id
		return nil
	}

	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = nowUTC()
	return s.db.Update(ctx, "outputs", out, "id = ?", existing.ID)
}

// ListOutputs returns outputs for a job (or all jobs when jobID is 0).
func (s *Store) ListOutputs(ctx context.Context, jobID int64, limit, offset int) ([]models.Output, error) {
	query := `SELECT ` + outputCols + ` FROM outputs`
	var args []any
	if jobID > 0 {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []models.Output
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}
