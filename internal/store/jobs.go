package store

import (
	"context"
	"strings"

	"github.com/sonarsweep/sonarsweep/models"
)

const jobCols = `id, data_source_id, job_type, status, total, processed,
	failed_count, current_commit, sonar_instance, last_error, created_at, updated_at`

// CreateJob inserts a job and fills in its ID.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.JobType == "" {
		job.JobType = "scan"
	}
	job.CreatedAt = nowUTC()
	job.UpdatedAt = job.CreatedAt
	id, err := s.db.Insert(ctx, "jobs", job)
	if err != nil {
		return err
	}
	job.ID = id
	return nil
}

// GetJob fetches one job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := s.db.Get(ctx, &job, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest-first, optionally filtered by status and
// data source.
func (s *Store) ListJobs(ctx context.Context, status string, dataSourceID int64, limit, offset int) ([]models.Job, error) {
	var conditions []string
	var args []any
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	if dataSourceID > 0 {
		conditions = append(conditions, "data_source_id = ?")
		args = append(args, dataSourceID)
	}
	query := `SELECT ` + jobCols + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var out []models.Job
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetJobStatus transitions the job status and optionally records an error.
func (s *Store) SetJobStatus(ctx context.Context, id int64, status, lastError string) error {
	return s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, nowUTC(), id)
}

// StartJob moves a queued job to running and pins the backend instance and
// commit total it was admitted with.
func (s *Store) StartJob(ctx context.Context, id int64, instance string, total int) error {
	return s.db.Exec(ctx,
		`UPDATE jobs SET status = ?, sonar_instance = ?, total = ?, updated_at = ? WHERE id = ?`,
		models.JobStatusRunning, instance, total, nowUTC(), id)
}

// AdvanceJob applies a progress delta atomically. Counters only grow; the
// current commit and last error are overwritten when non-empty. Only a
// running job accepts progress, so in-flight tasks of a cancelled or already
// finalised job cannot move its counters.
func (s *Store) AdvanceJob(ctx context.Context, id int64, processedDelta, failedDelta int, currentCommit, lastError string) error {
	sets := []string{
		"processed = processed + ?",
		"failed_count = failed_count + ?",
		"updated_at = ?",
	}
	args := []any{processedDelta, failedDelta, nowUTC()}
	if currentCommit != "" {
		sets = append(sets, "current_commit = ?")
		args = append(args, currentCommit)
	}
	if lastError != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, lastError)
	}
	args = append(args, id, models.JobStatusRunning)
	return s.db.Exec(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
}

// FinalizeJobIfDone re-reads the job and, when every commit is accounted
// for, transitions it to succeeded or failed. Returns the final status, or
// "" when the job is still in flight.
func (s *Store) FinalizeJobIfDone(ctx context.Context, id int64) (string, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusRunning || !job.Terminal() {
		return "", nil
	}
	final := models.JobStatusSucceeded
	if job.FailedCount > 0 {
		final = models.JobStatusFailed
	}
	if err := s.SetJobStatus(ctx, id, final, job.LastError); err != nil {
		return "", err
	}
	return final, nil
}

// StaleJobIDs returns running jobs whose last update is older than cutoff.
func (s *Store) StaleJobIDs(ctx context.Context, cutoff string, limit int) ([]int64, error) {
	type row struct {
		ID int64 `db:"id"`
	}
	var rows []row
	err := s.db.Select(ctx, &rows,
		`SELECT id FROM jobs WHERE status = ? AND updated_at < ? ORDER BY id ASC LIMIT ?`,
		models.JobStatusRunning, cutoff, limit)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out, nil
}
