package store

import (
	"context"
	"strings"

	"github.com/sonarsweep/sonarsweep/models"
)

const runCols = `id, data_source_id, job_id, project_key, commit_sha,
	component_key, status, sonar_instance, sonar_host, analysis_id,
	metrics_path, log_ref, message, started_at, finished_at, updated_at`

// UpsertRun records run state keyed on (data_source_id, project_key,
// commit_sha). The first write sets started_at; later writes keep it and
// overwrite the mutable fields, so retried tasks fold into one row. A run
// that already succeeded is never downgraded: succeeded carries the analysis
// ID and metrics path, and a redelivered task must not wipe them.
func (s *Store) UpsertRun(ctx context.Context, run *models.SonarRun) error {
	existing, err := s.GetRun(ctx, run.DataSourceID, run.ProjectKey, run.CommitSHA)
	if err != nil {
		run.StartedAt = nowUTC()
		run.UpdatedAt = run.StartedAt
		if run.ComponentKey == "" {
			run.ComponentKey = run.ProjectKey + "_" + run.CommitSHA
		}
		id, err := s.db.Insert(ctx, "sonar_runs", run)
		if err != nil {
			return err
		}
		run.ID = id
		return nil
	}

	if existing.Status == models.RunStatusSucceeded {
		*run = *existing
		return nil
	}

	run.ID = existing.ID
	run.StartedAt = existing.StartedAt
	run.UpdatedAt = nowUTC()
	if run.ComponentKey == "" {
		run.ComponentKey = existing.ComponentKey
	}
	if models.TerminalRunStatus(run.Status) && run.FinishedAt == nil {
		now := run.UpdatedAt
		run.FinishedAt = &now
	}
	return s.db.Update(ctx, "sonar_runs", run, "id = ?", existing.ID)
}

// GetRun fetches the run row for one commit of one data source.
func (s *Store) GetRun(ctx context.Context, dataSourceID int64, projectKey, commitSHA string) (*models.SonarRun, error) {
	var run models.SonarRun
	err := s.db.Get(ctx, &run,
		`SELECT `+runCols+` FROM sonar_runs
		  WHERE data_source_id = ? AND project_key = ? AND commit_sha = ?`,
		dataSourceID, projectKey, commitSHA)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunByComponentKey resolves the webhook's component key to a run.
// The newest row wins when a component was scanned under several sources.
func (s *Store) GetRunByComponentKey(ctx context.Context, componentKey string) (*models.SonarRun, error) {
	var run models.SonarRun
	err := s.db.Get(ctx, &run,
		`SELECT `+runCols+` FROM sonar_runs
		  WHERE component_key = ? ORDER BY id DESC LIMIT 1`, componentKey)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest-first with optional status and job filters.
func (s *Store) ListRuns(ctx context.Context, status string, jobID int64, limit, offset int) ([]models.SonarRun, error) {
	var conditions []string
	var args []any
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	if jobID > 0 {
		conditions = append(conditions, "job_id = ?")
		args = append(args, jobID)
	}
	query := `SELECT ` + runCols + ` FROM sonar_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var out []models.SonarRun
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRunStatus transitions one run, stamping finished_at for terminal states.
func (s *Store) SetRunStatus(ctx context.Context, id int64, status, message string) error {
	now := nowUTC()
	if models.TerminalRunStatus(status) {
		return s.db.Exec(ctx,
			`UPDATE sonar_runs SET status = ?, message = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			status, message, now, now, id)
	}
	return s.db.Exec(ctx,
		`UPDATE sonar_runs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, now, id)
}

// SetRunAnalysis records the backend's analysis ID reported via webhook.
func (s *Store) SetRunAnalysis(ctx context.Context, id int64, analysisID, status string) error {
	now := nowUTC()
	if models.TerminalRunStatus(status) {
		return s.db.Exec(ctx,
			`UPDATE sonar_runs SET analysis_id = ?, status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			analysisID, status, now, now, id)
	}
	return s.db.Exec(ctx,
		`UPDATE sonar_runs SET analysis_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		analysisID, status, now, id)
}

// SetRunMetricsPath records where the exporter appended this run's metrics.
func (s *Store) SetRunMetricsPath(ctx context.Context, id int64, path string) error {
	return s.db.Exec(ctx,
		`UPDATE sonar_runs SET metrics_path = ?, updated_at = ? WHERE id = ?`,
		path, nowUTC(), id)
}

// StaleRunning returns runs stuck in running since before cutoff.
func (s *Store) StaleRunning(ctx context.Context, cutoff string, limit int) ([]models.SonarRun, error) {
	return s.staleByStatus(ctx, models.RunStatusRunning, cutoff, limit)
}

// StaleSubmitted returns runs whose analysis-finished webhook never arrived.
func (s *Store) StaleSubmitted(ctx context.Context, cutoff string, limit int) ([]models.SonarRun, error) {
	return s.staleByStatus(ctx, models.RunStatusSubmitted, cutoff, limit)
}

func (s *Store) staleByStatus(ctx context.Context, status, cutoff string, limit int) ([]models.SonarRun, error) {
	var out []models.SonarRun
	err := s.db.Select(ctx, &out,
		`SELECT `+runCols+` FROM sonar_runs
		  WHERE status = ? AND updated_at < ? ORDER BY id ASC LIMIT ?`,
		status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}
