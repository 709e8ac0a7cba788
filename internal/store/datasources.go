package store

import (
	"context"
	"strings"

	"github.com/sonarsweep/sonarsweep/models"
)

const dataSourceCols = `id, name, filename, file_path, status, project_key,
	total_builds, total_commits, unique_branches, unique_repos,
	first_commit, last_commit, config_override, created_at, updated_at`

// CreateDataSource inserts ds and fills in its ID.
func (s *Store) CreateDataSource(ctx context.Context, ds *models.DataSource) error {
	if ds.Status == "" {
		ds.Status = models.DataSourceStatusPending
	}
	ds.CreatedAt = nowUTC()
	ds.UpdatedAt = ds.CreatedAt
	id, err := s.db.Insert(ctx, "data_sources", ds)
	if err != nil {
		return err
	}
	ds.ID = id
	return nil
}

// GetDataSource fetches one data source by ID.
func (s *Store) GetDataSource(ctx context.Context, id int64) (*models.DataSource, error) {
	var ds models.DataSource
	err := s.db.Get(ctx, &ds,
		`SELECT `+dataSourceCols+` FROM data_sources WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDataSources returns data sources newest-first, optionally filtered by
// status.
func (s *Store) ListDataSources(ctx context.Context, status string, limit, offset int) ([]models.DataSource, error) {
	var conditions []string
	var args []any
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	query := `SELECT ` + dataSourceCols + ` FROM data_sources`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var out []models.DataSource
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// CountDataSources counts data sources matching status ("" for all).
func (s *Store) CountDataSources(ctx context.Context, status string) (int, error) {
	type countRow struct {
		N int `db:"n"`
	}
	var count countRow
	query := `SELECT COUNT(*) AS n FROM data_sources`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	if err := s.db.Get(ctx, &count, query, args...); err != nil {
		return 0, err
	}
	return count.N, nil
}

// SetDataSourceStatus transitions the data source status.
func (s *Store) SetDataSourceStatus(ctx context.Context, id int64, status string) error {
	return s.db.Exec(ctx,
		`UPDATE data_sources SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowUTC(), id)
}

// UpdateDataSourceSummary stores the CSV summary stats computed at ingest.
func (s *Store) UpdateDataSourceSummary(ctx context.Context, ds *models.DataSource) error {
	return s.db.Exec(ctx,
		`UPDATE data_sources
		    SET status = ?, project_key = ?, total_builds = ?, total_commits = ?,
		        unique_branches = ?, unique_repos = ?, first_commit = ?, last_commit = ?,
		        updated_at = ?
		  WHERE id = ?`,
		ds.Status, ds.ProjectKey, ds.TotalBuilds, ds.TotalCommits,
		ds.UniqueBranches, ds.UniqueRepos, ds.FirstCommit, ds.LastCommit,
		nowUTC(), ds.ID)
}

// SetDataSourceOverride replaces the scanner config override text.
func (s *Store) SetDataSourceOverride(ctx context.Context, id int64, override string) error {
	return s.db.Exec(ctx,
		`UPDATE data_sources SET config_override = ?, updated_at = ? WHERE id = ?`,
		override, nowUTC(), id)
}
