package store

import (
	"context"
	"strings"

	"github.com/sonarsweep/sonarsweep/models"
)

const deadLetterCols = `id, payload, reason, status, config_override,
	fork_search, error_msg, created_at, updated_at, resolved_at`

// CreateDeadLetter parks a task payload for operator review.
func (s *Store) CreateDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.Status == "" {
		dl.Status = models.DeadLetterStatusPending
	}
	dl.CreatedAt = nowUTC()
	dl.UpdatedAt = dl.CreatedAt
	id, err := s.db.Insert(ctx, "dead_letters", dl)
	if err != nil {
		return err
	}
	dl.ID = id
	return nil
}

// GetDeadLetter fetches one dead letter by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := s.db.Get(ctx, &dl,
		`SELECT `+deadLetterCols+` FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters newest-first with optional status and
// reason filters.
func (s *Store) ListDeadLetters(ctx context.Context, status, reason string, limit, offset int) ([]models.DeadLetter, error) {
	var conditions []string
	var args []any
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	if reason != "" {
		conditions = append(conditions, "reason = ?")
		args = append(args, reason)
	}
	query := `SELECT ` + deadLetterCols + ` FROM dead_letters`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var out []models.DeadLetter
	if err := s.db.Select(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// CountDeadLetters counts dead letters grouped by status.
func (s *Store) CountDeadLetters(ctx context.Context) (pending, queued, resolved int, err error) {
	type row struct {
		Pending  int `db:"pending"`
		Queued   int `db:"queued"`
		Resolved int `db:"resolved"`
	}
	var out row
	err = s.db.Get(ctx, &out, `
		SELECT
		  COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
		  COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0) AS queued,
		  COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0) AS resolved
		FROM dead_letters`)
	return out.Pending, out.Queued, out.Resolved, err
}

// MarkDeadLetterQueued flags a dead letter as requeued for another attempt.
func (s *Store) MarkDeadLetterQueued(ctx context.Context, id int64) error {
	return s.db.Exec(ctx,
		`UPDATE dead_letters SET status = ?, updated_at = ? WHERE id = ?`,
		models.DeadLetterStatusQueued, nowUTC(), id)
}

// MarkDeadLetterResolved closes a dead letter.
func (s *Store) MarkDeadLetterResolved(ctx context.Context, id int64) error {
	now := nowUTC()
	return s.db.Exec(ctx,
		`UPDATE dead_letters SET status = ?, updated_at = ?, resolved_at = ? WHERE id = ?`,
		models.DeadLetterStatusResolved, now, now, id)
}

// SetDeadLetterForkSearch stores the fork-discovery result JSON.
func (s *Store) SetDeadLetterForkSearch(ctx context.Context, id int64, forkSearch string) error {
	return s.db.Exec(ctx,
		`UPDATE dead_letters SET fork_search = ?, updated_at = ? WHERE id = ?`,
		forkSearch, nowUTC(), id)
}

// SetDeadLetterOverride stores an operator-edited scanner config override.
func (s *Store) SetDeadLetterOverride(ctx context.Context, id int64, override string) error {
	return s.db.Exec(ctx,
		`UPDATE dead_letters SET config_override = ?, updated_at = ? WHERE id = ?`,
		override, nowUTC(), id)
}
