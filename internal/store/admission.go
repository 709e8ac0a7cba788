package store

import (
	"context"

	"github.com/sonarsweep/sonarsweep/models"
)

// Capacity describes one backend instance's admission state.
type Capacity struct {
	Instance  string  `json:"instance"`
	Active    int     `json:"active"`
	Max       int     `json:"max"`
	Available int     `json:"available"`
	JobIDs    []int64 `json:"job_ids"`
}

// AcquireSlot tries to claim one admission slot on instance for jobID.
// The insert carries its own ceiling check so concurrent acquires cannot
// push an instance past maxConcurrent; the unique job_id column makes
// re-acquiring by the same job idempotent.
func (s *Store) AcquireSlot(ctx context.Context, instance string, jobID, dataSourceID int64, maxConcurrent int) (bool, error) {
	query := `INSERT OR IGNORE INTO backend_slots (instance, job_id, data_source_id, acquired_at)
		SELECT ?, ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM backend_slots WHERE instance = ?) < ?`
	if s.db.Driver() == "mysql" {
		query = `INSERT IGNORE INTO backend_slots (instance, job_id, data_source_id, acquired_at)
			SELECT ?, ?, ?, ? FROM DUAL
			 WHERE (SELECT COUNT(*) FROM backend_slots WHERE instance = ?) < ?`
	}
	err := s.db.Exec(ctx, query,
		instance, jobID, dataSourceID, nowUTC(), instance, maxConcurrent)
	if err != nil {
		return false, err
	}

	type row struct {
		Instance string `db:"instance"`
	}
	var got row
	err = s.db.Get(ctx, &got,
		`SELECT instance FROM backend_slots WHERE job_id = ?`, jobID)
	if err != nil {
		return false, nil
	}
	return got.Instance == instance, nil
}

// ReleaseSlot frees the admission slot held by jobID, if any.
func (s *Store) ReleaseSlot(ctx context.Context, jobID int64) error {
	return s.db.Exec(ctx, `DELETE FROM backend_slots WHERE job_id = ?`, jobID)
}

// SlotCapacity reports an instance's admission state.
func (s *Store) SlotCapacity(ctx context.Context, instance string, maxConcurrent int) (*Capacity, error) {
	type row struct {
		JobID int64 `db:"job_id"`
	}
	var rows []row
	err := s.db.Select(ctx, &rows,
		`SELECT job_id FROM backend_slots WHERE instance = ? ORDER BY id ASC`, instance)
	if err != nil {
		return nil, err
	}
	jobIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		jobIDs = append(jobIDs, r.JobID)
	}
	out := &Capacity{
		Instance:  instance,
		Active:    len(jobIDs),
		Max:       maxConcurrent,
		Available: maxConcurrent - len(jobIDs),
		JobIDs:    jobIDs,
	}
	if out.Available < 0 {
		out.Available = 0
	}
	return out, nil
}

// ReleaseStaleSlots frees slots whose job already finished, plus orphaned
// slots older than cutoff whose job row no longer exists. The reconciler
// calls this so crashed workers cannot pin an instance full forever.
func (s *Store) ReleaseStaleSlots(ctx context.Context, cutoff string) error {
	return s.db.Exec(ctx,
		`DELETE FROM backend_slots
		  WHERE job_id IN (SELECT id FROM jobs WHERE status IN (?, ?, ?))
		     OR (acquired_at < ? AND job_id NOT IN (SELECT id FROM jobs))`,
		models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled, cutoff)
}
