// Package queue implements a durable at-least-once task queue on top of the
// task_queue table. Tasks are reserved with a visibility timeout and only
// acknowledged after the handler finishes, so a crashed worker's tasks come
// back on their own.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/database"
)

// Task kinds.
const (
	TaskIngestDataSource = "ingest_data_source"
	TaskRunCommitScan    = "run_commit_scan"
	TaskExportMetrics    = "export_metrics"
)

// Task statuses.
const (
	StatusReady    = "ready"
	StatusReserved = "reserved"
	StatusDone     = "done"
	StatusDead     = "dead"
)

// Task is one queued unit of work. Attempts counts deliveries, not failures:
// it is bumped at reservation time so a consumer that dies mid-task still
// burns an attempt.
type Task struct {
	ID            int64   `db:"id"             json:"id"`
	Kind          string  `db:"kind"           json:"kind"`
	Payload       string  `db:"payload"        json:"payload"`
	Status        string  `db:"status"         json:"status"`
	RunAt         string  `db:"run_at"         json:"run_at"`
	ReservedBy    string  `db:"reserved_by"    json:"reserved_by,omitempty"`
	ReservedUntil *string `db:"reserved_until" json:"reserved_until,omitempty"`
	Attempts      int     `db:"attempts"       json:"attempts"`
	MaxAttempts   int     `db:"max_attempts"   json:"max_attempts"`
	LastError     string  `db:"last_error"     json:"last_error,omitempty"`
	CreatedAt     string  `db:"created_at"     json:"created_at"`
	UpdatedAt     string  `db:"updated_at"     json:"updated_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal([]byte(t.Payload), v)
}

const taskCols = `id, kind, payload, status, run_at, reserved_by,
	reserved_until, attempts, max_attempts, last_error, created_at, updated_at`

// Queue hands tasks between the API daemon and the worker processes.
type Queue struct {
	db         database.DB
	visibility time.Duration
	backoffCap time.Duration
}

// New builds a Queue. The visibility timeout bounds how long one delivery
// may run before the task becomes reclaimable; backoffCap bounds retry delay.
func New(db database.DB, visibility, backoffCap time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	if backoffCap <= 0 {
		backoffCap = 180 * time.Second
	}
	return &Queue{db: db, visibility: visibility, backoffCap: backoffCap}
}

// Enqueue serialises payload and schedules a task of the given kind after
// delay. Returns the new task ID.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration, maxAttempts int) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	task := Task{
		Kind:        kind,
		Payload:     string(body),
		Status:      StatusReady,
		RunAt:       now.Add(delay).Format(time.RFC3339),
		MaxAttempts: maxAttempts,
		CreatedAt:   now.Format(time.RFC3339),
		UpdatedAt:   now.Format(time.RFC3339),
	}
	return q.db.Insert(ctx, "task_queue", &task)
}

// Reserve claims the oldest runnable task, or returns nil when the queue has
// nothing due. The claim is written with a unique token so concurrent
// consumers never receive the same delivery.
func (q *Queue) Reserve(ctx context.Context, kinds ...string) (*Task, error) {
	token, err := reservationToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	until := now.Add(q.visibility).Format(time.RFC3339)

	kindCond := ""
	args := []any{token, until, now.Format(time.RFC3339)}
	pickArgs := []any{now.Format(time.RFC3339)}
	if len(kinds) > 0 {
		kindCond = " AND kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			pickArgs = append(pickArgs, k)
		}
	}

	pick := `SELECT id FROM task_queue
	          WHERE status = 'ready' AND run_at <= ?` + kindCond + `
	          ORDER BY id ASC LIMIT 1`
	if q.db.Driver() == "mysql" {
		// MySQL cannot reference the update target in a subquery directly.
		pick = `SELECT id FROM (` + pick + `) pick`
	}
	args = append(args, pickArgs...)

	err = q.db.Exec(ctx, `
		UPDATE task_queue
		   SET status = 'reserved', reserved_by = ?, reserved_until = ?,
		       attempts = attempts + 1, updated_at = ?
		 WHERE id = (`+pick+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("reserving task: %w", err)
	}

	var task Task
	err = q.db.Get(ctx, &task,
		`SELECT `+taskCols+` FROM task_queue WHERE reserved_by = ? AND status = 'reserved'`,
		token)
	if err != nil {
		return nil, nil // nothing due
	}
	return &task, nil
}

// Ack marks a delivered task done.
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	return q.db.Exec(ctx,
		`UPDATE task_queue
		    SET status = 'done', reserved_by = '', reserved_until = NULL, updated_at = ?
		  WHERE id = ? AND reserved_by = ?`,
		time.Now().UTC().Format(time.RFC3339), t.ID, t.ReservedBy)
}

// Nack returns a delivered task to the queue after delay, recording why.
func (q *Queue) Nack(ctx context.Context, t *Task, delay time.Duration, lastError string) error {
	now := time.Now().UTC()
	return q.db.Exec(ctx,
		`UPDATE task_queue
		    SET status = 'ready', reserved_by = '', reserved_until = NULL,
		        run_at = ?, last_error = ?, updated_at = ?
		  WHERE id = ? AND reserved_by = ?`,
		now.Add(delay).Format(time.RFC3339), lastError,
		now.Format(time.RFC3339), t.ID, t.ReservedBy)
}

// Bury removes a task from circulation permanently.
func (q *Queue) Bury(ctx context.Context, t *Task, lastError string) error {
	return q.db.Exec(ctx,
		`UPDATE task_queue
		    SET status = 'dead', reserved_by = '', reserved_until = NULL,
		        last_error = ?, updated_at = ?
		  WHERE id = ?`,
		lastError, time.Now().UTC().Format(time.RFC3339), t.ID)
}

// Exhausted reports whether the task has burned its delivery budget.
func (q *Queue) Exhausted(t *Task) bool {
	return t.Attempts >= t.MaxAttempts
}

// Backoff computes the retry delay for the given attempt: exponential with
// jitter, capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > q.backoffCap {
		d = q.backoffCap
	}
	// Up to 25% jitter so synchronized failures fan out.
	jitter := time.Duration(mrand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// ReclaimExpired returns timed-out reservations to ready. Called by the
// reconciler so work from crashed consumers is redelivered.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	type countRow struct {
		N int `db:"n"`
	}
	var count countRow
	err := q.db.Get(ctx, &count,
		`SELECT COUNT(*) AS n FROM task_queue WHERE status = 'reserved' AND reserved_until < ?`, now)
	if err != nil {
		return 0, err
	}
	if count.N == 0 {
		return 0, nil
	}

	err = q.db.Exec(ctx,
		`UPDATE task_queue
		    SET status = 'ready', reserved_by = '', reserved_until = NULL, updated_at = ?
		  WHERE status = 'reserved' AND reserved_until < ?`,
		now, now)
	if err != nil {
		return 0, err
	}
	return count.N, nil
}

// Depth reports how many tasks are ready or reserved, per kind.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	type row struct {
		Kind string `db:"kind"`
		N    int    `db:"n"`
	}
	var rows []row
	err := q.db.Select(ctx, &rows,
		`SELECT kind, COUNT(*) AS n FROM task_queue
		  WHERE status IN ('ready', 'reserved') GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.N
	}
	return out, nil
}

func reservationToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating reservation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ",?"
	}
	return out
}
