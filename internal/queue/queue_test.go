package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/sonarsweep/sonarsweep/models"
)

func newTestQueue(t *testing.T) (*Queue, database.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue_test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return New(db, 30*time.Minute, 180*time.Second), db
}

func TestEnqueueReserveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := models.CommitTask{ProjectKey: "rails", CommitSHA: "abc123", JobID: 7}
	id, err := q.Enqueue(ctx, TaskRunCommitScan, payload, 0, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == 0 {
		t.Fatal("Enqueue returned zero task ID")
	}

	task, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task == nil {
		t.Fatal("Reserve returned nil for a due task")
	}
	if task.ID != id {
		t.Fatalf("reserved task %d, want %d", task.ID, id)
	}
	if task.Kind != TaskRunCommitScan {
		t.Fatalf("kind = %q, want %q", task.Kind, TaskRunCommitScan)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 after first delivery", task.Attempts)
	}

	var got models.CommitTask
	if err := task.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.CommitSHA != "abc123" || got.JobID != 7 {
		t.Fatalf("decoded payload = %+v", got)
	}

	// A reserved task must not be delivered twice.
	second, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if second != nil {
		t.Fatalf("reserved task redelivered: %+v", second)
	}

	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	third, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if third != nil {
		t.Fatalf("acked task redelivered: %+v", third)
	}
}

func TestReserveFiltersByKind(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, TaskRunCommitScan, models.CommitTask{CommitSHA: "aaa"}, 0, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	exportID, err := q.Enqueue(ctx, TaskExportMetrics, models.ExportTask{CommitSHA: "bbb"}, 0, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, err := q.Reserve(ctx, TaskExportMetrics)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task == nil || task.ID != exportID {
		t.Fatalf("Reserve(%q) = %+v, want task %d", TaskExportMetrics, task, exportID)
	}
}

func TestEnqueueWithDelayIsNotDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, TaskRunCommitScan, models.CommitTask{CommitSHA: "ccc"}, time.Hour, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task != nil {
		t.Fatalf("delayed task delivered early: %+v", task)
	}
}

func TestNackRedeliversWithError(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TaskRunCommitScan, models.CommitTask{CommitSHA: "ddd"}, 0, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}
	if err := q.Nack(ctx, task, 0, "clone timed out"); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if again == nil || again.ID != id {
		t.Fatalf("nacked task not redelivered, got %+v", again)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 after redelivery", again.Attempts)
	}
	if again.LastError != "clone timed out" {
		t.Fatalf("last_error = %q", again.LastError)
	}
}

func TestBuryRemovesFromCirculation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, TaskRunCommitScan, models.CommitTask{CommitSHA: "eee"}, 0, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}
	if !q.Exhausted(task) {
		t.Fatalf("task with max_attempts=1 not exhausted after delivery: %+v", task)
	}
	if err := q.Bury(ctx, task, "retries exhausted"); err != nil {
		t.Fatalf("Bury: %v", err)
	}
	again, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if again != nil {
		t.Fatalf("buried task redelivered: %+v", again)
	}
}

func TestReclaimExpired(t *testing.T) {
	_, db := newTestQueue(t)
	ctx := context.Background()

	// Negative visibility makes every reservation expire immediately.
	q := &Queue{db: db, visibility: -time.Minute, backoffCap: time.Second}
	id, err := q.Enqueue(ctx, TaskExportMetrics, models.ExportTask{CommitSHA: "fff"}, 0, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := q.Reserve(ctx)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}

	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d tasks, want 1", n)
	}

	again, err := q.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if again == nil || again.ID != id {
		t.Fatalf("reclaimed task not redelivered, got %+v", again)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 after reclaim", again.Attempts)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	q := New(nil, time.Minute, 10*time.Second)

	for _, attempts := range []int{0, 1, 3, 10, 30} {
		d := q.Backoff(attempts)
		if d <= 0 {
			t.Fatalf("Backoff(%d) = %v, want > 0", attempts, d)
		}
		// Cap plus the 25% jitter ceiling.
		if max := 10*time.Second + 10*time.Second/4; d > max {
			t.Fatalf("Backoff(%d) = %v, want <= %v", attempts, d, max)
		}
	}
}

func TestDepthCountsReadyAndReserved(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, TaskRunCommitScan, models.CommitTask{}, 0, 3); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, TaskExportMetrics, models.ExportTask{}, 0, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Reserving must not change the depth; acking must.
	task, err := q.Reserve(ctx, TaskExportMetrics)
	if err != nil || task == nil {
		t.Fatalf("Reserve: task=%v err=%v", task, err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[TaskRunCommitScan] != 2 || depth[TaskExportMetrics] != 1 {
		t.Fatalf("depth = %v", depth)
	}

	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[TaskExportMetrics] != 0 {
		t.Fatalf("depth after ack = %v", depth)
	}
}
