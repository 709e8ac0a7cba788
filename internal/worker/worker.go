// Package worker drains the task queue: a fixed pool of consumers reserves
// tasks, dispatches them by kind and acknowledges only after the handler
// finishes, so a crash mid-task redelivers instead of losing work.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/exporter"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/models"
)

// idlePoll is how long a consumer sleeps when the queue is empty.
const idlePoll = 2 * time.Second

// Worker runs the consumer pool.
type Worker struct {
	store    *store.Store
	queue    *queue.Queue
	cfg      *config.Config
	exec     *executor.Executor
	exporter *exporter.Exporter
}

// New wires a Worker.
func New(st *store.Store, q *queue.Queue, cfg *config.Config, exec *executor.Executor, exp *exporter.Exporter) *Worker {
	return &Worker{store: st, queue: q, cfg: cfg, exec: exec, exporter: exp}
}

// Run blocks, draining the queue with cfg.Pipeline.Workers consumers until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	n := w.cfg.Pipeline.Workers
	if n <= 0 {
		n = 2
	}
	slog.Info("Starting workers", "consumers", n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

// consume is one consumer loop.
func (w *Worker) consume(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Reserve(ctx)
		if err != nil {
			slog.Error("Reserving task failed", "consumer", id, "error", err)
			sleep(ctx, idlePoll)
			continue
		}
		if task == nil {
			sleep(ctx, idlePoll)
			continue
		}
		w.handle(ctx, task)
	}
}

// handle dispatches one delivery and settles it (ack, retry or bury).
func (w *Worker) handle(ctx context.Context, task *queue.Task) {
	log := slog.With("task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts)

	var err error
	switch task.Kind {
	case queue.TaskIngestDataSource:
		err = w.handleIngest(ctx, task)
	case queue.TaskRunCommitScan:
		err = w.handleScan(ctx, task)
	case queue.TaskExportMetrics:
		err = w.handleExport(ctx, task)
	default:
		log.Error("Unknown task kind, burying")
		_ = w.queue.Bury(ctx, task, "unknown task kind")
		return
	}

	switch {
	case err == nil:
		if aerr := w.queue.Ack(ctx, task); aerr != nil {
			log.Error("Ack failed", "error", aerr)
		}

	case errors.Is(err, errRequeue):
		// Not a failure: the task asked to run again later (admission full).
		delay := time.Duration(w.cfg.Pipeline.AdmissionRetrySeconds) * time.Second
		if nerr := w.queue.Nack(ctx, task, delay, err.Error()); nerr != nil {
			log.Error("Requeue failed", "error", nerr)
		}

	default:
		w.settleFailure(ctx, task, err, log)
	}
}

// settleFailure retries, or dead-letters when the error is permanent or the
// attempt budget ran out.
func (w *Worker) settleFailure(ctx context.Context, task *queue.Task, err error, log *slog.Logger) {
	var perm *executor.PermanentError
	if errors.As(err, &perm) {
		log.Warn("Task failed permanently", "reason", perm.Reason, "error", err)
		w.deadLetter(ctx, task, perm.Reason, err)
		return
	}

	if w.queue.Exhausted(task) {
		reason := models.DeadLetterReasonRetriesExhausted
		switch {
		case errors.Is(err, executor.ErrScanFailed):
			reason = models.DeadLetterReasonScanFailed
		case task.Kind == queue.TaskExportMetrics:
			reason = models.DeadLetterReasonExportFailed
		}
		log.Warn("Task retries exhausted", "reason", reason, "error", err)
		w.deadLetter(ctx, task, reason, err)
		return
	}

	delay := w.queue.Backoff(task.Attempts)
	log.Warn("Task failed, retrying", "delay", delay, "error", err)
	if nerr := w.queue.Nack(ctx, task, delay, err.Error()); nerr != nil {
		log.Error("Retry requeue failed", "error", nerr)
	}
}

// deadLetter buries the delivery and parks its payload for the operator,
// recording the failure on the correlated run and job.
func (w *Worker) deadLetter(ctx context.Context, task *queue.Task, reason string, cause error) {
	dl := &models.DeadLetter{
		Payload: task.Payload,
		Reason:  reason,
		Error:   cause.Error(),
	}

	if task.Kind == queue.TaskRunCommitScan {
		var commit models.CommitTask
		if derr := json.Unmarshal([]byte(task.Payload), &commit); derr == nil {
			dl.ConfigOverride = commit.ConfigOverride
			if ferr := w.exec.Fail(ctx, &commit, cause.Error()); ferr != nil {
				slog.Error("Recording task failure failed", "task_id", task.ID, "error", ferr)
			}
		}
	}

	if err := w.store.CreateDeadLetter(ctx, dl); err != nil {
		slog.Error("Creating dead letter failed", "task_id", task.ID, "error", err)
	}
	if err := w.queue.Bury(ctx, task, cause.Error()); err != nil {
		slog.Error("Burying task failed", "task_id", task.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
