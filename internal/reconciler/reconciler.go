// Package reconciler sweeps stuck work back into the pipeline: expired
// queue reservations, runs that stalled mid-scan, submitted runs whose
// webhook never arrived, and admission slots held by finished jobs.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/models"
)

// Reconciler runs the sweep on a cron schedule.
type Reconciler struct {
	st   *store.Store
	q    *queue.Queue
	cfg  *config.Config
	cron *cron.Cron
}

// New wires a Reconciler. Call Start() to begin sweeping.
func New(st *store.Store, q *queue.Queue, cfg *config.Config) *Reconciler {
	return &Reconciler{st: st, q: q, cfg: cfg, cron: cron.New()}
}

// Start registers the sweep with the cron runner and starts it.
func (r *Reconciler) Start(ctx context.Context) error {
	schedule := r.cfg.Reconcile.Schedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			slog.Warn("Reconcile sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	slog.Info("Reconciler started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
	return nil
}

// Sweep runs one reconciliation pass. It is safe to run concurrently with
// the workers: every mutation it makes is one the workers tolerate seeing.
func (r *Reconciler) Sweep(ctx context.Context) error {
	reclaimed, err := r.q.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("reclaiming expired reservations: %w", err)
	}
	if reclaimed > 0 {
		slog.Info("Reclaimed expired task reservations", "count", reclaimed)
	}

	if err := r.failStalledRuns(ctx); err != nil {
		return err
	}
	if err := r.pollMissedWebhooks(ctx); err != nil {
		return err
	}
	if err := r.finalizeStaleJobs(ctx); err != nil {
		return err
	}

	cutoff := r.cutoff(24 * 60)
	if err := r.st.ReleaseStaleSlots(ctx, cutoff); err != nil {
		return fmt.Errorf("releasing stale slots: %w", err)
	}
	return nil
}

// failStalledRuns settles runs stuck in running: their scan task was lost
// without ever reporting back, so the commit counts as failed.
func (r *Reconciler) failStalledRuns(ctx context.Context) error {
	cutoff := r.cutoff(r.cfg.Reconcile.RunningStaleMinutes)
	runs, err := r.st.StaleRunning(ctx, cutoff, r.sweepLimit())
	if err != nil {
		return fmt.Errorf("listing stalled runs: %w", err)
	}
	for _, run := range runs {
		msg := "scan stalled; settled by reconciler"
		if err := r.st.SetRunStatus(ctx, run.ID, models.RunStatusFailed, msg); err != nil {
			return err
		}
		if err := r.st.AdvanceJob(ctx, run.JobID, 0, 1, run.CommitSHA, msg); err != nil {
			return err
		}
		if err := r.finalizeJob(ctx, run.JobID, run.DataSourceID); err != nil {
			return err
		}
		slog.Warn("Settled stalled run", "component", run.ComponentKey, "job_id", run.JobID)
	}
	return nil
}

// pollMissedWebhooks enqueues exports for submitted runs whose callback
// never arrived. Succeeded runs short-circuit in the export handler, so a
// late webhook racing this fallback settles cleanly.
func (r *Reconciler) pollMissedWebhooks(ctx context.Context) error {
	cutoff := r.cutoff(r.cfg.Reconcile.PendingStaleMinutes)
	runs, err := r.st.StaleSubmitted(ctx, cutoff, r.sweepLimit())
	if err != nil {
		return fmt.Errorf("listing stale submitted runs: %w", err)
	}
	for _, run := range runs {
		export := models.ExportTask{
			ProjectKey:    run.ProjectKey,
			CommitSHA:     run.CommitSHA,
			SonarInstance: run.SonarInstance,
			JobID:         run.JobID,
			DataSourceID:  run.DataSourceID,
		}
		if _, err := r.q.Enqueue(ctx, queue.TaskExportMetrics, export, 0, r.cfg.Pipeline.ExportRetryLimit); err != nil {
			return fmt.Errorf("enqueueing fallback export: %w", err)
		}
		// Touch the run so the next sweep does not enqueue it again before
		// the export settles.
		if err := r.st.SetRunStatus(ctx, run.ID, models.RunStatusSubmitted, "webhook missed; export polled"); err != nil {
			return err
		}
		slog.Info("Polled missed webhook", "component", run.ComponentKey)
	}
	return nil
}

// finalizeStaleJobs recomputes terminality for running jobs that stopped
// moving, catching counts that landed without a finalize.
func (r *Reconciler) finalizeStaleJobs(ctx context.Context) error {
	cutoff := r.cutoff(r.cfg.Reconcile.RunningStaleMinutes)
	ids, err := r.st.StaleJobIDs(ctx, cutoff, r.sweepLimit())
	if err != nil {
		return fmt.Errorf("listing stale jobs: %w", err)
	}
	for _, id := range ids {
		job, err := r.st.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if err := r.finalizeJob(ctx, id, job.DataSourceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) finalizeJob(ctx context.Context, jobID, dataSourceID int64) error {
	final, err := r.st.FinalizeJobIfDone(ctx, jobID)
	if err != nil || final == "" {
		return err
	}
	dsStatus := models.DataSourceStatusReady
	if final == models.JobStatusFailed {
		dsStatus = models.DataSourceStatusFailed
	}
	if err := r.st.SetDataSourceStatus(ctx, dataSourceID, dsStatus); err != nil {
		return err
	}
	if err := r.st.ReleaseSlot(ctx, jobID); err != nil {
		return err
	}
	slog.Info("Finalized job", "job_id", jobID, "status", final)
	return nil
}

func (r *Reconciler) cutoff(minutes int) string {
	if minutes <= 0 {
		minutes = 15
	}
	return time.Now().UTC().Add(-time.Duration(minutes) * time.Minute).Format(time.RFC3339)
}

func (r *Reconciler) sweepLimit() int {
	if r.cfg.Reconcile.SweepLimit <= 0 {
		return 200
	}
	return r.cfg.Reconcile.SweepLimit
}
