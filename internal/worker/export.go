package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/exporter"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// handleExport processes one export_metrics task: fetch measures, append
// the CSV row and settle the run as succeeded.
func (w *Worker) handleExport(ctx context.Context, task *queue.Task) error {
	var payload models.ExportTask
	if err := task.Decode(&payload); err != nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("decoding export payload: %w", err))
	}

	run, err := w.store.GetRun(ctx, payload.DataSourceID, payload.ProjectKey, payload.CommitSHA)
	if err != nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("no run tracked for %s", payload.ComponentKey()))
	}
	if run.Status == models.RunStatusSucceeded && run.MetricsPath != "" {
		return nil // replayed delivery, already exported
	}

	instance := payload.SonarInstance
	if instance == "" {
		instance = run.SonarInstance
	}
	client := w.exec.Client(instance)
	if client == nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("unknown backend instance %q", instance))
	}

	dsName := fmt.Sprintf("ds_%d", payload.DataSourceID)
	if ds, derr := w.store.GetDataSource(ctx, payload.DataSourceID); derr == nil && ds.Name != "" {
		dsName = ds.Name
	}

	path, err := w.exporter.Export(ctx, client, &payload, dsName)
	if err != nil {
		// Missing measures are retryable while the analysis is still being
		// computed, but a component the backend no longer knows will never
		// publish any. Park those instead of burning retries.
		if errors.Is(err, exporter.ErrNoMeasures) {
			if exists, perr := client.ProjectExists(ctx, payload.ComponentKey()); perr == nil && !exists {
				return executor.Permanent(models.DeadLetterReasonProjectMissing,
					fmt.Errorf("component %s vanished from %s: %w", payload.ComponentKey(), instance, err))
			}
		}
		return err
	}

	if err := w.store.SetRunMetricsPath(ctx, run.ID, path); err != nil {
		return err
	}
	return w.store.SetRunStatus(ctx, run.ID, models.RunStatusSucceeded, "")
}
