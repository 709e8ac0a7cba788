package worker

import (
	"context"
	"fmt"

	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// handleScan processes one run_commit_scan task.
func (w *Worker) handleScan(ctx context.Context, task *queue.Task) error {
	var commit models.CommitTask
	if err := task.Decode(&commit); err != nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("decoding commit payload: %w", err))
	}
	commit.RetryCount = task.Attempts - 1
	return w.exec.Execute(ctx, &commit)
}
