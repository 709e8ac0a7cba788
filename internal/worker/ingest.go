package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/ingest"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// errRequeue asks the dispatcher to redeliver the task after the admission
// retry delay without counting it as a failure.
var errRequeue = errors.New("requeue")

// handleIngest processes one ingest_data_source task: summarise the CSV,
// admit the job onto a backend instance and fan out one scan task per
// unique commit.
func (w *Worker) handleIngest(ctx context.Context, task *queue.Task) error {
	var payload models.IngestTask
	if err := task.Decode(&payload); err != nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("decoding ingest payload: %w", err))
	}

	ds, err := w.store.GetDataSource(ctx, payload.DataSourceID)
	if err != nil {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("data source %d not found", payload.DataSourceID))
	}
	job, err := w.ensureJob(ctx, ds, payload.JobID)
	if err != nil {
		return err
	}

	pipe := ingest.NewPipeline(ds.FilePath)
	sum, err := pipe.Summarize()
	if err != nil {
		if serr := w.store.SetDataSourceStatus(ctx, ds.ID, models.DataSourceStatusFailed); serr != nil {
			slog.Error("Marking data source failed", "data_source_id", ds.ID, "error", serr)
		}
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("summarising %s: %w", ds.Filename, err))
	}
	if sum.TotalCommits == 0 {
		return executor.Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("dataset %s holds no commits", ds.Filename))
	}

	ds.Status = models.DataSourceStatusProcessing
	ds.ProjectKey = sum.ProjectKey
	ds.TotalBuilds = sum.TotalBuilds
	ds.TotalCommits = sum.TotalCommits
	ds.UniqueBranches = sum.UniqueBranches
	ds.UniqueRepos = sum.UniqueRepos
	ds.FirstCommit = sum.FirstCommit
	ds.LastCommit = sum.LastCommit
	if err := w.store.UpdateDataSourceSummary(ctx, ds); err != nil {
		return fmt.Errorf("storing dataset summary: %w", err)
	}

	instance, err := w.admit(ctx, job.ID, ds.ID)
	if err != nil {
		return err
	}

	if err := w.store.StartJob(ctx, job.ID, instance.Name, sum.TotalCommits); err != nil {
		return fmt.Errorf("starting job %d: %w", job.ID, err)
	}

	enqueued := 0
	seen := make(map[string]struct{}, sum.TotalCommits)
	err = pipe.EachCommitChunk(w.cfg.Pipeline.ChunkSize, func(chunk []ingest.CommitWorkItem) error {
		for _, item := range chunk {
			if _, dup := seen[item.CommitSHA]; dup {
				continue
			}
			seen[item.CommitSHA] = struct{}{}

			commit := models.CommitTask{
				ProjectKey:     item.ProjectKey,
				CommitSHA:      item.CommitSHA,
				RepoSlug:       item.RepoSlug,
				RepoURL:        repoURL(item, w.cfg.GitHub.Host),
				Branch:         item.Branch,
				ConfigOverride: ds.ConfigOverride,
				SonarInstance:  instance.Name,
				JobID:          job.ID,
				DataSourceID:   ds.ID,
			}
			if _, err := w.queue.Enqueue(ctx, queue.TaskRunCommitScan, commit, 0, w.cfg.Pipeline.ScanRetryLimit); err != nil {
				return fmt.Errorf("enqueueing scan for %s: %w", item.CommitSHA, err)
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Dataset fanned out",
		"data_source_id", ds.ID,
		"job_id", job.ID,
		"instance", instance.Name,
		"commits", enqueued,
	)
	return nil
}

// ensureJob loads the referenced job or creates one for the data source.
func (w *Worker) ensureJob(ctx context.Context, ds *models.DataSource, jobID int64) (*models.Job, error) {
	if jobID != 0 {
		job, err := w.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, executor.Permanent(models.DeadLetterReasonInvalidPayload,
				fmt.Errorf("job %d not found", jobID))
		}
		return job, nil
	}
	job := &models.Job{DataSourceID: ds.ID}
	if err := w.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return job, nil
}

// admit walks the configured instances in order until one grants a slot.
// When the whole fleet is saturated the job reverts to queued and the task
// is redelivered after the admission retry delay.
func (w *Worker) admit(ctx context.Context, jobID, dataSourceID int64) (*config.SonarInstance, error) {
	for i := range w.cfg.Sonar.Instances {
		inst := &w.cfg.Sonar.Instances[i]
		ok, err := w.store.AcquireSlot(ctx, inst.Name, jobID, dataSourceID, inst.MaxConcurrent)
		if err != nil {
			return nil, fmt.Errorf("acquiring slot on %s: %w", inst.Name, err)
		}
		if ok {
			return inst, nil
		}
	}
	if err := w.store.SetJobStatus(ctx, jobID, models.JobStatusQueued, ""); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: all backend instances saturated", errRequeue)
}

// repoURL resolves the clone URL for a work item, deriving one from the
// repo slug when the CSV carries no URL column.
func repoURL(item ingest.CommitWorkItem, host string) string {
	if item.RepoURL != "" {
		return item.RepoURL
	}
	if item.RepoSlug == "" {
		return ""
	}
	if host == "" {
		host = "github.com"
	}
	return fmt.Sprintf("https://%s/%s.git", host, item.RepoSlug)
}
