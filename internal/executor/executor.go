// Package executor runs the commit scan hot path: idempotency pre-check,
// worktree preparation, scanner invocation and job bookkeeping.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/sonarqube"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/internal/worktree"
	"github.com/sonarsweep/sonarsweep/models"
)

// ErrScanFailed marks a non-zero scanner exit. Retryable, but dead-letters
// under the scan-failed reason once attempts run out.
var ErrScanFailed = errors.New("scanner failed")

// PermanentError marks a failure that must not be retried. Reason selects
// the dead-letter bucket it lands in.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable under the given dead-letter reason.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// Executor scans one commit per task against an assigned backend instance.
type Executor struct {
	store    *store.Store
	queue    *queue.Queue
	cfg      *config.Config
	trees    *worktree.Cache
	runner   *sonarqube.Runner
	clients  map[string]*sonarqube.Client
	failFast bool
}

// New wires an Executor. One API client is built per configured backend
// instance up front; tasks referencing unknown instances fail permanently.
func New(st *store.Store, q *queue.Queue, cfg *config.Config, trees *worktree.Cache, runner *sonarqube.Runner) *Executor {
	clients := make(map[string]*sonarqube.Client, len(cfg.Sonar.Instances))
	for _, inst := range cfg.Sonar.Instances {
		clients[inst.Name] = sonarqube.NewClient(inst.Host, inst.Token)
	}
	return &Executor{
		store:    st,
		queue:    q,
		cfg:      cfg,
		trees:    trees,
		runner:   runner,
		clients:  clients,
		failFast: cfg.Pipeline.FailFast,
	}
}

// Client returns the API client for a backend instance, or nil.
func (e *Executor) Client(instance string) *sonarqube.Client {
	return e.clients[instance]
}

// Execute processes one commit task end to end. Errors are either
// *PermanentError (dead-letter immediately) or retryable.
func (e *Executor) Execute(ctx context.Context, task *models.CommitTask) error {
	if task.ProjectKey == "" || task.CommitSHA == "" || task.RepoURL == "" {
		return Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("task missing project_key, commit_sha or repo_url"))
	}

	instance := e.cfg.Instance(task.SonarInstance)
	if instance == nil {
		return Permanent(models.DeadLetterReasonInvalidPayload,
			fmt.Errorf("unknown backend instance %q", task.SonarInstance))
	}
	client := e.clients[instance.Name]
	componentKey := task.ComponentKey()

	// Queued scans of a cancelled job drain as no-ops.
	if task.JobID != 0 {
		if job, jerr := e.store.GetJob(ctx, task.JobID); jerr == nil && job.Status == models.JobStatusCancelled {
			slog.Info("Dropping scan for cancelled job", "job_id", task.JobID, "sha", shortCommit(task.CommitSHA))
			return nil
		}
	}

	prior, err := e.priorRun(ctx, task)
	if err != nil {
		return err
	}
	// Whether this commit already counted toward job progress; guards the
	// increment against redelivery.
	counted := prior != nil && countedStatus(prior.Status)

	// A run that already reached a settled state stays exactly as recorded:
	// a redelivered task only reconciles job accounting. Overwriting here
	// would wipe the analysis linkage and re-trigger export for a commit
	// that already has its metrics row.
	if prior != nil {
		switch prior.Status {
		case models.RunStatusSucceeded:
			return e.advance(ctx, task, counted)
		case models.RunStatusSkipped:
			if prior.MetricsPath == "" {
				if err := e.enqueueExport(ctx, task, instance.Name); err != nil {
					return err
				}
			}
			return e.advance(ctx, task, counted)
		}
	}

	// Idempotency short-circuit: a component the backend already knows was
	// scanned in an earlier run. Record it and go straight to export.
	exists, err := client.ProjectExists(ctx, componentKey)
	if err != nil {
		return fmt.Errorf("probing backend for %s: %w", componentKey, err)
	}
	if exists {
		if err := e.upsertRun(ctx, task, instance, models.RunStatusSkipped, "component already analysed", ""); err != nil {
			return err
		}
		if err := e.enqueueExport(ctx, task, instance.Name); err != nil {
			return err
		}
		return e.advance(ctx, task, counted)
	}

	if err := e.upsertRun(ctx, task, instance, models.RunStatusRunning, "", ""); err != nil {
		return err
	}

	mgr := e.trees.Get(instance.Name, task.ProjectKey)
	wt, err := mgr.Acquire(ctx, task.RepoURL, task.CommitSHA, e.forkRemote(task))
	if err != nil {
		if errors.Is(err, worktree.ErrCommitNotFound) {
			if rerr := e.failRun(ctx, task, err.Error()); rerr != nil {
				return rerr
			}
			return Permanent(models.DeadLetterReasonMissingFork, err)
		}
		return fmt.Errorf("preparing worktree for %s: %w", componentKey, err)
	}
	defer func() {
		if rerr := wt.Remove(context.WithoutCancel(ctx)); rerr != nil {
			slog.Warn("Worktree removal failed", "path", wt.Path, "error", rerr)
		}
	}()

	overridePath := ""
	if task.ConfigOverride != "" {
		overridePath, err = worktree.EnsureOverrideConfig(mgr.ConfigsDir(), task.ConfigOverride)
		if err != nil {
			return fmt.Errorf("materialising override config: %w", err)
		}
	}

	logPath := filepath.Join(mgr.LogsDir(), task.CommitSHA+".log")
	spec := sonarqube.ScanSpec{
		WorktreePath: wt.Path,
		ComponentKey: componentKey,
		ProjectName:  task.ProjectKey,
		Host:         instance.Host,
		Token:        instance.Token,
		OverridePath: overridePath,
		LogPath:      logPath,
	}
	if err := e.runner.Scan(ctx, spec); err != nil {
		if rerr := e.failRun(ctx, task, err.Error()); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %s: %v", ErrScanFailed, componentKey, err)
	}

	if err := e.upsertRun(ctx, task, instance, models.RunStatusSubmitted, "", logPath); err != nil {
		return err
	}
	return e.advance(ctx, task, counted)
}

// Fail records the final failure of a task: run failed, job failed_count
// bumped (or the whole job failed under fail-fast), terminality recomputed.
// Called by the worker when a task is dead-lettered.
func (e *Executor) Fail(ctx context.Context, task *models.CommitTask, cause string) error {
	if task.ProjectKey == "" || task.CommitSHA == "" {
		return nil // nothing to correlate
	}
	if err := e.failRun(ctx, task, cause); err != nil {
		return err
	}
	if task.JobID == 0 {
		return nil
	}
	if e.failFast {
		if err := e.store.SetJobStatus(ctx, task.JobID, models.JobStatusFailed, cause); err != nil {
			return err
		}
		if err := e.store.SetDataSourceStatus(ctx, task.DataSourceID, models.DataSourceStatusFailed); err != nil {
			return err
		}
		return e.store.ReleaseSlot(ctx, task.JobID)
	}
	if err := e.store.AdvanceJob(ctx, task.JobID, 0, 1, "", cause); err != nil {
		return err
	}
	return e.finalize(ctx, task)
}

// advance bumps job progress for a successfully handled commit, unless a
// previous delivery already counted it, then recomputes terminality.
func (e *Executor) advance(ctx context.Context, task *models.CommitTask, counted bool) error {
	if task.JobID == 0 {
		return nil
	}
	if !counted {
		if err := e.store.AdvanceJob(ctx, task.JobID, 1, 0, task.CommitSHA, ""); err != nil {
			return err
		}
	}
	return e.finalize(ctx, task)
}

// finalize settles job and data-source status once every commit is
// accounted for, and frees the admission slot.
func (e *Executor) finalize(ctx context.Context, task *models.CommitTask) error {
	final, err := e.store.FinalizeJobIfDone(ctx, task.JobID)
	if err != nil || final == "" {
		return err
	}
	dsStatus := models.DataSourceStatusReady
	if final == models.JobStatusFailed {
		dsStatus = models.DataSourceStatusFailed
	}
	if err := e.store.SetDataSourceStatus(ctx, task.DataSourceID, dsStatus); err != nil {
		return err
	}
	slog.Info("Job finished", "job_id", task.JobID, "status", final)
	return e.store.ReleaseSlot(ctx, task.JobID)
}

// priorRun loads the run a previous delivery may have recorded for this
// commit. A missing row is not an error; a database failure is, so a
// transient outage cannot masquerade as "no run yet" and double-count.
func (e *Executor) priorRun(ctx context.Context, task *models.CommitTask) (*models.SonarRun, error) {
	run, err := e.store.GetRun(ctx, task.DataSourceID, task.ProjectKey, task.CommitSHA)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading run for %s: %w", task.ComponentKey(), err)
	}
	return run, nil
}

// countedStatus reports whether a run status means the commit already
// advanced its job's progress.
func countedStatus(status string) bool {
	switch status {
	case models.RunStatusSubmitted, models.RunStatusSucceeded, models.RunStatusSkipped:
		return true
	}
	return false
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func (e *Executor) upsertRun(ctx context.Context, task *models.CommitTask, instance *config.SonarInstance, status, message, logRef string) error {
	run := &models.SonarRun{
		DataSourceID:  task.DataSourceID,
		JobID:         task.JobID,
		ProjectKey:    task.ProjectKey,
		CommitSHA:     task.CommitSHA,
		ComponentKey:  task.ComponentKey(),
		Status:        status,
		SonarInstance: instance.Name,
		SonarHost:     instance.Host,
		LogRef:        logRef,
		Message:       message,
	}
	return e.store.UpsertRun(ctx, run)
}

func (e *Executor) failRun(ctx context.Context, task *models.CommitTask, message string) error {
	instance := e.cfg.Instance(task.SonarInstance)
	if instance == nil {
		instance = &config.SonarInstance{Name: task.SonarInstance}
	}
	return e.upsertRun(ctx, task, instance, models.RunStatusFailed, message, "")
}

// enqueueExport schedules metrics export for a commit whose analysis is
// already on the backend.
func (e *Executor) enqueueExport(ctx context.Context, task *models.CommitTask, instance string) error {
	payload := models.ExportTask{
		ProjectKey:    task.ProjectKey,
		CommitSHA:     task.CommitSHA,
		RepoSlug:      task.RepoSlug,
		SonarInstance: instance,
		JobID:         task.JobID,
		DataSourceID:  task.DataSourceID,
	}
	_, err := e.queue.Enqueue(ctx, queue.TaskExportMetrics, payload, 0, e.cfg.Pipeline.ExportRetryLimit)
	return err
}

// forkRemote derives a fallback fork remote from the task's repo slug when
// it differs from the canonical clone URL (set by the dead-letter requeue
// path after fork discovery).
func (e *Executor) forkRemote(task *models.CommitTask) *worktree.ForkRemote {
	if task.RepoSlug == "" {
		return nil
	}
	canonical := strings.TrimSuffix(task.RepoURL, ".git")
	if strings.HasSuffix(canonical, "/"+task.RepoSlug) || strings.HasSuffix(canonical, ":"+task.RepoSlug) {
		return nil
	}
	host := e.cfg.GitHub.Host
	if host == "" {
		host = "github.com"
	}
	return &worktree.ForkRemote{
		Slug:     task.RepoSlug,
		CloneURL: fmt.Sprintf("https://%s/%s.git", host, task.RepoSlug),
	}
}
