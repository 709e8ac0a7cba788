package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/exporter"
	"github.com/sonarsweep/sonarsweep/internal/ingest"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/sonarqube"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/internal/worktree"
	"github.com/sonarsweep/sonarsweep/models"
)

func newTestWorker(t *testing.T) (*Worker, *store.Store, *queue.Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "worker_test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	cfg := &config.Config{}
	cfg.Pipeline.ScanRetryLimit = 3
	cfg.Pipeline.ChunkSize = 2
	cfg.Pipeline.AdmissionRetrySeconds = 60
	cfg.Sonar.Instances = []config.SonarInstance{
		{Name: "sonar-a", Host: "http://sonar-a:9000", MaxConcurrent: 1},
	}

	st := store.New(db)
	q := queue.New(db, 30*time.Minute, time.Minute)
	return New(st, q, cfg, nil, nil), st, q
}

func seedCSVDataSource(t *testing.T, st *store.Store, content string) *models.DataSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builds.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing dataset: %v", err)
	}
	ds := &models.DataSource{
		Name:     "builds",
		Filename: filepath.Base(path),
		FilePath: path,
	}
	if err := st.CreateDataSource(context.Background(), ds); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}
	return ds
}

func reserveTask(t *testing.T, q *queue.Queue, kind string) *queue.Task {
	t.Helper()
	task, err := q.Reserve(context.Background(), kind)
	if err != nil || task == nil {
		t.Fatalf("reserving %s task: task=%v err=%v", kind, task, err)
	}
	return task
}

func TestHandleIngestFansOutScanTasks(t *testing.T) {
	w, st, q := newTestWorker(t)
	ctx := context.Background()

	ds := seedCSVDataSource(t, st, `gh_project_name,git_trigger_commit,git_trigger_branch
rails/rails,aaa111,master
rails/rails,bbb222,master
rails/rails,aaa111,develop
rails/rails,ccc333,develop
`)
	job := &models.Job{DataSourceID: ds.ID}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.TaskIngestDataSource, models.IngestTask{DataSourceID: ds.ID, JobID: job.ID}, 0, 3); err != nil {
		t.Fatalf("enqueueing ingest: %v", err)
	}

	task := reserveTask(t, q, queue.TaskIngestDataSource)
	if err := w.handleIngest(ctx, task); err != nil {
		t.Fatalf("handleIngest: %v", err)
	}

	// Three unique commits fanned out, duplicate dropped.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		scan := reserveTask(t, q, queue.TaskRunCommitScan)
		var commit models.CommitTask
		if err := scan.Decode(&commit); err != nil {
			t.Fatalf("decoding scan payload: %v", err)
		}
		seen[commit.CommitSHA] = true
		if commit.JobID != job.ID || commit.SonarInstance != "sonar-a" {
			t.Fatalf("scan payload = %+v", commit)
		}
		if commit.RepoURL != "https://github.com/rails/rails.git" {
			t.Fatalf("derived repo url = %q", commit.RepoURL)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("unique commits = %v", seen)
	}
	extra, err := q.Reserve(ctx, queue.TaskRunCommitScan)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if extra != nil {
		t.Fatalf("duplicate commit fanned out: %+v", extra)
	}

	gotJob, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != models.JobStatusRunning || gotJob.Total != 3 {
		t.Fatalf("job = %+v", gotJob)
	}
	gotDS, err := st.GetDataSource(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if gotDS.Status != models.DataSourceStatusProcessing || gotDS.TotalCommits != 3 {
		t.Fatalf("data source = %+v", gotDS)
	}

	c, err := st.SlotCapacity(ctx, "sonar-a", 1)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	if c.Active != 1 || c.JobIDs[0] != job.ID {
		t.Fatalf("admission slot = %+v", c)
	}
}

func TestHandleIngestRequeuesWhenFleetSaturated(t *testing.T) {
	w, st, q := newTestWorker(t)
	ctx := context.Background()

	// Another job already holds the only slot.
	blocker := seedCSVDataSource(t, st, "git_trigger_commit\nzzz999\n")
	blockJob := &models.Job{DataSourceID: blocker.ID}
	if err := st.CreateJob(ctx, blockJob); err != nil {
		t.Fatalf("seeding blocker job: %v", err)
	}
	if ok, err := st.AcquireSlot(ctx, "sonar-a", blockJob.ID, blocker.ID, 1); err != nil || !ok {
		t.Fatalf("AcquireSlot: ok=%v err=%v", ok, err)
	}

	ds := seedCSVDataSource(t, st, "git_trigger_commit\naaa111\n")
	job := &models.Job{DataSourceID: ds.ID}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.TaskIngestDataSource, models.IngestTask{DataSourceID: ds.ID, JobID: job.ID}, 0, 3); err != nil {
		t.Fatalf("enqueueing ingest: %v", err)
	}

	task := reserveTask(t, q, queue.TaskIngestDataSource)
	w.handle(ctx, task)

	// The delivery was requeued with the admission delay, not failed: no scan
	// tasks, no dead letter, task not yet due.
	pending, _, _, err := st.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("CountDeadLetters: %v", err)
	}
	if pending != 0 {
		t.Fatalf("saturated admission dead-lettered the task")
	}
	if task, err := q.Reserve(ctx, queue.TaskIngestDataSource); err != nil || task != nil {
		t.Fatalf("requeued task due immediately: task=%v err=%v", task, err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[queue.TaskIngestDataSource] != 1 {
		t.Fatalf("queue depth = %v, want the ingest task parked", depth)
	}

	gotJob, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if gotJob.Status != models.JobStatusQueued {
		t.Fatalf("job status = %q, want queued while waiting for a slot", gotJob.Status)
	}
}

func TestHandleBuriesInvalidIngestPayload(t *testing.T) {
	w, st, q := newTestWorker(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, queue.TaskIngestDataSource, []int{1, 2}, 0, 3); err != nil {
		t.Fatalf("enqueueing garbage: %v", err)
	}
	task := reserveTask(t, q, queue.TaskIngestDataSource)
	w.handle(ctx, task)

	letters, err := st.ListDeadLetters(ctx, "", "", 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != models.DeadLetterReasonInvalidPayload {
		t.Fatalf("dead letters = %+v", letters)
	}
	if again, err := q.Reserve(ctx, queue.TaskIngestDataSource); err != nil || again != nil {
		t.Fatalf("buried task redelivered: task=%v err=%v", again, err)
	}
}

func TestHandleBuriesUnknownKind(t *testing.T) {
	w, st, q := newTestWorker(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "bogus_kind", map[string]string{}, 0, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task := reserveTask(t, q, "bogus_kind")
	w.handle(ctx, task)

	if again, err := q.Reserve(ctx, "bogus_kind"); err != nil || again != nil {
		t.Fatalf("unknown-kind task redelivered: task=%v err=%v", again, err)
	}
	// Unknown kinds are buried without a dead letter: there is no payload an
	// operator could repair.
	pending, _, _, err := st.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("CountDeadLetters: %v", err)
	}
	if pending != 0 {
		t.Fatalf("unknown kind created a dead letter")
	}
}

func TestHandleExportShortCircuitsReplayedDelivery(t *testing.T) {
	w, st, q := newTestWorker(t)
	ctx := context.Background()

	ds := seedCSVDataSource(t, st, "git_trigger_commit\naaa111\n")
	job := &models.Job{DataSourceID: ds.ID}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	run := &models.SonarRun{
		DataSourceID: ds.ID,
		JobID:        job.ID,
		ProjectKey:   "builds",
		CommitSHA:    "aaa111",
		Status:       models.RunStatusSucceeded,
		MetricsPath:  "/exports/builds/1_metrics.csv",
	}
	if err := st.UpsertRun(ctx, run); err != nil {
		t.Fatalf("seeding run: %v", err)
	}

	export := models.ExportTask{ProjectKey: "builds", CommitSHA: "aaa111", DataSourceID: ds.ID, JobID: job.ID}
	if _, err := q.Enqueue(ctx, queue.TaskExportMetrics, export, 0, 5); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task := reserveTask(t, q, queue.TaskExportMetrics)

	// Already exported: the handler returns nil without touching the backend.
	if err := w.handleExport(ctx, task); err != nil {
		t.Fatalf("handleExport on replayed delivery: %v", err)
	}
}

func TestHandleExportParksVanishedComponent(t *testing.T) {
	// The backend knows nothing: measures come back empty and the component
	// is gone from the project index. Retrying such an export can never
	// succeed, so it must park under project-missing instead.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/measures/component":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"component": map[string]any{"key": r.URL.Query().Get("component"), "measures": []any{}},
			})
		case "/api/projects/search":
			_ = json.NewEncoder(w).Encode(map[string]any{"components": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	dbPath := filepath.Join(t.TempDir(), "worker_export_test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	cfg := &config.Config{}
	cfg.Pipeline.ExportRetryLimit = 5
	cfg.Exporter.MetricKeys = []string{"ncloc"}
	cfg.Exporter.ChunkSize = 25
	cfg.Sonar.Instances = []config.SonarInstance{
		{Name: "sonar-a", Host: backend.URL, MaxConcurrent: 2},
	}

	st := store.New(db)
	q := queue.New(db, 30*time.Minute, time.Minute)
	exec := executor.New(st, q, cfg, worktree.NewCache(t.TempDir(), ""), sonarqube.NewRunner("", time.Minute))
	exp := exporter.New(st, t.TempDir(), cfg.Exporter.MetricKeys, cfg.Exporter.ChunkSize)
	w := New(st, q, cfg, exec, exp)

	ds := seedCSVDataSource(t, st, "git_trigger_commit\naaa111\n")
	run := &models.SonarRun{
		DataSourceID:  ds.ID,
		ProjectKey:    "builds",
		CommitSHA:     "aaa111",
		Status:        models.RunStatusSubmitted,
		SonarInstance: "sonar-a",
	}
	if err := st.UpsertRun(ctx, run); err != nil {
		t.Fatalf("seeding run: %v", err)
	}

	export := models.ExportTask{
		ProjectKey: "builds", CommitSHA: "aaa111",
		SonarInstance: "sonar-a", DataSourceID: ds.ID,
	}
	if _, err := q.Enqueue(ctx, queue.TaskExportMetrics, export, 0, 5); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task := reserveTask(t, q, queue.TaskExportMetrics)
	w.handle(ctx, task)

	letters, err := st.ListDeadLetters(ctx, "", "", 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != models.DeadLetterReasonProjectMissing {
		t.Fatalf("dead letters = %+v, want one project-missing", letters)
	}
	if again, err := q.Reserve(ctx, queue.TaskExportMetrics); err != nil || again != nil {
		t.Fatalf("parked export redelivered: task=%v err=%v", again, err)
	}
}

func TestRepoURLDerivation(t *testing.T) {
	explicit := ingest.CommitWorkItem{RepoURL: "https://example.com/x.git", RepoSlug: "a/b"}
	if got := repoURL(explicit, ""); got != "https://example.com/x.git" {
		t.Fatalf("repoURL = %q, want explicit URL kept", got)
	}
	slug := ingest.CommitWorkItem{RepoSlug: "rails/rails"}
	if got := repoURL(slug, ""); got != "https://github.com/rails/rails.git" {
		t.Fatalf("repoURL = %q", got)
	}
	if got := repoURL(slug, "github.corp.example"); got != "https://github.corp.example/rails/rails.git" {
		t.Fatalf("enterprise repoURL = %q", got)
	}
	if got := repoURL(ingest.CommitWorkItem{}, ""); got != "" {
		t.Fatalf("repoURL without slug = %q", got)
	}
}
