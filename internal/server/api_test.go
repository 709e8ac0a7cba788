package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/models"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *queue.Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server_test.db")
	db, err := database.NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	cfg := &config.Config{}
	cfg.Server.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Webhook.Secret = "hunter2"
	cfg.Pipeline.ScanRetryLimit = 3
	cfg.Pipeline.ExportRetryLimit = 5
	cfg.Sonar.Instances = []config.SonarInstance{
		{Name: "sonar-a", Host: "http://sonar-a:9000", MaxConcurrent: 2},
	}

	st := store.New(db)
	q := queue.New(db, 30*time.Minute, time.Minute)
	return New(cfg, st, q), st, q
}

func doRequest(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	buildHandler(srv).ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func uploadCSV(t *testing.T, srv *Server, filename, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if name != "" {
		if err := mw.WriteField("name", name); err != nil {
			t.Fatalf("writing name field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/datasources", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return doRequest(t, srv, req)
}

func TestHealthAndRoot(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rr.Code)
	}

	rr = doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rr.Code)
	}
	var root struct {
		Name string `json:"name"`
	}
	decodeBody(t, rr, &root)
	if root.Name != "sonarsweep" {
		t.Fatalf("root name = %q", root.Name)
	}
}

func TestStatusReportsQueueAndCounts(t *testing.T) {
	srv, st, q := newTestServer(t)
	ctx := context.Background()

	if err := st.CreateDataSource(ctx, &models.DataSource{Name: "ds", Filename: "ds.csv"}); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.TaskRunCommitScan, models.CommitTask{}, 0, 3); err != nil {
		t.Fatalf("seeding task: %v", err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d: %s", rr.Code, rr.Body.String())
	}
	var status struct {
		DataSources int            `json:"data_sources"`
		Queue       map[string]int `json:"queue"`
	}
	decodeBody(t, rr, &status)
	if status.DataSources != 1 {
		t.Fatalf("data_sources = %d", status.DataSources)
	}
	if status.Queue[queue.TaskRunCommitScan] != 1 {
		t.Fatalf("queue depth = %v", status.Queue)
	}
}

func TestCapacityListsInstances(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	ds := &models.DataSource{Name: "cap-ds", Filename: "cap.csv"}
	if err := st.CreateDataSource(ctx, ds); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}
	job := &models.Job{DataSourceID: ds.ID}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	if ok, err := st.AcquireSlot(ctx, "sonar-a", job.ID, ds.ID, 2); err != nil || !ok {
		t.Fatalf("AcquireSlot: ok=%v err=%v", ok, err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/capacity", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/capacity = %d", rr.Code)
	}
	var out struct {
		Instances []store.Capacity `json:"instances"`
	}
	decodeBody(t, rr, &out)
	if len(out.Instances) != 1 {
		t.Fatalf("instances = %+v", out.Instances)
	}
	if out.Instances[0].Active != 1 || out.Instances[0].Available != 1 {
		t.Fatalf("capacity = %+v", out.Instances[0])
	}
}

func TestUploadAndProcessDataSource(t *testing.T) {
	srv, st, q := newTestServer(t)
	ctx := context.Background()

	rr := uploadCSV(t, srv, "rails.csv", "rails-history", "gh_project_name,git_trigger_commit\nrails/rails,aaa111\n")
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /api/datasources = %d: %s", rr.Code, rr.Body.String())
	}
	var ds models.DataSource
	decodeBody(t, rr, &ds)
	if ds.ID == 0 || ds.Name != "rails-history" || ds.Status != models.DataSourceStatusPending {
		t.Fatalf("created data source = %+v", ds)
	}
	if !strings.HasSuffix(ds.FilePath, "rails.csv") {
		t.Fatalf("file path = %q", ds.FilePath)
	}

	rr = doRequest(t, srv, httptest.NewRequest(http.MethodPost,
		"/api/datasources/"+itoa(ds.ID)+"/process", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST .../process = %d: %s", rr.Code, rr.Body.String())
	}
	var accepted struct {
		Status string `json:"status"`
		JobID  int64  `json:"job_id"`
	}
	decodeBody(t, rr, &accepted)
	if accepted.Status != "queued" || accepted.JobID == 0 {
		t.Fatalf("process response = %+v", accepted)
	}

	task, err := q.Reserve(ctx, queue.TaskIngestDataSource)
	if err != nil || task == nil {
		t.Fatalf("ingest task not enqueued: task=%v err=%v", task, err)
	}
	var payload models.IngestTask
	if err := task.Decode(&payload); err != nil {
		t.Fatalf("decoding ingest payload: %v", err)
	}
	if payload.DataSourceID != ds.ID || payload.JobID != accepted.JobID {
		t.Fatalf("ingest payload = %+v", payload)
	}

	// A processing data source must refuse a second run.
	if err := st.SetDataSourceStatus(ctx, ds.ID, models.DataSourceStatusProcessing); err != nil {
		t.Fatalf("SetDataSourceStatus: %v", err)
	}
	rr = doRequest(t, srv, httptest.NewRequest(http.MethodPost,
		"/api/datasources/"+itoa(ds.ID)+"/process", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second process = %d, want 409", rr.Code)
	}
}

func TestUploadRejectsNonCSV(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := uploadCSV(t, srv, "payload.exe", "", "MZ")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("non-CSV upload = %d, want 400", rr.Code)
	}
}

func TestSetDataSourceOverride(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	ds := &models.DataSource{Name: "ovr", Filename: "ovr.csv"}
	if err := st.CreateDataSource(ctx, ds); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}

	body := strings.NewReader(`{"config_override": "sonar.exclusions=**/vendor/**"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/datasources/"+itoa(ds.ID)+"/override", body)
	rr := doRequest(t, srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT override = %d: %s", rr.Code, rr.Body.String())
	}

	got, err := st.GetDataSource(ctx, ds.ID)
	if err != nil {
		t.Fatalf("GetDataSource: %v", err)
	}
	if got.ConfigOverride != "sonar.exclusions=**/vendor/**" {
		t.Fatalf("config_override = %q", got.ConfigOverride)
	}
}

func TestCancelJobFreesSlot(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	ds := &models.DataSource{Name: "cancel-ds", Filename: "c.csv"}
	if err := st.CreateDataSource(ctx, ds); err != nil {
		t.Fatalf("seeding data source: %v", err)
	}
	job := &models.Job{DataSourceID: ds.ID}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	if err := st.StartJob(ctx, job.ID, "sonar-a", 10); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if ok, err := st.AcquireSlot(ctx, "sonar-a", job.ID, ds.ID, 2); err != nil || !ok {
		t.Fatalf("AcquireSlot: ok=%v err=%v", ok, err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/api/jobs/"+itoa(job.ID)+"/cancel", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST cancel = %d: %s", rr.Code, rr.Body.String())
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	c, err := st.SlotCapacity(ctx, "sonar-a", 2)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	if c.Active != 0 {
		t.Fatalf("slot not released: %+v", c)
	}

	// Cancelling a finished job is a conflict.
	rr = doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/api/jobs/"+itoa(job.ID)+"/cancel", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", rr.Code)
	}
}

func TestRetryDeadLetter(t *testing.T) {
	srv, st, q := newTestServer(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.CommitTask{
		ProjectKey: "rails", CommitSHA: "aaa111", JobID: 4, DataSourceID: 2,
	})
	dl := &models.DeadLetter{
		Payload: string(payload),
		Reason:  models.DeadLetterReasonScanFailed,
		Error:   "scanner exited 2",
	}
	if err := st.CreateDeadLetter(ctx, dl); err != nil {
		t.Fatalf("seeding dead letter: %v", err)
	}
	if err := st.SetDeadLetterOverride(ctx, dl.ID, "sonar.java.binaries=target"); err != nil {
		t.Fatalf("SetDeadLetterOverride: %v", err)
	}
	failed := &models.SonarRun{
		DataSourceID: 2, JobID: 4,
		ProjectKey: "rails", CommitSHA: "aaa111",
		Status: models.RunStatusFailed, Message: "scanner exited 2",
	}
	if err := st.UpsertRun(ctx, failed); err != nil {
		t.Fatalf("seeding run: %v", err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/api/dead-letters/"+itoa(dl.ID)+"/retry", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST retry = %d: %s", rr.Code, rr.Body.String())
	}

	task, err := q.Reserve(ctx, queue.TaskRunCommitScan)
	if err != nil || task == nil {
		t.Fatalf("retry task not enqueued: task=%v err=%v", task, err)
	}
	var commit models.CommitTask
	if err := task.Decode(&commit); err != nil {
		t.Fatalf("decoding retry payload: %v", err)
	}
	if commit.CommitSHA != "aaa111" {
		t.Fatalf("retry payload = %+v", commit)
	}
	if commit.ConfigOverride != "sonar.java.binaries=target" {
		t.Fatalf("saved override not applied: %+v", commit)
	}

	got, err := st.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.Status != models.DeadLetterStatusQueued {
		t.Fatalf("dead letter status = %q, want queued", got.Status)
	}

	// The failed run is reset so the retried scan starts from a clean slate.
	run, err := st.GetRun(ctx, 2, "rails", "aaa111")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunStatusPending {
		t.Fatalf("run status = %q, want pending after retry", run.Status)
	}

	// Resolved letters cannot be retried.
	if err := st.MarkDeadLetterResolved(ctx, dl.ID); err != nil {
		t.Fatalf("MarkDeadLetterResolved: %v", err)
	}
	rr = doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/api/dead-letters/"+itoa(dl.ID)+"/retry", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("retry of resolved letter = %d, want 409", rr.Code)
	}
}

func TestRetryDeadLetterRejectsBadPayload(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	dl := &models.DeadLetter{
		Payload: "not json",
		Reason:  models.DeadLetterReasonInvalidPayload,
	}
	if err := st.CreateDeadLetter(ctx, dl); err != nil {
		t.Fatalf("seeding dead letter: %v", err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodPost, "/api/dead-letters/"+itoa(dl.ID)+"/retry", nil))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("retry of garbage payload = %d, want 422", rr.Code)
	}
}

func TestListMissingForksGroupsBySlug(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	for _, sha := range []string{"aaa", "bbb"} {
		payload, _ := json.Marshal(models.CommitTask{
			ProjectKey: "rails", CommitSHA: sha, RepoSlug: "rails/rails",
		})
		dl := &models.DeadLetter{Payload: string(payload), Reason: models.DeadLetterReasonMissingFork}
		if err := st.CreateDeadLetter(ctx, dl); err != nil {
			t.Fatalf("seeding dead letter: %v", err)
		}
	}
	other, _ := json.Marshal(models.CommitTask{ProjectKey: "p", CommitSHA: "ccc", RepoSlug: "acme/widget"})
	if err := st.CreateDeadLetter(ctx, &models.DeadLetter{
		Payload: string(other), Reason: models.DeadLetterReasonMissingFork,
	}); err != nil {
		t.Fatalf("seeding dead letter: %v", err)
	}

	rr := doRequest(t, srv, httptest.NewRequest(http.MethodGet, "/api/forks/missing", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/forks/missing = %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Repos []struct {
			RepoSlug   string   `json:"repo_slug"`
			CommitSHAs []string `json:"commit_shas"`
		} `json:"repos"`
	}
	decodeBody(t, rr, &out)
	if len(out.Repos) != 2 {
		t.Fatalf("repos = %+v, want 2 groups", out.Repos)
	}
	for _, repo := range out.Repos {
		if repo.RepoSlug == "rails/rails" && len(repo.CommitSHAs) != 2 {
			t.Fatalf("rails/rails group = %+v", repo)
		}
	}
}

func TestDiscoverForksWithoutCredentials(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	payload, _ := json.Marshal(models.CommitTask{ProjectKey: "p", CommitSHA: "aaa", RepoSlug: "rails/rails"})
	if err := st.CreateDeadLetter(ctx, &models.DeadLetter{
		Payload: string(payload), Reason: models.DeadLetterReasonMissingFork,
	}); err != nil {
		t.Fatalf("seeding dead letter: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/forks/discover",
		strings.NewReader(`{"repo_slug": "rails/rails"}`))
	rr := doRequest(t, srv, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("discover without tokens = %d, want 409", rr.Code)
	}
}

func TestParseRepoSlug(t *testing.T) {
	owner, repo, err := parseRepoSlug(" rails/rails ")
	if err != nil || owner != "rails" || repo != "rails" {
		t.Fatalf("parseRepoSlug = %q/%q, %v", owner, repo, err)
	}
	for _, bad := range []string{"", "rails", "/rails", "rails/", "a/b/c"} {
		if _, _, err := parseRepoSlug(bad); err == nil {
			t.Fatalf("parseRepoSlug(%q) accepted", bad)
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
