package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sonarsweep/sonarsweep/internal/forks"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// cannedProvider serves fork discovery from fixed data: commits maps
// owner/name to the commits that repository contains.
type cannedProvider struct {
	commits map[string]map[string]bool
	forks   []forks.Fork
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) ListForks(_ context.Context, _, _ string, page, _ int) ([]forks.Fork, error) {
	if page > 1 {
		return nil, nil
	}
	return p.forks, nil
}

func (p *cannedProvider) CommitExists(_ context.Context, owner, repo, sha string) (bool, error) {
	return p.commits[owner+"/"+repo][sha], nil
}

func (p *cannedProvider) CommitsExist(_ context.Context, owner, repo string, shas []string) (map[string]bool, error) {
	out := make(map[string]bool, len(shas))
	for _, sha := range shas {
		out[sha] = p.commits[owner+"/"+repo][sha]
	}
	return out, nil
}

func seedMissingFork(t *testing.T, srv *Server, sha string) *models.DeadLetter {
	t.Helper()
	payload, _ := json.Marshal(models.CommitTask{
		ProjectKey:    "rails",
		CommitSHA:     sha,
		RepoSlug:      "rails/rails",
		RepoURL:       "https://github.com/rails/rails.git",
		SonarInstance: "sonar-a",
	})
	dl := &models.DeadLetter{Payload: string(payload), Reason: models.DeadLetterReasonMissingFork}
	if err := srv.st.CreateDeadLetter(context.Background(), dl); err != nil {
		t.Fatalf("seeding dead letter: %v", err)
	}
	return dl
}

func TestDiscoverForksRequeuesWithUsableCloneURLs(t *testing.T) {
	srv, st, q := newTestServer(t)
	ctx := context.Background()

	// "aaa" lives in the canonical repository (a vanished branch that came
	// back); "bbb" only exists in a fork.
	provider := &cannedProvider{
		commits: map[string]map[string]bool{
			"rails/rails": {"aaa": true},
			"alice/rails": {"bbb": true},
		},
		forks: []forks.Fork{
			{Slug: "alice/rails", CloneURL: "https://github.com/alice/rails.git"},
		},
	}
	srv.resolver = func() (*forks.Resolver, error) {
		return forks.NewResolver(provider, 1, 10), nil
	}

	dlCanonical := seedMissingFork(t, srv, "aaa")
	dlFork := seedMissingFork(t, srv, "bbb")

	req := httptest.NewRequest(http.MethodPost, "/api/forks/discover",
		strings.NewReader(`{"repo_slug": "rails/rails", "enqueue": true}`))
	rr := doRequest(t, srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/forks/discover = %d: %s", rr.Code, rr.Body.String())
	}

	byCommit := map[string]models.CommitTask{}
	for i := 0; i < 2; i++ {
		task, err := q.Reserve(ctx, queue.TaskRunCommitScan)
		if err != nil || task == nil {
			t.Fatalf("requeued scan %d missing: task=%v err=%v", i, task, err)
		}
		var commit models.CommitTask
		if err := task.Decode(&commit); err != nil {
			t.Fatalf("decoding requeued payload: %v", err)
		}
		byCommit[commit.CommitSHA] = commit
	}

	// A canonical hit carries no clone URL from discovery; the requeued task
	// must keep its original repository or the scan would be rejected.
	canonical, ok := byCommit["aaa"]
	if !ok {
		t.Fatalf("canonical commit not requeued: %+v", byCommit)
	}
	if canonical.RepoURL != "https://github.com/rails/rails.git" || canonical.RepoSlug != "rails/rails" {
		t.Fatalf("canonical requeue = %+v", canonical)
	}

	forked, ok := byCommit["bbb"]
	if !ok {
		t.Fatalf("fork commit not requeued: %+v", byCommit)
	}
	if forked.RepoURL != "https://github.com/alice/rails.git" || forked.RepoSlug != "alice/rails" {
		t.Fatalf("fork requeue = %+v", forked)
	}

	for _, dl := range []*models.DeadLetter{dlCanonical, dlFork} {
		got, err := st.GetDeadLetter(ctx, dl.ID)
		if err != nil {
			t.Fatalf("GetDeadLetter: %v", err)
		}
		if got.Status != models.DeadLetterStatusQueued {
			t.Fatalf("dead letter %d status = %q, want queued", dl.ID, got.Status)
		}
		if got.ForkSearch == "" {
			t.Fatalf("dead letter %d has no recorded search", dl.ID)
		}
	}
}

func TestDiscoverForksAnnotatesMisses(t *testing.T) {
	srv, st, q := newTestServer(t)
	ctx := context.Background()

	provider := &cannedProvider{commits: map[string]map[string]bool{}}
	srv.resolver = func() (*forks.Resolver, error) {
		return forks.NewResolver(provider, 1, 10), nil
	}

	dl := seedMissingFork(t, srv, "zzz")

	req := httptest.NewRequest(http.MethodPost, "/api/forks/discover",
		strings.NewReader(`{"repo_slug": "rails/rails", "enqueue": true}`))
	rr := doRequest(t, srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/forks/discover = %d: %s", rr.Code, rr.Body.String())
	}

	got, err := st.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.Status != models.DeadLetterStatusPending {
		t.Fatalf("unfound commit requeued: status = %q", got.Status)
	}
	var search forks.SearchResult
	if err := json.Unmarshal([]byte(got.ForkSearch), &search); err != nil {
		t.Fatalf("parsing recorded search: %v", err)
	}
	if search.Status != forks.SearchNotFound {
		t.Fatalf("search status = %q, want not-found", search.Status)
	}

	task, err := q.Reserve(ctx, queue.TaskRunCommitScan)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if task != nil {
		t.Fatalf("miss was requeued: %+v", task)
	}
}
