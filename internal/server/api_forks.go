package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sonarsweep/sonarsweep/internal/forks"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
)

// missingForkGroup aggregates missing-fork dead letters for one repository.
type missingForkGroup struct {
	RepoSlug      string   `json:"repo_slug"`
	CommitSHAs    []string `json:"commit_shas"`
	DeadLetterIDs []int64  `json:"dead_letter_ids"`
	LastSearch    string   `json:"last_search,omitempty"`
}

// handleListMissingForks groups pending missing-fork dead letters by
// repository so the operator sees one discovery candidate per repo.
func (s *Server) handleListMissingForks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pg := parsePaginationParams(r, 500, 2000)

	items, err := s.st.ListDeadLetters(ctx, models.DeadLetterStatusPending, models.DeadLetterReasonMissingFork, pg.PageSize, pg.Offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	byRepo := map[string]*missingForkGroup{}
	order := []string{}
	for _, dl := range items {
		var commit models.CommitTask
		if err := json.Unmarshal([]byte(dl.Payload), &commit); err != nil || commit.RepoSlug == "" {
			continue
		}
		group, ok := byRepo[commit.RepoSlug]
		if !ok {
			group = &missingForkGroup{RepoSlug: commit.RepoSlug}
			byRepo[commit.RepoSlug] = group
			order = append(order, commit.RepoSlug)
		}
		group.CommitSHAs = append(group.CommitSHAs, commit.CommitSHA)
		group.DeadLetterIDs = append(group.DeadLetterIDs, dl.ID)
		if dl.ForkSearch != "" {
			group.LastSearch = dl.ForkSearch
		}
	}

	out := make([]missingForkGroup, 0, len(order))
	for _, slug := range order {
		out = append(out, *byRepo[slug])
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": out})
}

type discoverForksRequest struct {
	RepoSlug string `json:"repo_slug"`
	// Enqueue re-enqueues commits whose fork was found, using the fork's
	// clone URL.
	Enqueue bool `json:"enqueue"`
}

type discoverForksCommit struct {
	CommitSHA    string `json:"commit_sha"`
	DeadLetterID int64  `json:"dead_letter_id"`
	Found        bool   `json:"found"`
	ForkSlug     string `json:"fork_slug,omitempty"`
	Requeued     bool   `json:"requeued,omitempty"`
}

// handleDiscoverForks walks the fork network of one repository looking for
// the commits parked in its missing-fork dead letters.
func (s *Server) handleDiscoverForks(w http.ResponseWriter, r *http.Request) {
	var req discoverForksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	owner, repo, err := parseRepoSlug(req.RepoSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolver, err := s.forkResolver()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	ctx := r.Context()
	letters, err := s.st.ListDeadLetters(ctx, models.DeadLetterStatusPending, models.DeadLetterReasonMissingFork, 2000, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	type parked struct {
		dl     models.DeadLetter
		commit models.CommitTask
	}
	var targets []parked
	var shas []string
	for _, dl := range letters {
		var commit models.CommitTask
		if err := json.Unmarshal([]byte(dl.Payload), &commit); err != nil {
			continue
		}
		if commit.RepoSlug != req.RepoSlug {
			continue
		}
		targets = append(targets, parked{dl: dl, commit: commit})
		shas = append(shas, commit.CommitSHA)
	}
	if len(targets) == 0 {
		writeError(w, http.StatusNotFound, "no pending missing-fork dead letters for this repo")
		return
	}

	found, err := resolver.FindCommits(ctx, owner, repo, shas)
	if err != nil {
		if errors.Is(err, forks.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "provider rate limit exhausted; retry later")
			return
		}
		writeError(w, http.StatusBadGateway, fmt.Sprintf("fork discovery failed: %v", err))
		return
	}

	results := make([]discoverForksCommit, 0, len(targets))
	for _, t := range targets {
		res := discoverForksCommit{
			CommitSHA:    t.commit.CommitSHA,
			DeadLetterID: t.dl.ID,
		}
		fork, ok := found[t.commit.CommitSHA]
		search := forks.SearchResult{Status: forks.SearchNotFound}
		if ok {
			search = forks.SearchResult{
				Status:       forks.SearchFound,
				ForkSlug:     fork.Slug,
				ForkCloneURL: fork.CloneURL,
			}
			res.Found = true
			res.ForkSlug = fork.Slug
		}
		searchJSON, _ := json.Marshal(search)
		if err := s.st.SetDeadLetterForkSearch(ctx, t.dl.ID, string(searchJSON)); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}

		if ok && req.Enqueue {
			commit := t.commit
			// A canonical-repo hit carries no clone URL; the parked payload
			// already points at the canonical repo, so only a real fork
			// redirects the retry.
			if fork.CloneURL != "" {
				commit.RepoSlug = fork.Slug
				commit.RepoURL = fork.CloneURL
			}
			if t.dl.ConfigOverride != "" {
				commit.ConfigOverride = t.dl.ConfigOverride
			}
			if _, err := s.q.Enqueue(ctx, queue.TaskRunCommitScan, commit, 0, s.cfg.Pipeline.ScanRetryLimit); err != nil {
				writeError(w, http.StatusInternalServerError, "enqueueing retry failed")
				return
			}
			if err := s.st.MarkDeadLetterQueued(ctx, t.dl.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "update failed")
				return
			}
			res.Requeued = true
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"repo_slug": req.RepoSlug,
		"commits":   results,
	})
}

func parseRepoSlug(v string) (owner, repo string, err error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(v), "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("repo_slug must be in owner/name format")
	}
	return parts[0], parts[1], nil
}
