// Package ingest turns uploaded build-history CSVs into commit work items.
// The CSVs come from CI history exports whose column names vary by source,
// so every field is resolved through an alias list.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	projectFields = []string{"gh_project_name", "gh_project", "repository_slug", "github_slug", "project"}
	commitFields  = []string{"git_trigger_commit", "git_commit", "commit", "sha", "git_sha"}
	branchFields  = []string{"git_trigger_branch", "branch", "git_branch"}
	repoURLFields = []string{"gh_project_url", "repo", "repository"}
)

// CommitWorkItem is one commit extracted from the CSV.
type CommitWorkItem struct {
	ProjectKey string `json:"project_key"`
	RepoSlug   string `json:"repo_slug,omitempty"`
	RepoURL    string `json:"repository_url,omitempty"`
	CommitSHA  string `json:"commit_sha"`
	Branch     string `json:"branch,omitempty"`
}

// Summary aggregates the dataset for the data-source record. Commits are
// deduplicated in first-seen order, so first/last reflect dataset order.
type Summary struct {
	ProjectName    string
	ProjectKey     string
	TotalBuilds    int
	TotalCommits   int
	UniqueBranches int
	UniqueRepos    int
	FirstCommit    string
	LastCommit     string
}

// Pipeline reads one CSV file. The project key defaults to the file's base
// name without extension, matching how datasets are named.
type Pipeline struct {
	path       string
	projectKey string
}

// NewPipeline builds a Pipeline over the CSV at path.
func NewPipeline(path string) *Pipeline {
	base := filepath.Base(path)
	key := strings.TrimSuffix(base, filepath.Ext(base))
	return &Pipeline{path: path, projectKey: key}
}

// ProjectKey returns the dataset's derived project key.
func (p *Pipeline) ProjectKey() string { return p.projectKey }

// Summarize streams the whole file once and computes dataset stats.
func (p *Pipeline) Summarize() (*Summary, error) {
	sum := &Summary{ProjectKey: p.projectKey}

	seenCommits := make(map[string]struct{})
	repos := make(map[string]struct{})
	branches := make(map[string]struct{})

	err := p.forEachRow(func(row rowReader) error {
		sum.TotalBuilds++
		if commit := row.first(commitFields); commit != "" {
			if _, ok := seenCommits[commit]; !ok {
				seenCommits[commit] = struct{}{}
				sum.TotalCommits++
				if sum.FirstCommit == "" {
					sum.FirstCommit = commit
				}
				sum.LastCommit = commit
			}
		}
		if slug := row.first(projectFields); slug != "" {
			repos[slug] = struct{}{}
			if sum.ProjectName == "" {
				sum.ProjectName = slug
			}
		}
		if branch := row.first(branchFields); branch != "" {
			branches[branch] = struct{}{}
		}
		if repoURL := row.first(repoURLFields); repoURL != "" {
			repos[repoURL] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sum.UniqueBranches = len(branches)
	sum.UniqueRepos = len(repos)
	return sum, nil
}

// EachCommitChunk streams commit work items in chunks of chunkSize. Rows
// without a resolvable commit are skipped; duplicate commits are kept, the
// consumer dedupes against its run table.
func (p *Pipeline) EachCommitChunk(chunkSize int, fn func(chunk []CommitWorkItem) error) error {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	chunk := make([]CommitWorkItem, 0, chunkSize)

	err := p.forEachRow(func(row rowReader) error {
		commit := row.first(commitFields)
		if commit == "" {
			return nil
		}
		chunk = append(chunk, CommitWorkItem{
			ProjectKey: p.projectKey,
			RepoSlug:   row.first(projectFields),
			RepoURL:    row.first(repoURLFields),
			CommitSHA:  commit,
			Branch:     row.first(branchFields),
		})
		if len(chunk) >= chunkSize {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}

// rowReader resolves values by header alias.
type rowReader struct {
	index  map[string]int
	record []string
}

func (r rowReader) first(keys []string) string {
	for _, key := range keys {
		if i, ok := r.index[key]; ok && i < len(r.record) {
			if v := strings.TrimSpace(r.record[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

// forEachRow streams the CSV, calling fn per data row.
func (p *Pipeline) forEachRow(fn func(row rowReader) error) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p.path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // CI exports are ragged

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading CSV row: %w", err)
		}
		if err := fn(rowReader{index: index, record: record}); err != nil {
			return err
		}
	}
}
