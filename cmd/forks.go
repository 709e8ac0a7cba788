package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/forks"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
	"github.com/spf13/cobra"
)

var (
	forksLimit   int
	forksEnqueue bool
)

var forksCmd = &cobra.Command{
	Use:   "forks",
	Short: "Inspect and resolve missing-fork dead letters",
	Long: `Commits mined from deleted or renamed repositories often survive in
forks. 'forks list' shows which repositories have commits parked as
missing-fork dead letters; 'forks discover' walks a repository's fork
network looking for them.`,
}

var forksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories with missing-fork dead letters",
	RunE:  runForksList,
}

var forksDiscoverCmd = &cobra.Command{
	Use:   "discover <owner/repo>",
	Short: "Search a repository's forks for parked commits",
	Args:  cobra.ExactArgs(1),
	RunE:  runForksDiscover,
}

func init() {
	forksListCmd.Flags().IntVar(&forksLimit, "limit", 500,
		"maximum dead letters to inspect")
	forksDiscoverCmd.Flags().BoolVar(&forksEnqueue, "enqueue", false,
		"requeue commits whose fork was found")
	forksCmd.AddCommand(forksListCmd, forksDiscoverCmd)
}

func runForksList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stk, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stk.Close()

	letters, err := stk.st.ListDeadLetters(ctx, models.DeadLetterStatusPending, models.DeadLetterReasonMissingFork, forksLimit, 0)
	if err != nil {
		return err
	}
	counts := map[string]int{}
	order := []string{}
	for _, dl := range letters {
		var commit models.CommitTask
		if err := json.Unmarshal([]byte(dl.Payload), &commit); err != nil || commit.RepoSlug == "" {
			continue
		}
		if _, ok := counts[commit.RepoSlug]; !ok {
			order = append(order, commit.RepoSlug)
		}
		counts[commit.RepoSlug]++
	}
	if len(order) == 0 {
		fmt.Println("No pending missing-fork dead letters.")
		return nil
	}
	fmt.Printf("%-50s %s\n", "REPOSITORY", "COMMITS")
	for _, slug := range order {
		fmt.Printf("%-50s %d\n", slug, counts[slug])
	}
	return nil
}

func runForksDiscover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stk, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stk.Close()

	slug := args[0]
	resolver, err := buildResolver(stk.cfg)
	if err != nil {
		return err
	}
	owner, repo, ok := splitOwnerRepo(slug)
	if !ok {
		return fmt.Errorf("repository must be in owner/name format")
	}

	letters, err := stk.st.ListDeadLetters(ctx, models.DeadLetterStatusPending, models.DeadLetterReasonMissingFork, 2000, 0)
	if err != nil {
		return err
	}
	type parked struct {
		dl     models.DeadLetter
		commit models.CommitTask
	}
	var targets []parked
	var shas []string
	for _, dl := range letters {
		var commit models.CommitTask
		if err := json.Unmarshal([]byte(dl.Payload), &commit); err != nil || commit.RepoSlug != slug {
			continue
		}
		targets = append(targets, parked{dl: dl, commit: commit})
		shas = append(shas, commit.CommitSHA)
	}
	if len(targets) == 0 {
		return fmt.Errorf("no pending missing-fork dead letters for %s", slug)
	}
	fmt.Printf("Searching forks of %s for %d commits...\n", slug, len(shas))

	found, err := resolver.FindCommits(ctx, owner, repo, shas)
	if err != nil {
		if errors.Is(err, forks.ErrRateLimited) {
			return fmt.Errorf("provider rate limit exhausted; retry later")
		}
		return fmt.Errorf("fork discovery failed: %w", err)
	}

	for _, t := range targets {
		fork, ok := found[t.commit.CommitSHA]
		search := forks.SearchResult{Status: forks.SearchNotFound}
		if ok {
			search = forks.SearchResult{
				Status:       forks.SearchFound,
				ForkSlug:     fork.Slug,
				ForkCloneURL: fork.CloneURL,
			}
		}
		searchJSON, _ := json.Marshal(search)
		if err := stk.st.SetDeadLetterForkSearch(ctx, t.dl.ID, string(searchJSON)); err != nil {
			return err
		}

		switch {
		case !ok:
			fmt.Printf("  %s  not found\n", shortCommit(t.commit.CommitSHA))
		case forksEnqueue:
			commit := t.commit
			commit.RepoSlug = fork.Slug
			commit.RepoURL = fork.CloneURL
			if t.dl.ConfigOverride != "" {
				commit.ConfigOverride = t.dl.ConfigOverride
			}
			if _, err := stk.q.Enqueue(ctx, queue.TaskRunCommitScan, commit, 0, stk.cfg.Pipeline.ScanRetryLimit); err != nil {
				return err
			}
			if err := stk.st.MarkDeadLetterQueued(ctx, t.dl.ID); err != nil {
				return err
			}
			fmt.Printf("  %s  found in %s — requeued\n", shortCommit(t.commit.CommitSHA), fork.Slug)
		default:
			fmt.Printf("  %s  found in %s\n", shortCommit(t.commit.CommitSHA), fork.Slug)
		}
	}
	return nil
}

func buildResolver(cfg *config.Config) (*forks.Resolver, error) {
	if len(cfg.GitHub.Tokens) > 0 {
		finder, err := forks.NewGitHubFinder(cfg.GitHub)
		if err != nil {
			return nil, err
		}
		return forks.NewResolver(finder, cfg.GitHub.ForkPages, cfg.GitHub.ForkPerPage), nil
	}
	if cfg.GitLab.Token != "" {
		finder, err := forks.NewGitLabFinder(cfg.GitLab)
		if err != nil {
			return nil, err
		}
		return forks.NewResolver(finder, cfg.GitHub.ForkPages, cfg.GitHub.ForkPerPage), nil
	}
	return nil, fmt.Errorf("no fork discovery credentials configured")
}

func splitOwnerRepo(slug string) (owner, repo string, ok bool) {
	for i := 0; i < len(slug); i++ {
		if slug[i] == '/' {
			if i == 0 || i == len(slug)-1 {
				return "", "", false
			}
			return slug[:i], slug[i+1:], true
		}
	}
	return "", "", false
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
