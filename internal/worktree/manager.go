// Package worktree prepares detached per-commit git worktrees out of a
// persistent clone cache, laid out per (backend instance, project):
//
//	<workdir>/<backend>/<project>/{repo,worktrees/<sha>,configs,logs}
//
// Clone mutations are serialised with a per-project file lock; scans run on
// the worktree after the lock is released.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrCommitNotFound means the commit is in neither the canonical repository
// nor the provided fork remote. The caller is expected to kick off fork
// discovery instead of retrying.
var ErrCommitNotFound = errors.New("commit not found in repository")

// ForkRemote points at a fork that is known to contain the wanted commit.
type ForkRemote struct {
	// Slug is the fork's owner/name, used to derive the remote name.
	Slug string
	// CloneURL is the fork's clone URL.
	CloneURL string
}

// Worktree is a prepared checkout of one commit.
type Worktree struct {
	// Path is the detached worktree directory the scanner runs in.
	Path string
	// SHA is the checked-out commit.
	SHA string

	manager *Manager
}

// Manager owns the working directories of one (backend instance, project)
// pair.
type Manager struct {
	root  string
	token string
}

// NewManager builds a Manager rooted at workDir/<instance>/<project>.
// token, when set, authenticates HTTPS clones of private repositories.
func NewManager(workDir, instance, projectKey, token string) *Manager {
	root := filepath.Join(workDir, sanitizeSegment(instance), sanitizeSegment(projectKey))
	return &Manager{root: root, token: token}
}

// RepoPath is the persistent clone directory.
func (m *Manager) RepoPath() string { return filepath.Join(m.root, "repo") }

// ConfigsDir holds content-addressed override configs for this project.
func (m *Manager) ConfigsDir() string { return filepath.Join(m.root, "configs") }

// LogsDir holds per-commit scanner logs for this project.
func (m *Manager) LogsDir() string { return filepath.Join(m.root, "logs") }

func (m *Manager) lockPath() string { return filepath.Join(m.root, ".repo.lock") }

func (m *Manager) worktreePath(sha string) string {
	return filepath.Join(m.root, "worktrees", sha)
}

// Acquire prepares a detached worktree for sha from the repository at
// repoURL. The clone is created on first use and refreshed on every call;
// when the commit is missing upstream and fork is non-nil, the fork remote
// is added and fetched before giving up with ErrCommitNotFound.
func (m *Manager) Acquire(ctx context.Context, repoURL, sha string, fork *ForkRemote) (*Worktree, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating project work directory: %w", err)
	}

	lock, err := AcquireLock(ctx, m.lockPath())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	repoPath := m.RepoPath()
	if err := m.ensureClone(ctx, repoPath, repoURL); err != nil {
		return nil, err
	}

	// Point origin back at the canonical URL in case a previous run moved it.
	// Best effort: a broken remote shows up at fetch time anyway.
	if _, err := runGit(ctx, repoPath, "remote", "set-url", "origin", repoURL); err != nil {
		slog.Debug("Resetting origin URL failed", "repo", repoURL, "error", err)
	}
	if _, err := runGit(ctx, repoPath, "fetch", "--all", "--tags", "--prune"); err != nil {
		slog.Warn("Fetch failed, continuing with cached objects", "repo", repoURL, "error", err)
	}

	if !commitExists(ctx, repoPath, sha) {
		if fork == nil {
			return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, shortSHA(sha))
		}
		if err := m.fetchFromFork(ctx, repoPath, sha, fork); err != nil {
			return nil, err
		}
		if !commitExists(ctx, repoPath, sha) {
			return nil, fmt.Errorf("%w: %s (fork %s fetched)", ErrCommitNotFound, shortSHA(sha), fork.Slug)
		}
	}

	wtPath := m.worktreePath(sha)
	if err := m.removeWorktree(ctx, wtPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree parent: %w", err)
	}
	if _, err := runGit(ctx, repoPath, "worktree", "add", "--detach", wtPath, sha); err != nil {
		return nil, fmt.Errorf("adding worktree for %s: %w", shortSHA(sha), err)
	}
	// Drop anything a previous scanner run may have left behind.
	if _, err := runGit(ctx, wtPath, "clean", "-fdx"); err != nil {
		slog.Warn("Worktree clean failed", "path", wtPath, "error", err)
	}

	return &Worktree{Path: wtPath, SHA: sha, manager: m}, nil
}

// Remove tears the worktree down. It re-acquires the project lock so
// removal never races a concurrent Acquire on the same clone.
func (wt *Worktree) Remove(ctx context.Context) error {
	lock, err := AcquireLock(ctx, wt.manager.lockPath())
	if err != nil {
		return err
	}
	defer lock.Release()
	return wt.manager.removeWorktree(ctx, wt.Path)
}

// ensureClone makes sure repoPath holds a full clone of repoURL.
func (m *Manager) ensureClone(ctx context.Context, repoPath, repoURL string) error {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err == nil {
		return nil
	}

	opts := &gogit.CloneOptions{URL: repoURL, Tags: gogit.AllTags}
	if m.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "sonarsweep", Password: m.token}
	}

	slog.Info("Cloning repository", "url", repoURL, "dest", repoPath)
	if _, err := gogit.PlainCloneContext(ctx, repoPath, false, opts); err != nil {
		os.RemoveAll(repoPath)
		return fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	return nil
}

// fetchFromFork adds the fork as a remote, fetches just the wanted sha and
// drops the remote again. The fetched objects stay in the clone; leaving the
// remote behind would make every later `fetch --all` pull the whole fork.
func (m *Manager) fetchFromFork(ctx context.Context, repoPath, sha string, fork *ForkRemote) error {
	remote := "fork-" + sanitizeSegment(strings.ReplaceAll(fork.Slug, "/", "_"))
	if _, err := runGit(ctx, repoPath, "remote", "add", remote, fork.CloneURL); err != nil {
		// Already present from an earlier attempt is fine.
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("adding fork remote %s: %w", remote, err)
		}
		if _, err := runGit(ctx, repoPath, "remote", "set-url", remote, fork.CloneURL); err != nil {
			return fmt.Errorf("updating fork remote %s: %w", remote, err)
		}
	}
	defer func() {
		if _, err := runGit(ctx, repoPath, "remote", "remove", remote); err != nil {
			slog.Debug("Removing fork remote failed", "remote", remote, "error", err)
		}
	}()
	slog.Info("Fetching commit from fork", "fork", fork.Slug, "sha", shortSHA(sha))
	if _, err := runGit(ctx, repoPath, "fetch", remote, sha); err != nil {
		return fmt.Errorf("fetching %s from fork %s: %w", shortSHA(sha), fork.Slug, err)
	}
	return nil
}

// removeWorktree drops a worktree directory plus git's bookkeeping for it.
func (m *Manager) removeWorktree(ctx context.Context, wtPath string) error {
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}
	if _, err := runGit(ctx, m.RepoPath(), "worktree", "remove", "--force", wtPath); err != nil {
		// Fall back to a raw delete plus prune when git refuses (e.g. the
		// worktree metadata is already gone).
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			return fmt.Errorf("removing worktree %s: %w", wtPath, rmErr)
		}
		_, _ = runGit(ctx, m.RepoPath(), "worktree", "prune")
	}
	return nil
}

// Cache hands out one Manager per (backend instance, project) so workers
// amortise directory setup.
type Cache struct {
	workDir string
	token   string

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewCache builds an empty manager cache rooted at workDir.
func NewCache(workDir, token string) *Cache {
	return &Cache{workDir: workDir, token: token, managers: make(map[string]*Manager)}
}

// Get returns the Manager for (instance, projectKey), creating it on first
// use.
func (c *Cache) Get(instance, projectKey string) *Manager {
	key := instance + "\x00" + projectKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.managers[key]; ok {
		return m
	}
	m := NewManager(c.workDir, instance, projectKey, c.token)
	c.managers[key] = m
	return m
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
