package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/forks"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/store"
)

// Server is the REST control plane: dataset uploads, job and run inspection,
// dead-letter triage, fork discovery and the analysis-finished webhook.
type Server struct {
	cfg       *config.Config
	st        *store.Store
	q         *queue.Queue
	startedAt time.Time

	// resolver overrides provider construction; tests inject one here.
	resolver func() (*forks.Resolver, error)
}

// New creates a Server. Call Start() to begin serving.
func New(cfg *config.Config, st *store.Store, q *queue.Queue) *Server {
	return &Server{
		cfg:       cfg,
		st:        st,
		q:         q,
		startedAt: time.Now(),
	}
}

// Start binds the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = 6090
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv := &http.Server{
		Addr:    addr,
		Handler: buildHandler(s),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server: listening", "addr", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) forkResolver() (*forks.Resolver, error) {
	if s.resolver != nil {
		return s.resolver()
	}
	return s.newResolver()
}

// newResolver builds a fork resolver for whichever provider has credentials,
// preferring GitHub.
func (s *Server) newResolver() (*forks.Resolver, error) {
	if len(s.cfg.GitHub.Tokens) > 0 {
		finder, err := forks.NewGitHubFinder(s.cfg.GitHub)
		if err != nil {
			return nil, err
		}
		return forks.NewResolver(finder, s.cfg.GitHub.ForkPages, s.cfg.GitHub.ForkPerPage), nil
	}
	if s.cfg.GitLab.Token != "" {
		finder, err := forks.NewGitLabFinder(s.cfg.GitLab)
		if err != nil {
			return nil, err
		}
		return forks.NewResolver(finder, s.cfg.GitHub.ForkPages, s.cfg.GitHub.ForkPerPage), nil
	}
	return nil, fmt.Errorf("no fork discovery credentials configured")
}
