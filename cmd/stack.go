package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/internal/store"
)

// stack is the shared wiring every daemon subcommand needs.
type stack struct {
	cfg *config.Config
	db  database.DB
	st  *store.Store
	q   *queue.Queue
}

// openStack loads config, opens the database, runs migrations and builds
// the store and queue. The caller owns closing the database.
func openStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, fmt.Errorf("preparing directories: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	backoffCap := time.Duration(cfg.Pipeline.RetryBackoffCapSeconds) * time.Second

	return &stack{
		cfg: cfg,
		db:  db,
		st:  store.New(db),
		q:   queue.New(db, cfg.QueueVisibility(), backoffCap),
	}, nil
}

func (s *stack) Close() {
	_ = s.db.Close()
}
