package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/reconciler"
	"github.com/sonarsweep/sonarsweep/internal/server"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sonarsweep API daemon",
	Long: `Starts the sonarsweep control plane: a long-running daemon exposing a
local REST API (default: http://127.0.0.1:6090) plus the reconciler that
sweeps stuck work back into the pipeline.

Quick API reference:
  GET  /health                           liveness check
  GET  /api/status                       queue depth and dead-letter counts
  GET  /api/capacity                     backend instance admission state
  POST /api/datasources                  upload a build-history CSV
  POST /api/datasources/{id}/process     start ingesting a dataset
  GET  /api/jobs                         list ingestion jobs
  GET  /api/runs                         list per-commit analysis runs
  GET  /api/dead-letters                 list parked failures
  POST /api/dead-letters/{id}/retry      requeue a parked commit
  GET  /api/forks/missing                missing-fork candidates by repo
  POST /api/forks/discover               walk a repo's fork network
  POST /sonar/webhook                    analysis-finished callback

Scan consumers run separately: start them with 'sonarsweep worker'.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (default 6090, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	stk, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stk.Close()

	if servePort > 0 {
		stk.cfg.Server.Port = servePort
	}
	if stk.cfg.Server.Port == 0 {
		stk.cfg.Server.Port = 6090
	}

	logPath, closeLogs, err := setupServeFileLogger(stk.cfg.Storage.LogDir)
	if err != nil {
		return err
	}
	defer closeLogs()

	rec := reconciler.New(stk.st, stk.q, stk.cfg)
	if err := rec.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("sonarsweep API starting\n")
	fmt.Printf("  API        : http://127.0.0.1:%d\n", stk.cfg.Server.Port)
	fmt.Printf("  Webhook    : http://127.0.0.1:%d/sonar/webhook\n", stk.cfg.Server.Port)
	fmt.Printf("  Instances  : %d\n", len(stk.cfg.Sonar.Instances))
	fmt.Printf("  Logs       : %s\n\n", logPath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	return server.New(stk.cfg, stk.st, stk.q).Start(ctx)
}

// setupServeFileLogger tees slog output to stdout, a per-run log file and a
// stable serve.log so `tail -f` keeps working across restarts.
func setupServeFileLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("serve-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "serve.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}
