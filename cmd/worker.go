package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/executor"
	"github.com/sonarsweep/sonarsweep/internal/exporter"
	"github.com/sonarsweep/sonarsweep/internal/sonarqube"
	"github.com/sonarsweep/sonarsweep/internal/worker"
	"github.com/sonarsweep/sonarsweep/internal/worktree"
	"github.com/spf13/cobra"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scan pipeline consumers",
	Long: `Runs a pool of consumers that drain the task queue: ingesting datasets,
preparing commit worktrees, driving the scanner container and exporting
metrics. Multiple worker processes can run against the same database;
the queue hands each task to exactly one consumer at a time.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0,
		"number of parallel consumers (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nStopping workers after in-flight tasks...")
		cancel()
	}()

	stk, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stk.Close()

	if workerCount > 0 {
		stk.cfg.Pipeline.Workers = workerCount
	}
	if len(stk.cfg.Sonar.Instances) == 0 {
		return fmt.Errorf("no analysis backend instances configured")
	}

	trees := worktree.NewCache(stk.cfg.Storage.WorkDir, stk.cfg.Storage.CloneToken)
	timeout := time.Duration(stk.cfg.Sonar.ScanTimeoutMinutes) * time.Minute
	runner := sonarqube.NewRunner(stk.cfg.Sonar.ScannerImage, timeout)
	exec := executor.New(stk.st, stk.q, stk.cfg, trees, runner)
	exp := exporter.New(stk.st, stk.cfg.Storage.MetricsDir, stk.cfg.Exporter.MetricKeys, stk.cfg.Exporter.ChunkSize)

	fmt.Printf("sonarsweep workers starting\n")
	fmt.Printf("  Consumers  : %d\n", stk.cfg.Pipeline.Workers)
	fmt.Printf("  Instances  : %d\n", len(stk.cfg.Sonar.Instances))
	fmt.Printf("  Work dir   : %s\n\n", stk.cfg.Storage.WorkDir)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	return worker.New(stk.st, stk.q, stk.cfg, exec, exp).Run(ctx)
}
