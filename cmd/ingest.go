package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sonarsweep/sonarsweep/internal/ingest"
	"github.com/sonarsweep/sonarsweep/internal/queue"
	"github.com/sonarsweep/sonarsweep/models"
	"github.com/spf13/cobra"
)

var (
	ingestName     string
	ingestOverride string
	ingestDryRun   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.csv>",
	Short: "Queue a build-history CSV for processing",
	Long: `Registers a build-history CSV as a data source and queues it for
ingestion, without going through the HTTP API. The file is read in place;
it must stay readable by the worker processes.

With --dry-run the file is only summarised, nothing is queued.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "",
		"data source name (default: file name without extension)")
	ingestCmd.Flags().StringVar(&ingestOverride, "override-file", "",
		"sonar-project.properties file applied to every commit of this dataset")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false,
		"summarise the dataset without queueing it")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("dataset file: %w", err)
	}

	pipe := ingest.NewPipeline(path)
	sum, err := pipe.Summarize()
	if err != nil {
		return fmt.Errorf("summarising %s: %w", path, err)
	}

	fmt.Printf("Dataset %s\n", filepath.Base(path))
	fmt.Printf("  Project key     : %s\n", sum.ProjectKey)
	fmt.Printf("  Builds          : %d\n", sum.TotalBuilds)
	fmt.Printf("  Unique commits  : %d\n", sum.TotalCommits)
	fmt.Printf("  Branches        : %d\n", sum.UniqueBranches)
	fmt.Printf("  Repositories    : %d\n", sum.UniqueRepos)
	if ingestDryRun {
		return nil
	}
	if sum.TotalCommits == 0 {
		return fmt.Errorf("dataset holds no commits")
	}

	var override string
	if ingestOverride != "" {
		raw, err := os.ReadFile(ingestOverride)
		if err != nil {
			return fmt.Errorf("reading override file: %w", err)
		}
		override = string(raw)
	}

	stk, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stk.Close()

	name := ingestName
	if name == "" {
		name = sum.ProjectKey
	}
	ds := &models.DataSource{
		Name:           name,
		Filename:       filepath.Base(path),
		FilePath:       path,
		Status:         models.DataSourceStatusPending,
		ConfigOverride: override,
	}
	if err := stk.st.CreateDataSource(ctx, ds); err != nil {
		return fmt.Errorf("registering data source: %w", err)
	}

	job := &models.Job{DataSourceID: ds.ID}
	if err := stk.st.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	payload := models.IngestTask{DataSourceID: ds.ID, JobID: job.ID}
	if _, err := stk.q.Enqueue(ctx, queue.TaskIngestDataSource, payload, 0, 3); err != nil {
		return fmt.Errorf("enqueueing ingest: %w", err)
	}

	fmt.Printf("\nQueued as data source %d, job %d.\n", ds.ID, job.ID)
	fmt.Println("Start 'sonarsweep worker' to begin processing.")
	return nil
}
