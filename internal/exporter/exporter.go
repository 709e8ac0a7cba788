// Package exporter pulls per-commit metrics from the analysis backend and
// appends them to per-project CSV files. Appends take an exclusive flock on
// the file so concurrent exporters interleave whole rows, never fragments.
package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sonarsweep/sonarsweep/internal/sonarqube"
	"github.com/sonarsweep/sonarsweep/internal/store"
	"github.com/sonarsweep/sonarsweep/models"
)

// ErrNoMeasures means the backend returned no values for the component.
// Usually the analysis has not been computed yet and a retry will succeed;
// the caller decides whether the component exists at all.
var ErrNoMeasures = errors.New("no measures returned")

// Exporter writes metric rows and records them in the outputs table.
type Exporter struct {
	store      *store.Store
	metricsDir string
	metricKeys []string
	chunkSize  int
}

// New builds an Exporter writing under metricsDir.
func New(st *store.Store, metricsDir string, metricKeys []string, chunkSize int) *Exporter {
	return &Exporter{
		store:      st,
		metricsDir: metricsDir,
		metricKeys: metricKeys,
		chunkSize:  chunkSize,
	}
}

// Export fetches the task's component measures from client and appends one
// row to the project's output CSV. dataSourceName names the directory level
// between project and job. Returns the output path.
func (e *Exporter) Export(ctx context.Context, client *sonarqube.Client, task *models.ExportTask, dataSourceName string) (string, error) {
	componentKey := task.ComponentKey()

	values, err := client.ComponentMeasures(ctx, componentKey, e.metricKeys, e.chunkSize)
	if err != nil {
		return "", err
	}
	if empty(values) {
		return "", fmt.Errorf("%w for %s", ErrNoMeasures, componentKey)
	}

	path := e.outputPath(task.ProjectKey, dataSourceName, task.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	row := make([]string, 0, 2+len(e.metricKeys))
	row = append(row, componentKey, task.CommitSHA)
	for _, key := range e.metricKeys {
		row = append(row, values[key])
	}

	records, err := e.appendRow(path, row)
	if err != nil {
		return "", err
	}

	metricsJSON, _ := json.Marshal(e.metricKeys)
	out := &models.Output{
		JobID:        task.JobID,
		DataSourceID: task.DataSourceID,
		Path:         path,
		ProjectKey:   task.ProjectKey,
		RepoName:     task.RepoSlug,
		Metrics:      string(metricsJSON),
		RecordCount:  records,
	}
	if err := e.store.UpsertOutput(ctx, out); err != nil {
		return "", fmt.Errorf("recording output: %w", err)
	}

	slog.Info("Exported metrics",
		"component", componentKey,
		"path", path,
		"records", records,
	)
	return path, nil
}

// outputPath builds exports/<project>/<data_source>/<job>_metrics.csv with
// every segment sanitized.
func (e *Exporter) outputPath(projectKey, dataSourceName string, jobID int64) string {
	return filepath.Join(
		e.metricsDir,
		sanitizeSegment(projectKey),
		sanitizeSegment(dataSourceName),
		fmt.Sprintf("%d_metrics.csv", jobID),
	)
}

// appendRow appends one CSV row under an exclusive flock, writing the
// header first when the file is empty. Returns the resulting data row count.
func (e *Exporter) appendRow(path string, row []string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking %s: %w", path, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		header := append([]string{"component_key", "commit_sha"}, e.metricKeys...)
		if err := w.Write(header); err != nil {
			return 0, fmt.Errorf("writing header to %s: %w", path, err)
		}
	}
	if err := w.Write(row); err != nil {
		return 0, fmt.Errorf("appending to %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}

	return countDataRows(f)
}

// countDataRows re-reads the file (still under the lock) and counts rows
// after the header. The stored record_count therefore always matches the
// file on disk, even if earlier appends came from another process.
func countDataRows(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	n := -1 // discount the header
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func empty(values map[string]string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}

// sanitizeSegment maps a name onto [A-Za-z0-9_-] so dataset names can never
// escape the export tree.
func sanitizeSegment(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
