package sonarqube

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Runner executes the containerised scanner CLI against a prepared checkout.
type Runner struct {
	image   string
	timeout time.Duration
}

// NewRunner builds a Runner using the given scanner image. timeout bounds
// one scanner invocation.
func NewRunner(image string, timeout time.Duration) *Runner {
	if image == "" {
		image = "sonarsource/sonar-scanner-cli"
	}
	if timeout <= 0 {
		timeout = 40 * time.Minute
	}
	return &Runner{image: image, timeout: timeout}
}

// ScanSpec describes one scanner invocation.
type ScanSpec struct {
	// WorktreePath is the checkout to analyse, mounted into the container.
	WorktreePath string
	// ComponentKey registers the analysis under this project key.
	ComponentKey string
	// ProjectName is the human-readable project name shown in the backend.
	ProjectName string
	// Host and Token select and authenticate the backend instance.
	Host  string
	Token string
	// OverridePath optionally points at a properties file with extra
	// analysis settings.
	OverridePath string
	// LogPath, when set, receives the scanner's combined output.
	LogPath string
}

// Scan runs the scanner container and blocks until it finishes.
func (r *Runner) Scan(ctx context.Context, spec ScanSpec) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	kind := DetectProjectKind(spec.WorktreePath)

	args := []string{
		"run", "--rm",
		"--network", "host",
		"-v", spec.WorktreePath + ":/usr/src",
	}
	props := []string{
		"-Dsonar.projectKey=" + spec.ComponentKey,
		"-Dsonar.projectName=" + spec.ProjectName,
		"-Dsonar.sources=./",
		"-Dsonar.host.url=" + spec.Host,
		"-Dsonar.token=" + spec.Token,
		"-Dsonar.sourceEncoding=UTF-8",
		"-Dsonar.scm.exclusions.disabled=true",
		// Keep the java sensor from failing repos that ship .java sources
		// without build output.
		"-Dsonar.java.binaries=.",
	}
	if spec.OverridePath != "" {
		overrideName := filepath.Base(spec.OverridePath)
		args = append(args, "-v", spec.OverridePath+":/opt/overrides/"+overrideName+":ro")
		props = append(props, "-Dproject.settings=/opt/overrides/"+overrideName)
	}
	args = append(args, r.image)
	args = append(args, props...)

	slog.Info("Running scanner",
		"component", spec.ComponentKey,
		"host", spec.Host,
		"kind", kind,
		"image", r.image,
	)

	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()

	if spec.LogPath != "" {
		if werr := writeLog(spec.LogPath, out); werr != nil {
			slog.Warn("Failed to write scanner log", "path", spec.LogPath, "error", werr)
		}
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("scanner timed out after %s for %s", r.timeout, spec.ComponentKey)
		}
		return fmt.Errorf("scanner failed for %s: %w: %s",
			spec.ComponentKey, err, tail(out, 500))
	}
	return nil
}

func writeLog(path string, out []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func tail(out []byte, n int) string {
	if len(out) <= n {
		return string(out)
	}
	return "..." + string(out[len(out)-n:])
}
