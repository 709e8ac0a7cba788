package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit executes git with args inside dir, returning combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// commitExists reports whether sha resolves to a commit object in dir.
func commitExists(ctx context.Context, dir, sha string) bool {
	_, err := runGit(ctx, dir, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// sanitizeSegment maps a name to a filesystem-safe path segment: anything
// outside [A-Za-z0-9_-] becomes an underscore.
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
