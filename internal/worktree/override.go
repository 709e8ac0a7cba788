package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// EnsureOverrideConfig materialises a scanner properties override on disk,
// content-addressed so identical overrides share one file and a file is
// never rewritten once created. Returns the file path.
func EnsureOverrideConfig(configsDir, content string) (string, error) {
	sum := sha256.Sum256([]byte(content))
	path := filepath.Join(configsDir, "override_"+hex.EncodeToString(sum[:])+".properties")

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(configsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating configs directory: %w", err)
	}

	// Write via a temp file and rename so readers never see a partial file.
	tmp, err := os.CreateTemp(configsDir, "override_*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating override temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing override config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing override config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing override config: %w", err)
	}
	return path, nil
}
