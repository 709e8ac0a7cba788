package sonarqube

import (
	"os"
	"path/filepath"
	"strings"
)

// DetectProjectKind inspects a checkout and classifies it for scan tuning.
// Ruby projects are recognised by Gemfile/Rakefile/gemspec or any .rb file;
// everything else is scanned generically.
func DetectProjectKind(dir string) string {
	for _, marker := range []string{"Gemfile", "Rakefile"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return "ruby"
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.gemspec")); len(matches) > 0 {
		return "ruby"
	}

	found := false
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".rb") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if found {
		return "ruby"
	}
	return "generic"
}
