package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/sonarsweep/sonarsweep/internal/config"
	"github.com/sonarsweep/sonarsweep/internal/database"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify tools, credentials, and system health",
	Long: `Checks that git and docker are available, the database can be reached,
and every configured analysis backend instance answers its status
endpoint.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== sonarsweep doctor ===")
	fmt.Println()

	// Check database
	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		if err := db.Ping(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s)\n", db.Driver())
		}
		db.Close()
	}

	// Check git
	fmt.Print("git ...................... ")
	if p, err := exec.LookPath("git"); err != nil {
		fmt.Println("MISSING (required for clones and worktrees)")
		allOK = false
	} else {
		fmt.Printf("OK (%s)\n", p)
	}

	// Check docker
	fmt.Print("Docker ................... ")
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Println("MISSING (required to run the scanner container)")
		allOK = false
	} else {
		out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Output()
		if err != nil {
			fmt.Println("NOT RUNNING")
			allOK = false
		} else {
			fmt.Printf("OK (v%s)\n", strings.TrimSpace(string(out)))
		}
	}

	// Check fork discovery credentials
	fmt.Print("Fork discovery ........... ")
	switch {
	case len(cfg.GitHub.Tokens) > 0:
		fmt.Printf("OK (github, %d tokens)\n", len(cfg.GitHub.Tokens))
	case cfg.GitLab.Token != "":
		fmt.Println("OK (gitlab)")
	default:
		fmt.Println("WARN (no tokens — missing-fork recovery disabled)")
	}

	// Check backend instances
	fmt.Println()
	fmt.Println("Analysis backends:")
	if len(cfg.Sonar.Instances) == 0 {
		fmt.Println("  none configured")
		allOK = false
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for _, inst := range cfg.Sonar.Instances {
		fmt.Printf("  %-14s ... ", inst.Name)
		resp, err := client.Get(strings.TrimRight(inst.Host, "/") + "/api/system/status")
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("FAIL (HTTP %d)\n", resp.StatusCode)
			allOK = false
			continue
		}
		fmt.Printf("OK (%s, slots=%d)\n", inst.Host, inst.MaxConcurrent)
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed — sonarsweep is ready.")
	} else {
		fmt.Println("Some checks failed — fix the items above before processing datasets.")
	}
	return nil
}
