package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sonarsweep",
	Short: "Historical commit analysis pipeline for SonarQube fleets",
	Long: `sonarsweep replays the commit history of mined software projects
through a fleet of SonarQube instances and exports the resulting
per-commit metrics as CSV datasets.

Get started:
  sonarsweep serve      Start the API daemon (uploads, webhook, triage)
  sonarsweep worker     Run the scan pipeline consumers
  sonarsweep ingest     Queue a build-history CSV from the command line
  sonarsweep forks      Inspect and resolve missing-fork dead letters
  sonarsweep config     Show or initialise the configuration
  sonarsweep doctor     Verify tools, credentials, and system health`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.sonarsweep/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		workerCmd,
		ingestCmd,
		forksCmd,
		configCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
