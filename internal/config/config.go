package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".sonarsweep"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".sonarsweep/sonarsweep.db"
	DefaultDataDir    = ".sonarsweep/data"
)

// Load reads the config file (creating it with defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("SONARSWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)

	if cfg.Sonar.InstancesFile != "" {
		extra, err := LoadInstancesFile(cfg.Sonar.InstancesFile)
		if err != nil {
			return nil, fmt.Errorf("loading instances file: %w", err)
		}
		cfg.Sonar.Instances = append(cfg.Sonar.Instances, extra...)
	}
	for i := range cfg.Sonar.Instances {
		if cfg.Sonar.Instances[i].MaxConcurrent <= 0 {
			cfg.Sonar.Instances[i].MaxConcurrent = 2
		}
	}

	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDirs creates the config directory and every working directory the
// pipeline writes into.
func EnsureDirs(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(home, DefaultConfigDir),
		cfg.Server.UploadDir,
		cfg.Storage.WorkDir,
		cfg.Storage.MetricsDir,
		cfg.Storage.LogDir,
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// Instance returns the named backend instance, or nil when unknown.
func (c *Config) Instance(name string) *SonarInstance {
	for i := range c.Sonar.Instances {
		if c.Sonar.Instances[i].Name == name {
			return &c.Sonar.Instances[i]
		}
	}
	return nil
}

// QueueVisibility returns the reservation window for the work queue. The
// window always exceeds the scan timeout: a reservation that lapses while
// its scan is still inside the timeout would hand the same commit to a
// second consumer, which then tears down the first one's worktree.
func (c *Config) QueueVisibility() time.Duration {
	vis := time.Duration(c.Pipeline.VisibilityTimeoutSeconds) * time.Second
	scan := time.Duration(c.Sonar.ScanTimeoutMinutes) * time.Minute
	if vis <= scan {
		vis = scan + 5*time.Minute
	}
	return vis
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	data := filepath.Join(home, DefaultDataDir)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.port", 6090)
	v.SetDefault("server.upload_dir", filepath.Join(data, "uploads"))

	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.scan_retry_limit", 3)
	v.SetDefault("pipeline.export_retry_limit", 5)
	v.SetDefault("pipeline.retry_backoff_cap_seconds", 180)
	v.SetDefault("pipeline.admission_retry_seconds", 60)
	v.SetDefault("pipeline.visibility_timeout_seconds", 3600)
	v.SetDefault("pipeline.fail_fast", false)
	v.SetDefault("pipeline.chunk_size", 200)

	v.SetDefault("sonar.scanner_image", "sonarsource/sonar-scanner-cli")
	v.SetDefault("sonar.scan_timeout_minutes", 40)

	v.SetDefault("github.host", "")
	v.SetDefault("github.fork_pages", 5)
	v.SetDefault("github.fork_per_page", 100)

	v.SetDefault("storage.work_dir", filepath.Join(data, "work"))
	v.SetDefault("storage.metrics_dir", filepath.Join(data, "exports"))
	v.SetDefault("storage.clone_token", "")
	v.SetDefault("storage.log_dir", filepath.Join(data, "logs"))

	v.SetDefault("exporter.metric_keys", []string{
		"ncloc", "complexity", "cognitive_complexity", "code_smells",
		"bugs", "vulnerabilities", "duplicated_lines_density",
		"comment_lines_density", "sqale_index",
	})
	v.SetDefault("exporter.chunk_size", 25)

	v.SetDefault("reconcile.schedule", "@every 10m")
	v.SetDefault("reconcile.running_stale_minutes", 15)
	v.SetDefault("reconcile.pending_stale_minutes", 30)
	v.SetDefault("reconcile.sweep_limit", 200)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Server.UploadDir = expandHome(cfg.Server.UploadDir, home)
	cfg.Sonar.InstancesFile = expandHome(cfg.Sonar.InstancesFile, home)
	cfg.Storage.WorkDir = expandHome(cfg.Storage.WorkDir, home)
	cfg.Storage.MetricsDir = expandHome(cfg.Storage.MetricsDir, home)
	cfg.Storage.LogDir = expandHome(cfg.Storage.LogDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
