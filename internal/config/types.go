package config

// Config is the root configuration structure for sonarsweep.
// Serialised to ~/.sonarsweep/config.json.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	Server    ServerConfig    `mapstructure:"server"    json:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"  json:"pipeline"`
	Sonar     SonarConfig     `mapstructure:"sonar"     json:"sonar"`
	GitHub    GitHubConfig    `mapstructure:"github"    json:"github"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"    json:"gitlab"`
	Storage   StorageConfig   `mapstructure:"storage"   json:"storage"`
	Exporter  ExporterConfig  `mapstructure:"exporter"  json:"exporter"`
	Webhook   WebhookConfig   `mapstructure:"webhook"   json:"webhook"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" json:"reconcile"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// ServerConfig controls the API daemon.
type ServerConfig struct {
	// Port is the HTTP port the daemon listens on (default: 6090).
	Port int `mapstructure:"port" json:"port"`
	// UploadDir is where uploaded CSV files are stored.
	UploadDir string `mapstructure:"upload_dir" json:"upload_dir"`
}

// PipelineConfig tunes task delivery and retry behaviour.
type PipelineConfig struct {
	// Workers is the number of parallel scan consumers per worker process.
	Workers int `mapstructure:"workers" json:"workers"`
	// ScanRetryLimit is how many times a commit scan is retried before it is
	// dead-lettered.
	ScanRetryLimit int `mapstructure:"scan_retry_limit" json:"scan_retry_limit"`
	// ExportRetryLimit is how many times a metrics export is retried.
	ExportRetryLimit int `mapstructure:"export_retry_limit" json:"export_retry_limit"`
	// RetryBackoffCapSeconds caps the exponential retry delay (default: 180).
	RetryBackoffCapSeconds int `mapstructure:"retry_backoff_cap_seconds" json:"retry_backoff_cap_seconds"`
	// AdmissionRetrySeconds is how long an ingest task waits before re-trying
	// admission when every backend instance is saturated (default: 60).
	AdmissionRetrySeconds int `mapstructure:"admission_retry_seconds" json:"admission_retry_seconds"`
	// VisibilityTimeoutSeconds is how long a reserved task stays invisible
	// before it is handed to another consumer (default: 3600; always
	// clamped above the scan timeout, see Config.QueueVisibility).
	VisibilityTimeoutSeconds int `mapstructure:"visibility_timeout_seconds" json:"visibility_timeout_seconds"`
	// FailFast aborts an ingestion at the first failed commit instead of
	// resuming past it.
	FailFast bool `mapstructure:"fail_fast" json:"fail_fast"`
	// ChunkSize is how many commits one ingest fan-out batch enqueues.
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`
}

// SonarConfig describes the analysis backend fleet.
type SonarConfig struct {
	// Instances lists the available backend instances in admission order.
	Instances []SonarInstance `mapstructure:"instances" json:"instances"`
	// InstancesFile optionally points at a YAML file describing the fleet;
	// entries from the file are appended to Instances.
	InstancesFile string `mapstructure:"instances_file" json:"instances_file"`
	// ScannerImage is the container image used to run analyses.
	ScannerImage string `mapstructure:"scanner_image" json:"scanner_image"`
	// ScanTimeoutMinutes bounds a single scanner invocation (default: 40).
	ScanTimeoutMinutes int `mapstructure:"scan_timeout_minutes" json:"scan_timeout_minutes"`
}

// SonarInstance is a single analysis backend.
type SonarInstance struct {
	Name  string `mapstructure:"name"  json:"name"  yaml:"name"`
	Host  string `mapstructure:"host"  json:"host"  yaml:"host"`
	Token string `mapstructure:"token" json:"token" yaml:"token"`
	// MaxConcurrent is the admission ceiling for this instance (default: 2).
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`
}

// GitHubConfig holds credentials for fork discovery and clone access.
type GitHubConfig struct {
	// Tokens is the pool rotated across API calls to spread rate limits.
	Tokens []string `mapstructure:"tokens" json:"tokens"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host" json:"host"`
	// ForkPages caps how many pages of forks discovery walks (default: 5).
	ForkPages int `mapstructure:"fork_pages" json:"fork_pages"`
	// ForkPerPage is the page size for fork listing (default: 100).
	ForkPerPage int `mapstructure:"fork_per_page" json:"fork_per_page"`
}

// GitLabConfig holds credentials for a GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// StorageConfig controls on-disk working state.
type StorageConfig struct {
	// WorkDir roots the per-(backend, project) clone and worktree layout.
	WorkDir string `mapstructure:"work_dir" json:"work_dir"`
	// MetricsDir holds the exported CSV files.
	MetricsDir string `mapstructure:"metrics_dir" json:"metrics_dir"`
	// CloneToken, when set, authenticates HTTPS clones of private repos.
	CloneToken string `mapstructure:"clone_token" json:"clone_token"`
	// LogDir holds the daemon log files.
	LogDir string `mapstructure:"log_dir" json:"log_dir"`
}

// ExporterConfig tunes metrics export.
type ExporterConfig struct {
	// MetricKeys are the measures fetched per component, in CSV column order.
	MetricKeys []string `mapstructure:"metric_keys" json:"metric_keys"`
	// ChunkSize is how many components one measures request covers (default: 25).
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`
}

// WebhookConfig secures the analysis-finished callback.
type WebhookConfig struct {
	// Secret validates X-Sonar-Secret or the HMAC signature header.
	Secret string `mapstructure:"secret" json:"secret"`
}

// ReconcileConfig tunes the stuck-work sweeper.
type ReconcileConfig struct {
	// Schedule is a cron spec (default: every 10 minutes).
	Schedule string `mapstructure:"schedule" json:"schedule"`
	// RunningStaleMinutes requeues runs stuck in running longer than this.
	RunningStaleMinutes int `mapstructure:"running_stale_minutes" json:"running_stale_minutes"`
	// PendingStaleMinutes requeues tasks stuck in pending longer than this.
	PendingStaleMinutes int `mapstructure:"pending_stale_minutes" json:"pending_stale_minutes"`
	// SweepLimit caps how many rows one sweep requeues.
	SweepLimit int `mapstructure:"sweep_limit" json:"sweep_limit"`
}
