package models

// SonarRun statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSubmitted = "submitted"
	RunStatusSkipped   = "skipped"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// SonarRun records the lifecycle of one commit's analysis on a backend
// instance. At most one row exists per (data_source_id, project_key,
// commit_sha); the component key carries the secondary index used by the
// webhook receiver.
type SonarRun struct {
	ID            int64   `json:"id"             db:"id"`
	DataSourceID  int64   `json:"data_source_id" db:"data_source_id"`
	JobID         int64   `json:"job_id"         db:"job_id"`
	ProjectKey    string  `json:"project_key"    db:"project_key"`
	CommitSHA     string  `json:"commit_sha"     db:"commit_sha"`
	ComponentKey  string  `json:"component_key"  db:"component_key"`
	Status        string  `json:"status"         db:"status"` // running|submitted|skipped|succeeded|failed
	SonarInstance string  `json:"sonar_instance" db:"sonar_instance"`
	SonarHost     string  `json:"sonar_host"     db:"sonar_host"`
	AnalysisID    string  `json:"analysis_id"    db:"analysis_id"`
	MetricsPath   string  `json:"metrics_path"   db:"metrics_path"`
	LogRef        string  `json:"log_ref"        db:"log_ref"`
	Message       string  `json:"message"        db:"message"`
	StartedAt     string  `json:"started_at"     db:"started_at"`
	FinishedAt    *string `json:"finished_at"    db:"finished_at"`
	UpdatedAt     string  `json:"updated_at"     db:"updated_at"`
}

// TerminalRunStatus reports whether a run status needs no further work.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}
