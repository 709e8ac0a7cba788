package models

// CommitTask is the payload of one run_commit_scan queue task: a single
// commit of a single project to be scanned. Tasks are delivered at least
// once; consumers are idempotent on (ProjectKey, CommitSHA).
type CommitTask struct {
	ProjectKey     string `json:"project_key"`
	CommitSHA      string `json:"commit_sha"`
	RepoSlug       string `json:"repo_slug,omitempty"`
	RepoURL        string `json:"repo_url,omitempty"`
	Branch         string `json:"branch,omitempty"`
	ConfigOverride string `json:"config_override,omitempty"`
	SonarInstance  string `json:"sonar_instance,omitempty"`
	JobID          int64  `json:"job_id"`
	DataSourceID   int64  `json:"data_source_id"`
	RetryCount     int    `json:"retry_count"`
}

// ComponentKey is the identifier the commit is registered under in the
// analysis backend.
func (t *CommitTask) ComponentKey() string {
	return t.ProjectKey + "_" + t.CommitSHA
}

// IngestTask is the payload of one ingest_data_source queue task.
type IngestTask struct {
	DataSourceID int64 `json:"data_source_id"`
	JobID        int64 `json:"job_id"`
}

// ExportTask is the payload of one export_metrics queue task, enqueued when
// the backend reports a successful analysis for a commit.
type ExportTask struct {
	ProjectKey    string `json:"project_key"`
	CommitSHA     string `json:"commit_sha"`
	RepoSlug      string `json:"repo_slug,omitempty"`
	SonarInstance string `json:"sonar_instance,omitempty"`
	JobID         int64  `json:"job_id"`
	DataSourceID  int64  `json:"data_source_id"`
}

// ComponentKey is the identifier used to query measures for the commit.
func (t *ExportTask) ComponentKey() string {
	return t.ProjectKey + "_" + t.CommitSHA
}
