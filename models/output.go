package models

// Output describes one appended metrics CSV. Rows are unique per
// (job_id, path); RecordCount tracks how many data rows the file holds and
// only ever increases.
type Output struct {
	ID           int64  `json:"id"             db:"id"`
	JobID        int64  `json:"job_id"         db:"job_id"`
	DataSourceID int64  `json:"data_source_id" db:"data_source_id"`
	Path         string `json:"path"           db:"path"`
	ProjectKey   string `json:"project_key"    db:"project_key"`
	RepoName     string `json:"repo_name"      db:"repo_name"`
	// Metrics is the JSON-encoded list of metric keys in header order.
	Metrics     string `json:"metrics"      db:"metrics"`
	RecordCount int    `json:"record_count" db:"record_count"`
	CreatedAt   string `json:"created_at"   db:"created_at"`
	UpdatedAt   string `json:"updated_at"   db:"updated_at"`
}
