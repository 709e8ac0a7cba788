package models

// Job statuses.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job tracks one ingestion run over a data source. Executors mutate it
// concurrently: Processed and FailedCount only ever increase, and the job is
// terminal once Processed+FailedCount reaches Total.
type Job struct {
	ID            int64  `json:"id"             db:"id"`
	DataSourceID  int64  `json:"data_source_id" db:"data_source_id"`
	JobType       string `json:"job_type"       db:"job_type"`
	Status        string `json:"status"         db:"status"` // queued|running|succeeded|failed|cancelled
	Total         int    `json:"total"          db:"total"`
	Processed     int    `json:"processed"      db:"processed"`
	FailedCount   int    `json:"failed_count"   db:"failed_count"`
	CurrentCommit string `json:"current_commit" db:"current_commit"`
	SonarInstance string `json:"sonar_instance" db:"sonar_instance"`
	LastError     string `json:"last_error"     db:"last_error"`
	CreatedAt     string `json:"created_at"     db:"created_at"`
	UpdatedAt     string `json:"updated_at"     db:"updated_at"`
}

// Terminal reports whether every commit of the job has been accounted for.
func (j *Job) Terminal() bool {
	return j.Total > 0 && j.Processed+j.FailedCount >= j.Total
}
