package models

// DataSource statuses.
const (
	DataSourceStatusPending    = "pending"
	DataSourceStatusProcessing = "processing"
	DataSourceStatusReady      = "ready"
	DataSourceStatusFailed     = "failed"
)

// DataSource is one uploaded build-history CSV plus its summary stats.
type DataSource struct {
	ID             int64  `json:"id"              db:"id"`
	Name           string `json:"name"            db:"name"`
	Filename       string `json:"filename"        db:"filename"`
	FilePath       string `json:"file_path"       db:"file_path"`
	Status         string `json:"status"          db:"status"` // pending|processing|ready|failed
	ProjectKey     string `json:"project_key"     db:"project_key"`
	TotalBuilds    int    `json:"total_builds"    db:"total_builds"`
	TotalCommits   int    `json:"total_commits"   db:"total_commits"`
	UniqueBranches int    `json:"unique_branches" db:"unique_branches"`
	UniqueRepos    int    `json:"unique_repos"    db:"unique_repos"`
	FirstCommit    string `json:"first_commit"    db:"first_commit"`
	LastCommit     string `json:"last_commit"     db:"last_commit"`
	// ConfigOverride is an optional sonar-project.properties body applied to
	// every commit of this data source.
	ConfigOverride string `json:"config_override" db:"config_override"`
	CreatedAt      string `json:"created_at"      db:"created_at"`
	UpdatedAt      string `json:"updated_at"      db:"updated_at"`
}
