package models

// DeadLetter reasons.
const (
	DeadLetterReasonScanFailed       = "scan-failed"
	DeadLetterReasonMissingFork      = "missing-fork"
	DeadLetterReasonProjectMissing   = "project-missing"
	DeadLetterReasonExportFailed     = "export-failed"
	DeadLetterReasonRetriesExhausted = "retries-exhausted"
	DeadLetterReasonInvalidPayload   = "invalid-payload"
)

// DeadLetter statuses.
const (
	DeadLetterStatusPending  = "pending"
	DeadLetterStatusQueued   = "queued"
	DeadLetterStatusResolved = "resolved"
)

// DeadLetter parks a commit task after exhausted retries or a non-retryable
// failure. Payload is the original CommitTask as JSON so an operator can
// requeue it untouched or with an edited config override. ForkSearch holds
// the JSON result of the last fork-discovery pass, if any.
type DeadLetter struct {
	ID             int64   `json:"id"              db:"id"`
	Payload        string  `json:"payload"         db:"payload"`
	Reason         string  `json:"reason"          db:"reason"`
	Status         string  `json:"status"          db:"status"` // pending|queued|resolved
	ConfigOverride string  `json:"config_override" db:"config_override"`
	ForkSearch     string  `json:"fork_search"     db:"fork_search"`
	Error          string  `json:"error"           db:"error_msg"`
	CreatedAt      string  `json:"created_at"      db:"created_at"`
	UpdatedAt      string  `json:"updated_at"      db:"updated_at"`
	ResolvedAt     *string `json:"resolved_at"     db:"resolved_at"`
}
