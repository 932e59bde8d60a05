package model

import "time"

// Account status constants for the authentication lifecycle.
const (
	StatusPending       = "pending"
	StatusCodeRequested = "code_requested"
	StatusAuthenticated = "authenticated"
	StatusFailed        = "failed"
)

// Job status constants. Terminal statuses are write-once.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobStopped   = "stopped"
	JobFailed    = "failed"
)

// Account represents a messaging-platform identity managed by the engine.
// At most one account is active at any time; only the active account may run jobs.
type Account struct {
	ID          string `json:"id" db:"id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`
	Status      string `json:"status" db:"status"`
	IsActive    bool   `json:"is_active" db:"is_active"`
	// Credential is the opaque platform session token, set once the account
	// is authenticated. Never serialized to API clients.
	Credential string    `json:"-" db:"session_credential"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Job is one execution of the member-migration routine ("log" on the wire).
// Counters are monotonically non-decreasing while the job is running.
type Job struct {
	ID           string     `json:"id" db:"id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	SourceGroups []string   `json:"source_groups" db:"source_groups"`
	TargetGroup  string     `json:"target_group" db:"target_group"`
	DelayMin     int        `json:"delay_min" db:"delay_min"`
	DelayMax     int        `json:"delay_max" db:"delay_max"`
	MaxMembers   int        `json:"max_members" db:"max_members"`
	Status       string     `json:"status" db:"status"`
	MembersAdded int        `json:"members_added" db:"members_added"`
	Errors       int        `json:"errors" db:"errors"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Details      string     `json:"details,omitempty" db:"details"`
}

// Running reports whether the job has not reached a terminal status.
func (j *Job) Running() bool { return j.Status == JobRunning }

// MemberAttempt is the audit record for a single member-add attempt within a job.
type MemberAttempt struct {
	ID       string    `json:"id" db:"id"`
	JobID    string    `json:"log_id" db:"log_id"`
	MemberID string    `json:"member_id" db:"member_id"`
	Action   string    `json:"action" db:"action"`
	Success  bool      `json:"success" db:"success"`
	Error    string    `json:"error_message,omitempty" db:"error_message"`
	TS       time.Time `json:"timestamp" db:"ts"`
}

// StatSummary aggregates job outcomes over a time window.
type StatSummary struct {
	TotalRuns   int `json:"total_runs"`
	TotalAdded  int `json:"total_added"`
	TotalErrors int `json:"total_errors"`
}
