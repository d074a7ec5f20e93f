package models

import (
	"time"
)

// Issue states as reported by GitHub
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// SyncState is the lifecycle state of a repository's last full sync
type SyncState string

const (
	SyncInProgress SyncState = "in_progress"
	SyncCompleted  SyncState = "completed"
	SyncFailed     SyncState = "failed"
)

// Issue is the mirrored form of a GitHub issue.
//
// ID is GitHub's immutable global id; (Repository, Number) is unique per repository.
// Assignee is the legacy single-assignee field and is distinct from Assignees.
type Issue struct {
	ID          int64
	Repository  string
	Number      int
	Title       string
	Body        string
	State       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	HTMLURL     string
	Assignee    *string
	Milestone   *string
	TimeToClose *int // hours, nil unless closed with a close timestamp

	Labels    []Label
	Assignees []string
}

// Label is owned by an issue and replaced wholesale on every reconciliation
type Label struct {
	Name  string
	Color string
}

// SyncStatus tracks the last full sync of a repository.
// It is a single-writer-per-repository record, not a lock.
type SyncStatus struct {
	Repository   string
	LastSync     time.Time
	Status       SyncState
	ErrorMessage *string
}

// MetricsSnapshot is one dated row of the per-repository metrics time series
type MetricsSnapshot struct {
	Repository     string
	Date           string // YYYY-MM-DD, UTC
	TotalIssues    int
	OpenIssues     int
	ClosedIssues   int
	AvgTimeToClose *float64 // hours, nil when no issue has a time to close
}

// IssueStats is the summary computed from the current mirror state
type IssueStats struct {
	TotalIssues      int
	OpenIssues       int
	ClosedIssues     int
	AvgTimeToClose   *float64
	OldestIssueDate  *time.Time
	LatestUpdateDate *time.Time
}

// LabelCount is a label and how many mirrored issues carry it
type LabelCount struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Count int    `json:"count"`
}

// AssigneeCount summarizes issue assignment for one user
type AssigneeCount struct {
	Username       string `json:"username"`
	AssignedIssues int    `json:"assigned_issues"`
	OpenAssigned   int    `json:"open_assigned"`
	ClosedAssigned int    `json:"closed_assigned"`
}

// BucketCount is a time-to-close histogram bucket
type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// DayCount is a per-calendar-day count
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
