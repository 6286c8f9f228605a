package domain

import "time"

// SiteUpdate statuses. Failure, Fatal and Recovered are terminal failures
// from the point of view of a waiting step; Success is terminal success.
const (
	UpdateStatusScheduled  = "Scheduled"
	UpdateStatusPending    = "Pending"
	UpdateStatusRunning    = "Running"
	UpdateStatusSuccess    = "Success"
	UpdateStatusFailure    = "Failure"
	UpdateStatusRecovering = "Recovering"
	UpdateStatusRecovered  = "Recovered"
	UpdateStatusFatal      = "Fatal"
)

// SiteUpdate moves a site between benches on the same server.
type SiteUpdate struct {
	ID            string
	TeamID        string
	SiteID        string
	SourceBenchID string
	DestBenchID   string
	Status        string
	SkipBackups   bool
	CreatedAt     time.Time
}

// SiteMigration statuses.
const (
	MigrationStatusScheduled = "Scheduled"
	MigrationStatusPending   = "Pending"
	MigrationStatusRunning   = "Running"
	MigrationStatusSuccess   = "Success"
	MigrationStatusFailure   = "Failure"
)

// SiteMigration moves a site across servers, possibly across clusters.
type SiteMigration struct {
	ID             string
	TeamID         string
	SiteID         string
	SourceBenchID  string
	DestBenchID    string
	SourceServerID string
	DestServerID   string
	Cluster        string
	Status         string
	CreatedAt      time.Time
}

// BenchUpdate statuses.
const (
	BenchUpdateStatusPending = "Pending"
	BenchUpdateStatusRunning = "Running"
	BenchUpdateStatusSuccess = "Success"
	BenchUpdateStatusFailure = "Failure"
)

// BenchUpdate tracks rolling site updates after a deploy, or an in-place
// image switch on a running bench.
type BenchUpdate struct {
	ID          string
	TeamID      string
	GroupID     string
	BenchID     string
	CandidateID string
	Status      string
	Inplace     bool
	ImageTag    string
	Attempt     int
	CreatedAt   time.Time
}

// TerminalSuccess reports whether status is the terminal success state of
// any of the specialized long-running records.
func TerminalSuccess(status string) bool {
	return status == UpdateStatusSuccess
}

// TerminalFailure reports whether status counts as a terminal failure for
// a step waiting on a sub-entity.
func TerminalFailure(status string) bool {
	switch status {
	case UpdateStatusFailure, UpdateStatusFatal, UpdateStatusRecovered:
		return true
	}
	return false
}
