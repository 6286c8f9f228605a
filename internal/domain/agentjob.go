package domain

import (
	"encoding/json"
	"time"
)

// AgentJob statuses. Success, Failure and Delivery Failure are terminal.
const (
	JobStatusUndelivered     = "Undelivered"
	JobStatusPending         = "Pending"
	JobStatusRunning         = "Running"
	JobStatusSuccess         = "Success"
	JobStatusFailure         = "Failure"
	JobStatusDeliveryFailure = "Delivery Failure"
)

// Well-known agent job types. The tracker keys post-processing hooks on these.
const (
	JobTypeNewBench             = "New Bench"
	JobTypeArchiveBench         = "Archive Bench"
	JobTypeUpdateSiteMigrate    = "Update Site Migrate"
	JobTypeUpdateSitePull       = "Update Site Pull"
	JobTypeMoveSite             = "Move Site"
	JobTypeUpdateBenchInPlace   = "Update Bench In Place"
	JobTypeRecoverUpdateInPlace = "Recover Update In Place"
	JobTypeSyncBench            = "Sync Bench"
)

// AgentJob mirrors one remote-agent operation request.
type AgentJob struct {
	ID             string
	TeamID         string
	ServerID       string
	BenchID        string
	SiteID         string
	JobType        string
	Status         string
	RequestPath    string
	RequestPayload json.RawMessage
	ExternalID     int64
	ReferenceType  string
	ReferenceID    string
	StartedAt      *time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
}

// Terminal reports whether the job reached a final state. Terminal jobs
// reject further status transitions.
func (j AgentJob) Terminal() bool {
	switch j.Status {
	case JobStatusSuccess, JobStatusFailure, JobStatusDeliveryFailure:
		return true
	}
	return false
}

// AgentJobStep is one step of an AgentJob reported by the agent.
type AgentJobStep struct {
	ID        string
	JobID     string
	Name      string
	Status    string
	Output    string
	Traceback string
	StartedAt *time.Time
	EndedAt   *time.Time
	SortOrder int
}
