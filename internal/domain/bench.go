package domain

import (
	"encoding/json"
	"time"
)

// Bench statuses.
const (
	BenchStatusPending    = "Pending"
	BenchStatusInstalling = "Installing"
	BenchStatusActive     = "Active"
	BenchStatusArchived   = "Archived"
	BenchStatusBroken     = "Broken"
	BenchStatusUpdating   = "Updating"
)

// Bench is a deployed container on one Server realising one DeployCandidate.
type Bench struct {
	ID                   string
	TeamID               string
	GroupID              string
	CandidateID          string
	ServerID             string
	Status               string
	PortOffset           int
	ImageTag             string
	Config               json.RawMessage
	BenchConfig          json.RawMessage
	InplaceUpdateCount   int
	LastArchiveFailureAt *time.Time
	LastAgentSyncAt      *time.Time
	CreatedAt            time.Time
}

// Site statuses.
const (
	SiteStatusPending   = "Pending"
	SiteStatusActive    = "Active"
	SiteStatusSuspended = "Suspended"
	SiteStatusInactive  = "Inactive"
	SiteStatusBroken    = "Broken"
	SiteStatusArchived  = "Archived"
)

// Site is one tenant application instance hosted on one Bench.
type Site struct {
	ID        string
	TeamID    string
	BenchID   string
	GroupID   string
	ServerID  string
	Subdomain string
	Plan      string
	Status    string
	Apps      []string
	Config    json.RawMessage
	CreatedAt time.Time
}
