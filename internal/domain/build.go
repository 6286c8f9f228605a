package domain

import "time"

// Build statuses.
const (
	BuildStatusScheduled = "Scheduled"
	BuildStatusPreparing = "Preparing"
	BuildStatusRunning   = "Running"
	BuildStatusSuccess   = "Success"
	BuildStatusFailure   = "Failure"
)

// Build step statuses.
const (
	StepStatusPending = "Pending"
	StepStatusRunning = "Running"
	StepStatusSuccess = "Success"
	StepStatusFailure = "Failure"
	StepStatusSkipped = "Skipped"
)

// Build failure kinds surfaced to the owning team.
const (
	BuildErrorInstallationToken = "AppInstallationTokenUnavailable"
	BuildErrorInvalidManifest   = "InvalidManifest"
	BuildErrorInsufficientSpace = "InsufficientBuildSpace"
	BuildErrorNodeIncompatible  = "IncompatibleNodeVersion"
	BuildErrorPythonMismatch    = "IncompatiblePythonVersion"
	BuildErrorAppIncompatible   = "IncompatibleAppVersion"
	BuildErrorInvalidRelease    = "InvalidRelease"
)

// Build is a single (DeployCandidate, platform) build attempt.
type Build struct {
	ID            string
	TeamID        string
	CandidateID   string
	GroupID       string
	Platform      string
	Status        string
	NoCache       bool
	NoPush        bool
	NoBuild       bool
	BuildServerID string
	BuildToken    string
	ImageTag      string
	ImageDigest   string
	ImageSize     int64
	ErrorKind     string
	ErrorDetail   string
	Output        string
	ScheduledTime *time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	CreatedAt     time.Time
}

// Terminal reports whether the build reached a final state.
func (b Build) Terminal() bool {
	return b.Status == BuildStatusSuccess || b.Status == BuildStatusFailure
}

// BuildStep is one ordered step of a Build, mapped from a layer slug.
type BuildStep struct {
	ID        string
	BuildID   string
	Slug      string
	Stage     string
	App       string
	Name      string
	Status    string
	Cached    bool
	Duration  float64
	Output    string
	SortOrder int
}
