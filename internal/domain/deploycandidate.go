package domain

import "time"

// DeployCandidate statuses.
const (
	CandidateStatusDraft     = "Draft"
	CandidateStatusScheduled = "Scheduled"
	CandidateStatusRunning   = "Running"
	CandidateStatusSuccess   = "Success"
	CandidateStatusFailure   = "Failure"
)

// DeployCandidate is an immutable snapshot of a ReleaseGroup chosen for
// building: one AppRelease per app, plus the set of required platforms
// derived from the group's servers.
type DeployCandidate struct {
	ID            string
	TeamID        string
	GroupID       string
	Status        string
	Platforms     []string
	Apps          []DeployCandidateApp
	ScheduledTime *time.Time
	CreatedAt     time.Time
}

// DeployCandidateApp freezes the chosen release for one app.
type DeployCandidateApp struct {
	App        string
	SourceID   string
	ReleaseID  string
	Hash       string
	PullUpdate bool
}

// App returns the frozen entry for the named app.
func (c DeployCandidate) App(name string) (DeployCandidateApp, bool) {
	for _, a := range c.Apps {
		if a.App == name {
			return a, true
		}
	}
	return DeployCandidateApp{}, false
}
