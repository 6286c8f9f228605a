package domain

import "time"

// AppRelease approval states.
const (
	ReleaseStatusDraft    = "Draft"
	ReleaseStatusApproved = "Approved"
	ReleaseStatusRejected = "Rejected"
	ReleaseStatusYanked   = "Yanked"
)

// AppSource is a pinned reference to an external source repository.
type AppSource struct {
	ID             string
	TeamID         string
	App            string
	RepoOwner      string
	RepoName       string
	RepoURL        string
	Branch         string
	Versions       []string
	InstallationID int64
	CreatedAt      time.Time
}

// AppRelease is an immutable (source, commit) pair observed on a source.
// ChangedFiles lists the paths touched since the previous release on the
// branch, as reported by the push event.
type AppRelease struct {
	ID           string
	SourceID     string
	App          string
	Hash         string
	Message      string
	Author       string
	Status       string
	CloneDir     string
	ChangedFiles []string
	Timestamp    time.Time
	CreatedAt    time.Time
}

// Valid reports whether the release may be used by a build.
func (r AppRelease) Valid() bool {
	return r.Hash != "" && r.Status != ReleaseStatusYanked && r.Status != ReleaseStatusRejected
}
