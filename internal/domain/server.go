package domain

import "time"

// Server lifecycle states.
const (
	ServerStatusProvisioned = "Provisioned"
	ServerStatusActive      = "Active"
	ServerStatusArchived    = "Archived"
)

// Supported CPU architectures.
const (
	PlatformAMD64 = "amd64"
	PlatformARM64 = "arm64"
)

// Server is a managed VM running a per-server agent.
type Server struct {
	ID             string
	TeamID         string
	Hostname       string
	PrivateIP      string
	Platform       string
	Cluster        string
	Public         bool
	Status         string
	AgentURL       string
	ScaledUp       bool
	AutoResizeDisk bool
	LastContactAt  *time.Time
	CreatedAt      time.Time
}

// Reachable reports whether the server has been contacted within the window.
func (s Server) Reachable(now time.Time, window time.Duration) bool {
	if s.LastContactAt == nil {
		return false
	}
	return now.Sub(*s.LastContactAt) <= window
}
