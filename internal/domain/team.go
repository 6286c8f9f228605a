package domain

import "time"

// Team is the tenant identity owning release groups, sites and app sources.
type Team struct {
	ID            string
	Name          string
	Enabled       bool
	BillingStatus string
	CreatedAt     time.Time
}

// TeamMember links a user to a team with a role.
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// User represents a platform account.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
