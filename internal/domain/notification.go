package domain

import "time"

// Notification is a user-visible record of a terminal failure.
type Notification struct {
	ID            string
	TeamID        string
	ReferenceType string
	ReferenceID   string
	Kind          string
	Summary       string
	Traceback     string
	HelpURL       string
	Actionable    bool
	Addressed     bool
	CreatedAt     time.Time
}
