package domain

import "time"

// SiteAction statuses.
const (
	ActionStatusScheduled = "Scheduled"
	ActionStatusRunning   = "Running"
	ActionStatusSuccess   = "Success"
	ActionStatusFailure   = "Failure"
	ActionStatusCancelled = "Cancelled"
)

// SiteAction step types, executed in this order.
const (
	StepTypeValidation  = "Validation"
	StepTypePreparation = "Preparation"
	StepTypeMain        = "Main"
	StepTypeCleanup     = "Cleanup"
)

// Known action types.
const (
	ActionMoveToPrivateBench = "Move Site to Private Bench"
	ActionMoveToRegion       = "Move Site to Different Region"
	ActionMoveToServer       = "Move Site to Different Server"
	ActionUpdateInPlace      = "Update Site In Place"
	ActionRecoverUpdate      = "Recover Site Update"
)

// SiteAction is a high-level user operation on a Site, run as ordered steps.
type SiteAction struct {
	ID               string
	TeamID           string
	SiteID           string
	ActionType       string
	Arguments        map[string]string
	Status           string
	CleanupCompleted bool
	ScheduledTime    *time.Time
	CreatedAt        time.Time
}

// Terminal reports whether the action stopped advancing non-cleanup steps.
func (a SiteAction) Terminal() bool {
	switch a.Status {
	case ActionStatusSuccess, ActionStatusFailure, ActionStatusCancelled:
		return true
	}
	return false
}

// SiteActionStep is one persisted step of a SiteAction.
type SiteActionStep struct {
	ID            string
	ActionID      string
	StepType      string
	Method        string
	Status        string
	Attempts      int
	ReferenceType string
	ReferenceID   string
	Traceback     string
	SortOrder     int
	StartedAt     *time.Time
	EndedAt       *time.Time
}
