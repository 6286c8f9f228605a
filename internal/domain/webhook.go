package domain

import (
	"encoding/json"
	"time"
)

// Outbound webhook event statuses.
const (
	EventStatusPending       = "Pending"
	EventStatusSent          = "Sent"
	EventStatusPartiallySent = "Partially Sent"
	EventStatusFailed        = "Failed"
)

// Outbound event taxonomy.
const (
	EventSiteStatusUpdate        = "Site Status Update"
	EventBenchStatusUpdate       = "Bench Status Update"
	EventSiteBackupCompletion    = "Site Backup Completion"
	EventSiteMigrationCompletion = "Site Migration Completion"
	EventDeployCompletion        = "Deploy Completion"
	EventAgentJobCompletion      = "Agent Job Completion"
)

// IncomingWebhook stores a raw inbound callback before processing.
type IncomingWebhook struct {
	ID           string
	Event        string
	Signature    string
	Payload      []byte
	Processed    bool
	ProcessError string
	CreatedAt    time.Time
}

// OutboundWebhook is a tenant-configured HTTP endpoint with subscribed events.
type OutboundWebhook struct {
	ID           string
	TeamID       string
	URL          string
	SecretCipher []byte
	Enabled      bool
	Events       []string
	CreatedAt    time.Time
}

// Subscribed reports whether the webhook listens for the given event.
func (w OutboundWebhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookEvent is a queued outbound event awaiting fan-out.
type WebhookEvent struct {
	ID            string
	Event         string
	TeamID        string
	ReferenceType string
	ReferenceID   string
	Payload       json.RawMessage
	Status        string
	CreatedAt     time.Time
}

// WebhookDelivery logs one delivery attempt to a subscriber endpoint.
type WebhookDelivery struct {
	ID           int64
	EventID      string
	WebhookID    string
	ResponseCode int
	Error        string
	CreatedAt    time.Time
}
