// Package webhookout fans queued events out to tenant-configured HTTP
// endpoints. Delivery is best effort; subscribers replay missed events
// themselves.
package webhookout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/crypto"
)

// Service queues and delivers outbound webhook events.
type Service struct {
	webhooks   repository.WebhookRepository
	secretKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(webhooks repository.WebhookRepository, secretKey string, timeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		webhooks:   webhooks,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// payload is the body subscribers receive.
type payload struct {
	Event        string          `json:"event"`
	Team         string          `json:"team"`
	DocumentName string          `json:"document_name"`
	Status       string          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	Detail       json.RawMessage `json:"detail,omitempty"`
}

// envelope is the stored event payload: the transition status plus the
// emitter's free-form detail.
type envelope struct {
	Status string          `json:"status,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Emit queues one event for fan-out. The scheduler delivers it.
func (s *Service) Emit(ctx context.Context, event, teamID, referenceType, referenceID, status string, detail any) error {
	var detailBody json.RawMessage
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		detailBody = raw
	}
	body, err := json.Marshal(envelope{Status: status, Detail: detailBody})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return s.webhooks.CreateEvent(ctx, &domain.WebhookEvent{
		ID:            uuid.NewString(),
		Event:         event,
		TeamID:        teamID,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Payload:       body,
		Status:        domain.EventStatusPending,
		CreatedAt:     time.Now().UTC(),
	})
}

// Subscribe registers a tenant endpoint. The endpoint secret is encrypted
// at rest.
func (s *Service) Subscribe(ctx context.Context, teamID, url, secret string, events []string) (*domain.OutboundWebhook, error) {
	cipher, err := crypto.EncryptString(s.secretKey, secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt webhook secret: %w", err)
	}
	webhook := &domain.OutboundWebhook{
		ID:           uuid.NewString(),
		TeamID:       teamID,
		URL:          url,
		SecretCipher: cipher,
		Enabled:      true,
		Events:       events,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.webhooks.CreateOutboundWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// DeliverPending fans out up to limit queued events.
func (s *Service) DeliverPending(ctx context.Context, limit int) error {
	events, err := s.webhooks.ListPendingEvents(ctx, limit)
	if err != nil {
		return err
	}
	for i := range events {
		if err := s.deliver(ctx, &events[i]); err != nil {
			s.logger.Error("webhook fan-out failed", "event", events[i].ID, "error", err)
		}
	}
	return nil
}

// deliver posts one event to every enabled subscriber and settles its
// status. Sent needs at least one 2xx, or zero subscribers; Partially Sent
// a mix; Failed when every subscriber rejected.
func (s *Service) deliver(ctx context.Context, event *domain.WebhookEvent) error {
	subscribers, err := s.webhooks.ListEnabledWebhooks(ctx, event.TeamID, event.Event)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return s.webhooks.UpdateEventStatus(ctx, event.ID, domain.EventStatusSent)
	}

	var env envelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		env.Detail = event.Payload
	}
	if env.Status == "" {
		env.Status = statusFromPayload(env.Detail)
	}
	body, err := json.Marshal(payload{
		Event:        event.Event,
		Team:         event.TeamID,
		DocumentName: event.ReferenceID,
		Status:       env.Status,
		Timestamp:    event.CreatedAt,
		Detail:       env.Detail,
	})
	if err != nil {
		return fmt.Errorf("marshal event body: %w", err)
	}

	accepted, rejected := 0, 0
	for i := range subscribers {
		if s.post(ctx, event, &subscribers[i], body) {
			accepted++
		} else {
			rejected++
		}
	}

	status := domain.EventStatusSent
	switch {
	case accepted == 0:
		status = domain.EventStatusFailed
	case rejected > 0:
		status = domain.EventStatusPartiallySent
	}
	return s.webhooks.UpdateEventStatus(ctx, event.ID, status)
}

// post attempts one delivery and logs the outcome. No retry.
func (s *Service) post(ctx context.Context, event *domain.WebhookEvent, subscriber *domain.OutboundWebhook, body []byte) bool {
	delivery := &domain.WebhookDelivery{
		EventID:   event.ID,
		WebhookID: subscriber.ID,
		CreatedAt: time.Now().UTC(),
	}
	ok := false
	if code, err := s.send(ctx, subscriber, body); err != nil {
		delivery.Error = err.Error()
		delivery.ResponseCode = code
	} else {
		delivery.ResponseCode = code
		ok = code >= 200 && code <= 299
		if !ok {
			delivery.Error = fmt.Sprintf("endpoint answered %d", code)
		}
	}
	if err := s.webhooks.LogDelivery(ctx, delivery); err != nil {
		s.logger.Error("log webhook delivery failed", "event", event.ID, "webhook", subscriber.ID, "error", err)
	}
	return ok
}

func (s *Service) send(ctx context.Context, subscriber *domain.OutboundWebhook, body []byte) (int, error) {
	secret, err := crypto.DecryptToString(s.secretKey, subscriber.SecretCipher)
	if err != nil {
		return 0, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriber.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", secret)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// statusFromPayload lifts a "status" field out of the detail when the
// emitter provided one.
func statusFromPayload(raw json.RawMessage) string {
	var peek struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Status
}
