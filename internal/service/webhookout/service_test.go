package webhookout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/crypto"
)

const testSecretKey = "unit-test-key"

type webhookRepoStub struct {
	repository.WebhookRepository
	subscribers []domain.OutboundWebhook
	events      []domain.WebhookEvent
	statuses    map[string]string
	deliveries  []domain.WebhookDelivery
	created     []*domain.OutboundWebhook
}

func (s *webhookRepoStub) ListEnabledWebhooks(_ context.Context, teamID, event string) ([]domain.OutboundWebhook, error) {
	matched := make([]domain.OutboundWebhook, 0)
	for _, w := range s.subscribers {
		if w.TeamID == teamID && w.Enabled && w.Subscribed(event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (s *webhookRepoStub) CreateEvent(_ context.Context, event *domain.WebhookEvent) error {
	s.events = append(s.events, *event)
	return nil
}

func (s *webhookRepoStub) ListPendingEvents(_ context.Context, limit int) ([]domain.WebhookEvent, error) {
	if len(s.events) > limit {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func (s *webhookRepoStub) UpdateEventStatus(_ context.Context, eventID, status string) error {
	if s.statuses == nil {
		s.statuses = make(map[string]string)
	}
	s.statuses[eventID] = status
	return nil
}

func (s *webhookRepoStub) LogDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	s.deliveries = append(s.deliveries, *delivery)
	return nil
}

func (s *webhookRepoStub) CreateOutboundWebhook(_ context.Context, webhook *domain.OutboundWebhook) error {
	s.created = append(s.created, webhook)
	return nil
}

func newTestService(repo *webhookRepoStub) *Service {
	return New(repo, testSecretKey, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func subscriber(t *testing.T, teamID, url, secret string, events ...string) domain.OutboundWebhook {
	t.Helper()
	cipher, err := crypto.EncryptString(testSecretKey, secret)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	return domain.OutboundWebhook{
		ID:           "wh-" + url,
		TeamID:       teamID,
		URL:          url,
		SecretCipher: cipher,
		Enabled:      true,
		Events:       events,
	}
}

func queuedEvent(event, teamID string) domain.WebhookEvent {
	return domain.WebhookEvent{
		ID:            "evt-1",
		Event:         event,
		TeamID:        teamID,
		ReferenceType: "Site",
		ReferenceID:   "site-1",
		Payload:       []byte(`{"status":"Active"}`),
		Status:        domain.EventStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestDeliverZeroSubscribersSettlesSent(t *testing.T) {
	repo := &webhookRepoStub{events: []domain.WebhookEvent{queuedEvent(domain.EventSiteStatusUpdate, "team-1")}}
	svc := newTestService(repo)

	if err := svc.DeliverPending(context.Background(), 10); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := repo.statuses["evt-1"]; got != domain.EventStatusSent {
		t.Fatalf("no subscribers settles Sent, got %q", got)
	}
	if len(repo.deliveries) != 0 {
		t.Fatalf("no deliveries expected, got %d", len(repo.deliveries))
	}
}

func TestDeliverAllAcceptedSettlesSent(t *testing.T) {
	var gotSecret, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &webhookRepoStub{
		subscribers: []domain.OutboundWebhook{subscriber(t, "team-1", srv.URL, "hook-secret", domain.EventSiteStatusUpdate)},
		events:      []domain.WebhookEvent{queuedEvent(domain.EventSiteStatusUpdate, "team-1")},
	}
	svc := newTestService(repo)

	if err := svc.DeliverPending(context.Background(), 10); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := repo.statuses["evt-1"]; got != domain.EventStatusSent {
		t.Fatalf("expected Sent, got %q", got)
	}
	if gotSecret != "hook-secret" {
		t.Fatalf("subscriber receives its decrypted secret, got %q", gotSecret)
	}
	if gotType != "application/json" {
		t.Fatalf("unexpected content type %q", gotType)
	}
	if len(repo.deliveries) != 1 || repo.deliveries[0].ResponseCode != http.StatusOK {
		t.Fatalf("unexpected delivery log: %+v", repo.deliveries)
	}
}

func TestDeliverMixedSettlesPartiallySent(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	repo := &webhookRepoStub{
		subscribers: []domain.OutboundWebhook{
			subscriber(t, "team-1", ok.URL, "s1", domain.EventSiteStatusUpdate),
			subscriber(t, "team-1", bad.URL, "s2", domain.EventSiteStatusUpdate),
		},
		events: []domain.WebhookEvent{queuedEvent(domain.EventSiteStatusUpdate, "team-1")},
	}
	svc := newTestService(repo)

	if err := svc.DeliverPending(context.Background(), 10); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := repo.statuses["evt-1"]; got != domain.EventStatusPartiallySent {
		t.Fatalf("expected Partially Sent, got %q", got)
	}
	if len(repo.deliveries) != 2 {
		t.Fatalf("both attempts must be logged, got %d", len(repo.deliveries))
	}
}

func TestDeliverAllRejectedSettlesFailed(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	repo := &webhookRepoStub{
		subscribers: []domain.OutboundWebhook{subscriber(t, "team-1", bad.URL, "s1", domain.EventSiteStatusUpdate)},
		events:      []domain.WebhookEvent{queuedEvent(domain.EventSiteStatusUpdate, "team-1")},
	}
	svc := newTestService(repo)

	if err := svc.DeliverPending(context.Background(), 10); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := repo.statuses["evt-1"]; got != domain.EventStatusFailed {
		t.Fatalf("expected Failed, got %q", got)
	}
	if repo.deliveries[0].Error == "" {
		t.Fatal("rejected delivery must record an error")
	}
}

func TestSubscribeEncryptsSecretAtRest(t *testing.T) {
	repo := &webhookRepoStub{}
	svc := newTestService(repo)

	webhook, err := svc.Subscribe(context.Background(), "team-1", "https://example.com/hook", "raw-secret", []string{domain.EventDeployCompletion})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if string(webhook.SecretCipher) == "raw-secret" {
		t.Fatal("secret must not be stored in the clear")
	}
	plain, err := crypto.DecryptToString(testSecretKey, webhook.SecretCipher)
	if err != nil || plain != "raw-secret" {
		t.Fatalf("stored cipher must decrypt back: %q %v", plain, err)
	}
	if !webhook.Enabled || len(repo.created) != 1 {
		t.Fatalf("unexpected subscription state: %+v", webhook)
	}
}

func TestEmitQueuesPendingEvent(t *testing.T) {
	repo := &webhookRepoStub{}
	svc := newTestService(repo)

	err := svc.Emit(context.Background(), domain.EventSiteStatusUpdate, "team-1", "Site", "site-9", "Active", map[string]string{"status": "Active"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(repo.events) != 1 {
		t.Fatalf("expected one queued event, got %d", len(repo.events))
	}
	event := repo.events[0]
	if event.Status != domain.EventStatusPending || event.ReferenceID != "site-9" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestEmitStatusReachesSubscriber(t *testing.T) {
	var got struct {
		Status string `json:"status"`
		Detail struct {
			Bench string `json:"bench"`
		} `json:"detail"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode delivery body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := &webhookRepoStub{
		subscribers: []domain.OutboundWebhook{subscriber(t, "team-1", srv.URL, "s1", domain.EventSiteStatusUpdate)},
	}
	svc := newTestService(repo)

	err := svc.Emit(context.Background(), domain.EventSiteStatusUpdate, "team-1", "Site", "site-9",
		"Success", map[string]string{"bench": "bench-2"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := svc.DeliverPending(context.Background(), 10); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.Status != "Success" {
		t.Fatalf("the emitted status must reach the subscriber, got %q", got.Status)
	}
	if got.Detail.Bench != "bench-2" {
		t.Fatalf("the emitted detail must reach the subscriber, got %+v", got.Detail)
	}
}

func TestStatusFromPayload(t *testing.T) {
	if got := statusFromPayload([]byte(`{"status":"Success","extra":1}`)); got != "Success" {
		t.Fatalf("unexpected status %q", got)
	}
	if got := statusFromPayload([]byte(`not json`)); got != "" {
		t.Fatalf("malformed payload yields empty status, got %q", got)
	}
}
