package notification

import (
	"context"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

type notificationRepoStub struct {
	created     []*domain.Notification
	unaddressed map[string]bool
	addressed   []string
}

func (s *notificationRepoStub) CreateNotification(_ context.Context, notification *domain.Notification) error {
	s.created = append(s.created, notification)
	return nil
}

func (s *notificationRepoStub) GetNotificationByID(_ context.Context, notificationID string) (*domain.Notification, error) {
	for _, n := range s.created {
		if n.ID == notificationID {
			return n, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *notificationRepoStub) HasUnaddressed(_ context.Context, teamID, kind string) (bool, error) {
	return s.unaddressed[teamID+"/"+kind], nil
}

func (s *notificationRepoStub) MarkAddressed(_ context.Context, notificationID string) error {
	s.addressed = append(s.addressed, notificationID)
	return nil
}

func newTestService(repo *notificationRepoStub) *Service {
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifyFailureUsesTemplateForKnownKind(t *testing.T) {
	repo := &notificationRepoStub{}
	svc := newTestService(repo)

	err := svc.NotifyFailure(context.Background(), "team-1", "Build", "build-1",
		domain.BuildErrorNodeIncompatible, "app requires node >=20, group pins 18.19.0")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one notification, got %d", len(repo.created))
	}
	n := repo.created[0]
	if n.Summary == n.Traceback {
		t.Fatal("known kinds render the hand-authored summary, not the raw detail")
	}
	if n.HelpURL == "" || !n.Actionable {
		t.Fatalf("template fields missing: %+v", n)
	}
	if n.Traceback != "app requires node >=20, group pins 18.19.0" {
		t.Fatalf("raw detail must survive in the traceback: %q", n.Traceback)
	}
}

func TestNotifyFailureFingerprintsDetailPrefix(t *testing.T) {
	repo := &notificationRepoStub{}
	svc := newTestService(repo)

	// Validation errors arrive as "<kind> (<app>): <detail>" under a
	// generic notification kind; the prefix selects the template.
	detail := domain.BuildErrorPythonMismatch + " (reports): app requires python >=3.11, group pins 3.10.2"
	if err := svc.NotifyFailure(context.Background(), "team-1", "Build", "build-2", "Build Failure", detail); err != nil {
		t.Fatalf("notify: %v", err)
	}
	n := repo.created[0]
	if n.HelpURL != templates[domain.BuildErrorPythonMismatch].HelpURL {
		t.Fatalf("detail prefix should pick the python template, got %q", n.HelpURL)
	}
	if n.Kind != "Build Failure" {
		t.Fatalf("the stored kind stays as reported: %q", n.Kind)
	}
}

func TestNotifyFailureUnknownKindKeepsDetail(t *testing.T) {
	repo := &notificationRepoStub{}
	svc := newTestService(repo)

	if err := svc.NotifyFailure(context.Background(), "team-1", "Site Action", "act-1", "Site Action Failure", "step move_site failed: agent timeout"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	n := repo.created[0]
	if n.Summary != "step move_site failed: agent timeout" {
		t.Fatalf("unknown kinds fall through with the raw detail, got %q", n.Summary)
	}
	if n.HelpURL != "" {
		t.Fatalf("no help link for unknown kinds, got %q", n.HelpURL)
	}
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		detail string
		kind   string
		want   string
	}{
		{domain.BuildErrorInvalidManifest + " (shop): bad yaml", "Build Failure", domain.BuildErrorInvalidManifest},
		{domain.BuildErrorInsufficientSpace + ": 2GB needed", "Build Failure", domain.BuildErrorInsufficientSpace},
		{"something else entirely", "Build Failure", "Build Failure"},
		{"prefix without colon " + domain.BuildErrorInvalidRelease, "Build Failure", "Build Failure"},
	}
	for _, tc := range cases {
		if got := fingerprint(tc.detail, tc.kind); got != tc.want {
			t.Fatalf("fingerprint(%q, %q) = %q, want %q", tc.detail, tc.kind, got, tc.want)
		}
	}
}

func TestGatingQueries(t *testing.T) {
	repo := &notificationRepoStub{
		created:     []*domain.Notification{{ID: "ntf-1", TeamID: "team-1"}},
		unaddressed: map[string]bool{"team-1/Build Failure": true},
	}
	svc := newTestService(repo)

	gated, err := svc.HasUnaddressed(context.Background(), "team-1", "Build Failure")
	if err != nil || !gated {
		t.Fatalf("expected gated, got %v %v", gated, err)
	}
	if err := svc.MarkAddressed(context.Background(), "team-1", "ntf-1"); err != nil {
		t.Fatalf("mark addressed: %v", err)
	}
	if len(repo.addressed) != 1 || repo.addressed[0] != "ntf-1" {
		t.Fatalf("unexpected addressed log: %v", repo.addressed)
	}
}

func TestMarkAddressedEnforcesTeamOwnership(t *testing.T) {
	repo := &notificationRepoStub{
		created: []*domain.Notification{{ID: "ntf-1", TeamID: "team-1"}},
	}
	svc := newTestService(repo)

	err := svc.MarkAddressed(context.Background(), "team-2", "ntf-1")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("another team's notification must read as not found, got %v", err)
	}
	if len(repo.addressed) != 0 {
		t.Fatalf("notification was addressed across teams: %v", repo.addressed)
	}

	if err := svc.MarkAddressed(context.Background(), "team-1", "ntf-1"); err != nil {
		t.Fatalf("owner mark addressed: %v", err)
	}
	if len(repo.addressed) != 1 {
		t.Fatalf("owner should address the notification: %v", repo.addressed)
	}
}
