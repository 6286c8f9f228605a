// Package notification turns terminal failures into user-visible records.
// Well-known failure kinds get hand-authored summaries and help links; the
// rest fall through with the raw detail.
package notification

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

// template is a hand-authored rendering for a known failure fingerprint.
type template struct {
	Summary    string
	HelpURL    string
	Actionable bool
}

var templates = map[string]template{
	domain.BuildErrorInstallationToken: {
		Summary:    "We could not fetch an installation token for one of your apps. Reinstall the GitHub app on the repository and retry the deploy.",
		HelpURL:    "https://docs.press.dev/builds/github-app",
		Actionable: true,
	},
	domain.BuildErrorInvalidManifest: {
		Summary:    "An app in this deploy carries an invalid package or dependency manifest.",
		HelpURL:    "https://docs.press.dev/builds/manifests",
		Actionable: true,
	},
	domain.BuildErrorInsufficientSpace: {
		Summary:    "The build server does not have enough free disk for this image. Free up space or contact support to resize the volume.",
		HelpURL:    "https://docs.press.dev/builds/disk-space",
		Actionable: true,
	},
	domain.BuildErrorNodeIncompatible: {
		Summary:    "An app requires a Node version the release group does not provide.",
		HelpURL:    "https://docs.press.dev/builds/runtimes",
		Actionable: true,
	},
	domain.BuildErrorPythonMismatch: {
		Summary:    "An app requires a Python version the release group does not provide.",
		HelpURL:    "https://docs.press.dev/builds/runtimes",
		Actionable: true,
	},
	domain.BuildErrorAppIncompatible: {
		Summary:    "An app in this deploy requires another app or version that is missing from the release group.",
		HelpURL:    "https://docs.press.dev/builds/app-compatibility",
		Actionable: true,
	},
	domain.BuildErrorInvalidRelease: {
		Summary:    "A pinned app release could not be used for this deploy.",
		HelpURL:    "https://docs.press.dev/builds/releases",
		Actionable: true,
	},
}

// Service writes notifications and answers gating queries.
type Service struct {
	notifications repository.NotificationRepository
	logger        *slog.Logger
}

func New(notifications repository.NotificationRepository, logger *slog.Logger) *Service {
	return &Service{notifications: notifications, logger: logger}
}

// NotifyFailure records a failure against a team. The kind doubles as the
// fingerprint for both rendering and gating.
func (s *Service) NotifyFailure(ctx context.Context, teamID, referenceType, referenceID, kind, detail string) error {
	summary := detail
	helpURL := ""
	actionable := true
	if t, ok := templates[fingerprint(detail, kind)]; ok {
		summary = t.Summary
		helpURL = t.HelpURL
		actionable = t.Actionable
	}
	notification := &domain.Notification{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Kind:          kind,
		Summary:       summary,
		Traceback:     detail,
		HelpURL:       helpURL,
		Actionable:    actionable,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.notifications.CreateNotification(ctx, notification); err != nil {
		return err
	}
	s.logger.Info("notification created",
		"team", teamID, "kind", kind, "reference_type", referenceType, "reference", referenceID)
	return nil
}

// fingerprint picks the template key: the detail's leading error kind when
// it carries one, otherwise the notification kind itself.
func fingerprint(detail, kind string) string {
	head, _, found := strings.Cut(detail, ":")
	if found {
		head = strings.TrimSpace(head)
		if idx := strings.IndexByte(head, ' '); idx > 0 {
			head = head[:idx]
		}
		if _, ok := templates[head]; ok {
			return head
		}
	}
	return kind
}

// MarkAddressed clears a notification so gated operations can proceed.
// Notifications belonging to another team are reported as not found.
func (s *Service) MarkAddressed(ctx context.Context, teamID, notificationID string) error {
	notification, err := s.notifications.GetNotificationByID(ctx, notificationID)
	if err != nil {
		return err
	}
	if notification.TeamID != teamID {
		return repository.ErrNotFound
	}
	return s.notifications.MarkAddressed(ctx, notificationID)
}

// HasUnaddressed reports whether the team has an open notification of the
// given kind. Gating policies consult this before starting new work.
func (s *Service) HasUnaddressed(ctx context.Context, teamID, kind string) (bool, error) {
	return s.notifications.HasUnaddressed(ctx, teamID, kind)
}
