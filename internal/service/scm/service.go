// Package scm processes stored source-code provider webhooks. Push events
// become AppRelease rows and may trigger an automatic deploy of the groups
// tracking the pushed branch.
package scm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/scm/github"
	"github.com/frappe/press-sub003/pkg/config"
)

// Deployer starts a build-and-deploy cycle for a release group.
type Deployer interface {
	StartDeploy(ctx context.Context, groupID string) (string, error)
}

// Service routes persisted inbound webhooks to handlers.
type Service struct {
	webhooks repository.WebhookRepository
	sources  repository.SourceRepository
	groups   repository.GroupRepository
	deployer Deployer
	cfg      config.Config
	logger   *slog.Logger
}

func New(
	webhooks repository.WebhookRepository,
	sources repository.SourceRepository,
	groups repository.GroupRepository,
	deployer Deployer,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		webhooks: webhooks,
		sources:  sources,
		groups:   groups,
		deployer: deployer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Ingest stores a verified webhook payload and returns its row id. Raw
// persistence happens before any processing so replay is always possible.
func (s *Service) Ingest(ctx context.Context, event string, signature string, payload []byte) (string, error) {
	hook := &domain.IncomingWebhook{
		ID:        uuid.NewString(),
		Event:     event,
		Signature: signature,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.webhooks.SaveIncoming(ctx, hook); err != nil {
		return "", err
	}
	return hook.ID, nil
}

// Process handles a stored webhook row. The row is marked processed with
// the handler's error, if any, so operators can replay after a fix.
func (s *Service) Process(ctx context.Context, hookID string) error {
	hook, err := s.webhooks.GetIncoming(ctx, hookID)
	if err != nil {
		return err
	}
	processErr := s.route(ctx, hook)
	detail := ""
	if processErr != nil {
		detail = processErr.Error()
	}
	if err := s.webhooks.MarkIncomingProcessed(ctx, hook.ID, detail); err != nil {
		return err
	}
	return processErr
}

// Replay re-processes a stored webhook row, regardless of earlier outcome.
func (s *Service) Replay(ctx context.Context, hookID string) error {
	return s.Process(ctx, hookID)
}

func (s *Service) route(ctx context.Context, hook *domain.IncomingWebhook) error {
	switch hook.Event {
	case "push":
		return s.handlePush(ctx, hook.Payload)
	case "ping":
		return nil
	}
	s.logger.Debug("ignoring webhook event", "event", hook.Event)
	return nil
}

// handlePush records a release for the pushed head commit on every source
// tracking that branch, then evaluates auto-deploy.
func (s *Service) handlePush(ctx context.Context, payload []byte) error {
	event, err := github.ParsePushEvent(payload)
	if err != nil {
		return err
	}
	branch, ok := branchFromRef(event.GetRef())
	if !ok {
		return nil
	}
	owner := event.GetRepo().GetOwner().GetName()
	if owner == "" {
		owner = event.GetRepo().GetOwner().GetLogin()
	}
	name := event.GetRepo().GetName()

	source, err := s.sources.FindSourceByRepo(ctx, owner, name, branch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("push for untracked repo", "owner", owner, "repo", name, "branch", branch)
			return nil
		}
		return err
	}

	head := event.GetHeadCommit()
	hash := head.GetID()
	if hash == "" {
		hash = event.GetAfter()
	}
	if hash == "" {
		return fmt.Errorf("push event for %s/%s has no head commit", owner, name)
	}

	release, err := s.recordRelease(ctx, source, hash, head.GetMessage(), head.GetAuthor().GetName(), changedFiles(event), head.GetTimestamp().Time)
	if err != nil {
		return err
	}
	return s.autoDeploy(ctx, source, release, head.GetMessage())
}

// changedFiles aggregates the paths touched across all commits in the push,
// deduplicated. The pull-update eligibility check runs on this set.
func changedFiles(event *github.PushEvent) []string {
	seen := make(map[string]bool)
	files := make([]string, 0)
	add := func(paths []string) {
		for _, p := range paths {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, commit := range event.Commits {
		add(commit.Added)
		add(commit.Modified)
		add(commit.Removed)
	}
	return files
}

// recordRelease creates the (source, hash) release if it is new.
func (s *Service) recordRelease(ctx context.Context, source *domain.AppSource, hash, message, author string, files []string, timestamp time.Time) (*domain.AppRelease, error) {
	if existing, err := s.sources.FindRelease(ctx, source.ID, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	release := &domain.AppRelease{
		ID:           uuid.NewString(),
		SourceID:     source.ID,
		App:          source.App,
		Hash:         hash,
		Message:      message,
		Author:       author,
		Status:       domain.ReleaseStatusApproved,
		ChangedFiles: files,
		Timestamp:    timestamp.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.sources.CreateRelease(ctx, release); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.sources.FindRelease(ctx, source.ID, hash)
		}
		return nil, err
	}
	s.logger.Info("release recorded", "source", source.ID, "app", source.App, "hash", hash)
	return release, nil
}

// autoDeploy starts deploys for groups tracking this source when either the
// group carries the auto-deploy tag or the commit message contains the
// deploy marker. A `<marker>-<group>` suffix restricts the marker to one
// group.
func (s *Service) autoDeploy(ctx context.Context, source *domain.AppSource, release *domain.AppRelease, commitMessage string) error {
	groups, err := s.groups.ListGroupsBySource(ctx, source.ID)
	if err != nil {
		return err
	}
	markered, markerGroup := deployMarker(commitMessage, s.cfg.DeployMarker)

	for i := range groups {
		group := &groups[i]
		switch {
		case group.AutoDeploy:
		case markered && (markerGroup == "" || markerGroup == group.ID):
		default:
			continue
		}
		candidateID, err := s.deployer.StartDeploy(ctx, group.ID)
		if err != nil {
			s.logger.Error("auto-deploy failed", "group", group.ID, "release", release.ID, "error", err)
			continue
		}
		s.logger.Info("auto-deploy started", "group", group.ID, "release", release.ID, "candidate", candidateID)
	}
	return nil
}

// deployMarker reports whether the commit message requests a deploy, and
// the optional group restriction.
func deployMarker(message, marker string) (bool, string) {
	if marker == "" {
		return false, ""
	}
	idx := strings.Index(message, marker)
	if idx < 0 {
		return false, ""
	}
	rest := message[idx+len(marker):]
	if strings.HasPrefix(rest, "-") {
		group := rest[1:]
		if cut := strings.IndexAny(group, " \t\n"); cut >= 0 {
			group = group[:cut]
		}
		return true, group
	}
	return true, ""
}

// branchFromRef extracts the branch name from a git ref. Tag pushes are
// ignored.
func branchFromRef(ref string) (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}
