package deploy

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/queue"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/build"
)

// Queue routing for build execution.
const (
	QueueBuilds    = "build"
	ActionRunBuild = "build:run"
)

// RunBuildPayload is the queue payload for ActionRunBuild.
type RunBuildPayload struct {
	BuildID string `json:"build_id"`
}

// Trigger composes candidate creation, build planning and deployment into
// one entry point. Site actions and the API both start deploys through it.
type Trigger struct {
	deploy  *Service
	builder *build.Service
	builds  repository.BuildRepository
	queue   *queue.Queue
	logger  *slog.Logger
}

// NewTrigger wires the trigger and installs the build completion hook that
// deploys a candidate once every platform image is built.
func NewTrigger(deploy *Service, builder *build.Service, builds repository.BuildRepository, q *queue.Queue, logger *slog.Logger) *Trigger {
	t := &Trigger{
		deploy:  deploy,
		builder: builder,
		builds:  builds,
		queue:   q,
		logger:  logger.With("component", "deploy-trigger"),
	}
	builder.SetCompletionHook(t.onBuildSuccess)
	builder.SetFailureHook(t.onBuildFailure)
	return t
}

// StartDeploy creates a candidate for the group and plans its builds. The
// builds run asynchronously; the completion hook deploys the candidate when
// the last one succeeds.
func (t *Trigger) StartDeploy(ctx context.Context, groupID string) (string, error) {
	candidate, err := t.deploy.CreateCandidate(ctx, groupID)
	if err != nil {
		return "", err
	}
	if err := t.StartBuilds(ctx, candidate.ID, build.Options{}); err != nil {
		return "", err
	}
	return candidate.ID, nil
}

// StartBuilds plans builds for an existing candidate and enqueues the ones
// ready to run. Scheduled builds stay behind until StartDue picks them up.
func (t *Trigger) StartBuilds(ctx context.Context, candidateID string, opts build.Options) error {
	builds, err := t.builder.Plan(ctx, candidateID, opts)
	if err != nil {
		return err
	}
	for _, b := range builds {
		if b.Status != domain.BuildStatusPreparing {
			continue
		}
		if err := t.EnqueueRun(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueRun puts one build on the builds queue, deduplicated per build.
func (t *Trigger) EnqueueRun(ctx context.Context, buildID string) error {
	_, err := t.queue.Enqueue(ctx, QueueBuilds, ActionRunBuild, RunBuildPayload{BuildID: buildID}, ActionRunBuild+":"+buildID, time.Hour)
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return err
	}
	return nil
}

// onBuildSuccess deploys the candidate once all of its builds are done.
func (t *Trigger) onBuildSuccess(ctx context.Context, b *domain.Build) error {
	siblings, err := t.builds.ListBuildsByCandidate(ctx, b.CandidateID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.Status != domain.BuildStatusSuccess {
			return nil
		}
	}
	t.logger.Info("all candidate builds succeeded, deploying", "candidate", b.CandidateID)
	return t.deploy.Deploy(ctx, b.CandidateID)
}

// onBuildFailure fails the candidate as soon as any of its builds fails, so
// actions waiting on the candidate settle instead of hanging.
func (t *Trigger) onBuildFailure(ctx context.Context, b *domain.Build) error {
	t.logger.Info("candidate build failed, failing candidate", "candidate", b.CandidateID, "build", b.ID)
	return t.deploy.FailCandidate(ctx, b.CandidateID)
}
