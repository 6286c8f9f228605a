// Package agentjob tracks the control plane's mirror of remote agent
// operations: submission, callbacks, polling and per-type follow-up hooks.
package agentjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/config"
)

// Hook runs after a job row transitions. Hooks receive the refreshed job
// and are keyed by job type; they advance the entity the job references.
type Hook func(ctx context.Context, job *domain.AgentJob) error

// Submit sends the request to the agent and returns the agent-assigned id.
type Submit func(ctx context.Context, client *agent.Client) (int64, error)

// Emitter queues outbound webhook events for tenant subscribers.
type Emitter interface {
	Emit(ctx context.Context, event, teamID, referenceType, referenceID, status string, detail any) error
}

// Tracker owns agent job rows and their transitions.
type Tracker struct {
	jobs    repository.AgentJobRepository
	servers repository.ServerRepository
	dialer  *agent.Dialer
	cfg     config.Config
	logger  *slog.Logger
	emitter Emitter

	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewTracker builds a tracker.
func NewTracker(jobs repository.AgentJobRepository, servers repository.ServerRepository, dialer *agent.Dialer, cfg config.Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		jobs:    jobs,
		servers: servers,
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger,
		hooks:   make(map[string]Hook),
	}
}

// OnUpdate registers the follow-up hook for a job type.
func (t *Tracker) OnUpdate(jobType string, hook Hook) {
	t.mu.Lock()
	t.hooks[jobType] = hook
	t.mu.Unlock()
}

// SetEventEmitter wires outbound webhook emission for terminal jobs. Set
// after construction.
func (t *Tracker) SetEventEmitter(emitter Emitter) {
	t.emitter = emitter
}

func (t *Tracker) emitTerminal(ctx context.Context, job *domain.AgentJob) {
	if t.emitter == nil || !job.Terminal() {
		return
	}
	detail := map[string]any{"job_type": job.JobType}
	if job.SiteID != "" {
		detail["site"] = job.SiteID
	}
	if job.BenchID != "" {
		detail["bench"] = job.BenchID
	}
	if err := t.emitter.Emit(ctx, domain.EventAgentJobCompletion, job.TeamID, "Agent Job", job.ID, job.Status, detail); err != nil {
		t.logger.Error("webhook emit failed", "job", job.ID, "error", err)
	}
}

// NewJob builds an unsaved job row in Undelivered status.
func (t *Tracker) NewJob(teamID, serverID, benchID, siteID, jobType, requestPath string, payload any) (*domain.AgentJob, error) {
	job := &domain.AgentJob{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		ServerID:    serverID,
		BenchID:     benchID,
		SiteID:      siteID,
		JobType:     jobType,
		Status:      domain.JobStatusUndelivered,
		RequestPath: requestPath,
		CreatedAt:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		job.RequestPayload = raw
	}
	return job, nil
}

// Dispatch persists the job and submits it to the server's agent. On
// success the agent id is bound and the job moves to Pending; a submission
// that exhausts its retry budget leaves the row in Delivery Failure.
func (t *Tracker) Dispatch(ctx context.Context, job *domain.AgentJob, submit Submit) error {
	if err := t.jobs.CreateJob(ctx, job); err != nil {
		return err
	}
	server, err := t.servers.GetServerByID(ctx, job.ServerID)
	if err != nil {
		return err
	}

	externalID, err := submit(ctx, t.dialer.For(server))
	if err != nil {
		t.logger.Error("agent job delivery failed", "job", job.ID, "type", job.JobType, "server", job.ServerID, "error", err)
		if failErr := t.transition(ctx, job.ID, domain.JobStatusDeliveryFailure, nil, ptrNow()); failErr != nil {
			return failErr
		}
		return fmt.Errorf("deliver agent job: %w", err)
	}

	now := time.Now().UTC()
	if err := t.servers.TouchServerContact(ctx, server.ID, now); err != nil {
		t.logger.Warn("record server contact failed", "server", server.ID, "error", err)
	}
	if err := t.jobs.SetJobExternalID(ctx, job.ID, externalID); err != nil {
		return err
	}
	job.ExternalID = externalID
	return t.transition(ctx, job.ID, domain.JobStatusPending, nil, nil)
}

// CallbackUpdate is the agent's progress report, delivered through the
// callback endpoint or pulled by the polling sweep.
type CallbackUpdate struct {
	ExternalID int64
	Status     string
	Steps      []agent.StepStatus
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// ApplyUpdate applies one progress report idempotently: steps are upserted
// by position, the status transition is guarded against terminal rows, and
// the job-type hook fires after the row settles. Replaying a report a
// second time leaves the row unchanged.
func (t *Tracker) ApplyUpdate(ctx context.Context, serverID string, update CallbackUpdate) error {
	job, err := t.jobs.FindJobByExternalID(ctx, serverID, update.ExternalID)
	if err != nil {
		return err
	}
	if err := t.servers.TouchServerContact(ctx, serverID, time.Now().UTC()); err != nil {
		t.logger.Warn("record server contact failed", "server", serverID, "error", err)
	}

	steps := make([]domain.AgentJobStep, 0, len(update.Steps))
	for i, step := range update.Steps {
		steps = append(steps, domain.AgentJobStep{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Name:      step.Name,
			Status:    step.Status,
			Output:    step.Output,
			Traceback: step.Traceback,
			StartedAt: step.Start,
			EndedAt:   step.End,
			SortOrder: i,
		})
	}
	if err := t.jobs.UpsertJobSteps(ctx, job.ID, steps); err != nil {
		return err
	}

	status := normalizeStatus(update.Status)
	if status == "" || status == job.Status {
		return nil
	}
	if err := t.transition(ctx, job.ID, status, update.StartedAt, update.EndedAt); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			// Replay of an already-settled report.
			return nil
		}
		return err
	}
	job.Status = status
	job.StartedAt = update.StartedAt
	job.EndedAt = update.EndedAt
	t.emitTerminal(ctx, job)
	return t.runHook(ctx, job)
}

// Poll fetches the current state of one non-terminal job directly from the
// agent. An unreachable server past the liveness window fails the job with
// Delivery Failure.
func (t *Tracker) Poll(ctx context.Context, job *domain.AgentJob) error {
	server, err := t.servers.GetServerByID(ctx, job.ServerID)
	if err != nil {
		return err
	}
	if job.ExternalID == 0 {
		// Never acknowledged; treat like a failed delivery.
		return t.failUnreachable(ctx, job, server)
	}

	status, err := t.dialer.For(server).FetchJob(ctx, job.ExternalID)
	if err != nil {
		if errors.Is(err, agent.ErrUnreachable) {
			return t.failUnreachable(ctx, job, server)
		}
		return err
	}
	return t.ApplyUpdate(ctx, server.ID, CallbackUpdate{
		ExternalID: status.ID,
		Status:     status.Status,
		Steps:      status.Steps,
		StartedAt:  status.Start,
		EndedAt:    status.End,
	})
}

// SweepStale polls every non-terminal job older than the minimum poll age.
func (t *Tracker) SweepStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-t.cfg.AgentPollMinimumAge)
	jobs, err := t.jobs.ListNonTerminalJobsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := t.Poll(ctx, &jobs[i]); err != nil {
			t.logger.Error("job poll failed", "job", jobs[i].ID, "error", err)
		}
	}
	return nil
}

func (t *Tracker) failUnreachable(ctx context.Context, job *domain.AgentJob, server *domain.Server) error {
	now := time.Now().UTC()
	if server.Reachable(now, t.cfg.AgentLivenessWindow) {
		// Inside the liveness window; give the agent more time.
		return nil
	}
	t.logger.Error("server unreachable past liveness window", "job", job.ID, "server", server.ID)
	if err := t.transition(ctx, job.ID, domain.JobStatusDeliveryFailure, nil, &now); err != nil {
		if errors.Is(err, repository.ErrTerminal) {
			return nil
		}
		return err
	}
	job.Status = domain.JobStatusDeliveryFailure
	job.EndedAt = &now
	t.emitTerminal(ctx, job)
	return t.runHook(ctx, job)
}

func (t *Tracker) transition(ctx context.Context, jobID, status string, startedAt, endedAt *time.Time) error {
	return t.jobs.UpdateJobStatus(ctx, jobID, status, startedAt, endedAt)
}

func (t *Tracker) runHook(ctx context.Context, job *domain.AgentJob) error {
	t.mu.RLock()
	hook, ok := t.hooks[job.JobType]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := hook(ctx, job); err != nil {
		t.logger.Error("job hook failed", "job", job.ID, "type", job.JobType, "error", err)
		return err
	}
	return nil
}

func normalizeStatus(status string) string {
	switch status {
	case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusSuccess, domain.JobStatusFailure:
		return status
	case "Undelivered", "":
		return ""
	default:
		return ""
	}
}

func ptrNow() *time.Time {
	now := time.Now().UTC()
	return &now
}
