// Package scheduler is the periodic sweep that finds scheduled or stuck
// work and enqueues its next step. Everything runs through the shared
// queue so each row is advanced by one worker at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/queue"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/agentjob"
	"github.com/frappe/press-sub003/internal/service/build"
	"github.com/frappe/press-sub003/internal/service/deploy"
	"github.com/frappe/press-sub003/internal/service/scm"
	"github.com/frappe/press-sub003/internal/service/siteaction"
	"github.com/frappe/press-sub003/internal/service/webhookout"
	"github.com/frappe/press-sub003/pkg/config"
)

// Queue routing. Build runs live on deploy.QueueBuilds.
const (
	QueueDefault   = "default"
	QueueAgent     = "agent"
	QueueScheduler = "scheduler"

	ActionAdvanceAction  = "action:advance"
	ActionSyncBench      = "bench:sync"
	ActionSweepJobs      = "jobs:sweep"
	ActionPollBuilds     = "build:poll-output"
	ActionFlushWebhooks  = "webhook:flush"
	ActionProcessWebhook = "webhook:process"
)

// Payloads for the queue actions above.
type (
	AdvanceActionPayload  struct{ ActionID string `json:"action_id"` }
	SyncBenchPayload      struct{ BenchID string `json:"bench_id"` }
	ProcessWebhookPayload struct{ HookID string `json:"hook_id"` }
)

const webhookFlushBatch = 100

// Scheduler owns the sweep and the worker handler table.
type Scheduler struct {
	queue   *queue.Queue
	actions repository.ActionRepository
	benches repository.BenchRepository
	jobs    repository.AgentJobRepository

	engine   *siteaction.Engine
	deploy   *deploy.Service
	trigger  *deploy.Trigger
	builder  *build.Service
	tracker  *agentjob.Tracker
	fanout   *webhookout.Service
	ingestor *scm.Service

	cfg    config.Config
	logger *slog.Logger
}

func New(
	q *queue.Queue,
	actions repository.ActionRepository,
	benches repository.BenchRepository,
	jobs repository.AgentJobRepository,
	engine *siteaction.Engine,
	deploySvc *deploy.Service,
	trigger *deploy.Trigger,
	builder *build.Service,
	tracker *agentjob.Tracker,
	fanout *webhookout.Service,
	ingestor *scm.Service,
	cfg config.Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		queue:    q,
		actions:  actions,
		benches:  benches,
		jobs:     jobs,
		engine:   engine,
		deploy:   deploySvc,
		trigger:  trigger,
		builder:  builder,
		tracker:  tracker,
		fanout:   fanout,
		ingestor: ingestor,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// RegisterHandlers installs the queue handlers the sweep enqueues work for.
func (s *Scheduler) RegisterHandlers(w *queue.Worker) {
	w.Register(ActionAdvanceAction, s.handleAdvanceAction)
	w.Register(ActionSyncBench, s.handleSyncBench)
	w.Register(ActionSweepJobs, s.handleSweepJobs)
	w.Register(ActionPollBuilds, s.handlePollBuilds)
	w.Register(ActionFlushWebhooks, s.handleFlushWebhooks)
	w.Register(ActionProcessWebhook, s.handleProcessWebhook)
	w.RegisterWithTimeout(deploy.ActionRunBuild, s.cfg.BuildJobTimeout, s.handleRunBuild)
}

// Run sweeps every interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Each enqueue is deduplicated per row, so overlapping
// sweeps from multiple scheduler processes are harmless.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.promoteDelayed(ctx, now)
	s.sweepActions(ctx, now)
	s.sweepStaleBenches(ctx, now)
	s.sweepDueBuilds(ctx)
	s.enqueueOne(ctx, QueueAgent, ActionSweepJobs, nil, ActionSweepJobs)
	s.enqueueOne(ctx, QueueAgent, ActionPollBuilds, nil, ActionPollBuilds)
	s.enqueueOne(ctx, QueueDefault, ActionFlushWebhooks, nil, ActionFlushWebhooks)
}

func (s *Scheduler) promoteDelayed(ctx context.Context, now time.Time) {
	for _, name := range []string{QueueDefault, QueueAgent, QueueScheduler, deploy.QueueBuilds} {
		if _, err := s.queue.PromoteDelayed(ctx, name, now); err != nil {
			s.logger.Error("promote delayed jobs failed", "queue", name, "error", err)
		}
	}
}

func (s *Scheduler) sweepActions(ctx context.Context, now time.Time) {
	actions, err := s.actions.ListRunnableActions(ctx, now)
	if err != nil {
		s.logger.Error("list runnable actions failed", "error", err)
		return
	}
	for i := range actions {
		payload := AdvanceActionPayload{ActionID: actions[i].ID}
		s.enqueueOne(ctx, QueueDefault, ActionAdvanceAction, payload, ActionAdvanceAction+":"+actions[i].ID)
	}
}

func (s *Scheduler) sweepStaleBenches(ctx context.Context, now time.Time) {
	benches, err := s.benches.ListStaleActiveBenches(ctx, now.Add(-s.cfg.BenchSyncMaxAge))
	if err != nil {
		s.logger.Error("list stale benches failed", "error", err)
		return
	}
	for i := range benches {
		payload := SyncBenchPayload{BenchID: benches[i].ID}
		s.enqueueOne(ctx, QueueAgent, ActionSyncBench, payload, ActionSyncBench+":"+benches[i].ID)
	}
}

func (s *Scheduler) sweepDueBuilds(ctx context.Context) {
	if err := s.builder.StartDue(ctx, func(buildID string) error {
		return s.trigger.EnqueueRun(ctx, buildID)
	}); err != nil {
		s.logger.Error("start due builds failed", "error", err)
	}
}

func (s *Scheduler) enqueueOne(ctx context.Context, queueName, action string, payload any, dedupKey string) {
	if _, err := s.queue.Enqueue(ctx, queueName, action, payload, dedupKey, s.cfg.JobTimeout); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return
		}
		s.logger.Error("enqueue failed", "action", action, "error", err)
	}
}

// Handlers.

func (s *Scheduler) handleAdvanceAction(ctx context.Context, raw json.RawMessage) error {
	var payload AdvanceActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return s.engine.Advance(ctx, payload.ActionID)
}

func (s *Scheduler) handleSyncBench(ctx context.Context, raw json.RawMessage) error {
	var payload SyncBenchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return s.deploy.SyncBench(ctx, payload.BenchID)
}

func (s *Scheduler) handleSweepJobs(ctx context.Context, _ json.RawMessage) error {
	return s.tracker.SweepStale(ctx)
}

func (s *Scheduler) handlePollBuilds(ctx context.Context, _ json.RawMessage) error {
	return s.builder.PollRunning(ctx)
}

func (s *Scheduler) handleFlushWebhooks(ctx context.Context, _ json.RawMessage) error {
	return s.fanout.DeliverPending(ctx, webhookFlushBatch)
}

func (s *Scheduler) handleProcessWebhook(ctx context.Context, raw json.RawMessage) error {
	var payload ProcessWebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return s.ingestor.Process(ctx, payload.HookID)
}

func (s *Scheduler) handleRunBuild(ctx context.Context, raw json.RawMessage) error {
	var payload deploy.RunBuildPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return s.builder.Run(ctx, payload.BuildID)
}

// EnqueueWebhookProcessing queues processing for a freshly ingested webhook
// row. Called from the HTTP handler after raw persistence.
func (s *Scheduler) EnqueueWebhookProcessing(ctx context.Context, hookID string) {
	payload := ProcessWebhookPayload{HookID: hookID}
	s.enqueueOne(ctx, QueueDefault, ActionProcessWebhook, payload, ActionProcessWebhook+":"+hookID)
}
