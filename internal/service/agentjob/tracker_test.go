package agentjob

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/config"
)

type jobRepoStub struct {
	repository.AgentJobRepository
	jobs  map[string]*domain.AgentJob
	steps map[string][]domain.AgentJobStep
}

func newJobRepoStub() *jobRepoStub {
	return &jobRepoStub{
		jobs:  make(map[string]*domain.AgentJob),
		steps: make(map[string][]domain.AgentJobStep),
	}
}

func (s *jobRepoStub) CreateJob(_ context.Context, job *domain.AgentJob) error {
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *jobRepoStub) FindJobByExternalID(_ context.Context, serverID string, externalID int64) (*domain.AgentJob, error) {
	for _, job := range s.jobs {
		if job.ServerID == serverID && job.ExternalID == externalID {
			clone := *job
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *jobRepoStub) UpdateJobStatus(_ context.Context, jobID, status string, startedAt, endedAt *time.Time) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Terminal() {
		return repository.ErrTerminal
	}
	job.Status = status
	if startedAt != nil {
		job.StartedAt = startedAt
	}
	if endedAt != nil {
		job.EndedAt = endedAt
	}
	return nil
}

func (s *jobRepoStub) UpsertJobSteps(_ context.Context, jobID string, steps []domain.AgentJobStep) error {
	s.steps[jobID] = append([]domain.AgentJobStep(nil), steps...)
	return nil
}

type serverRepoStub struct {
	repository.ServerRepository
	servers map[string]*domain.Server
	touched []string
}

func (s *serverRepoStub) GetServerByID(_ context.Context, serverID string) (*domain.Server, error) {
	server, ok := s.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return server, nil
}

func (s *serverRepoStub) TouchServerContact(_ context.Context, serverID string, _ time.Time) error {
	s.touched = append(s.touched, serverID)
	return nil
}

func newTestTracker(jobs *jobRepoStub, servers *serverRepoStub) *Tracker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := agent.NewDialer("secret", time.Second, time.Second, log)
	return NewTracker(jobs, servers, dialer, config.Config{}, log)
}

func seedJob(jobs *jobRepoStub, status string, externalID int64) *domain.AgentJob {
	job := &domain.AgentJob{
		ID:         "job-1",
		TeamID:     "team-1",
		ServerID:   "srv-1",
		BenchID:    "bench-1",
		JobType:    domain.JobTypeNewBench,
		Status:     status,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	clone := *job
	jobs.jobs[job.ID] = &clone
	return job
}

func TestNewJobMarshalsPayload(t *testing.T) {
	tracker := newTestTracker(newJobRepoStub(), &serverRepoStub{})
	job, err := tracker.NewJob("team-1", "srv-1", "bench-1", "", domain.JobTypeNewBench, "/benches", map[string]any{"name": "bench-1"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if job.Status != domain.JobStatusUndelivered {
		t.Fatalf("fresh jobs are Undelivered, got %q", job.Status)
	}
	if string(job.RequestPayload) != `{"name":"bench-1"}` {
		t.Fatalf("unexpected payload: %s", job.RequestPayload)
	}
}

func TestApplyUpdateTransitionsAndFiresHook(t *testing.T) {
	jobs := newJobRepoStub()
	servers := &serverRepoStub{}
	tracker := newTestTracker(jobs, servers)
	seedJob(jobs, domain.JobStatusPending, 42)

	var hooked *domain.AgentJob
	tracker.OnUpdate(domain.JobTypeNewBench, func(_ context.Context, job *domain.AgentJob) error {
		hooked = job
		return nil
	})

	end := time.Now().UTC()
	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     domain.JobStatusSuccess,
		Steps: []agent.StepStatus{
			{Name: "New Bench", Status: domain.StepStatusSuccess, Output: "done"},
		},
		EndedAt: &end,
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	if jobs.jobs["job-1"].Status != domain.JobStatusSuccess {
		t.Fatalf("job should be Success, got %q", jobs.jobs["job-1"].Status)
	}
	if hooked == nil || hooked.Status != domain.JobStatusSuccess {
		t.Fatalf("hook must fire with the settled job, got %+v", hooked)
	}
	if len(jobs.steps["job-1"]) != 1 || jobs.steps["job-1"][0].SortOrder != 0 {
		t.Fatalf("steps upserted by position: %+v", jobs.steps["job-1"])
	}
	if len(servers.touched) != 1 {
		t.Fatal("a callback proves the server is alive")
	}
}

type emitterStub struct {
	events []emittedEvent
}

type emittedEvent struct {
	Event       string
	TeamID      string
	ReferenceID string
	Status      string
	Detail      any
}

func (e *emitterStub) Emit(_ context.Context, event, teamID, _, referenceID, status string, detail any) error {
	e.events = append(e.events, emittedEvent{Event: event, TeamID: teamID, ReferenceID: referenceID, Status: status, Detail: detail})
	return nil
}

func TestTerminalJobEmitsCompletionEvent(t *testing.T) {
	jobs := newJobRepoStub()
	tracker := newTestTracker(jobs, &serverRepoStub{})
	seedJob(jobs, domain.JobStatusRunning, 42)

	emitter := &emitterStub{}
	tracker.SetEventEmitter(emitter)

	end := time.Now().UTC()
	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     domain.JobStatusSuccess,
		EndedAt:    &end,
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	if len(emitter.events) != 1 {
		t.Fatalf("terminal transition emits exactly one event, got %d", len(emitter.events))
	}
	got := emitter.events[0]
	if got.Event != domain.EventAgentJobCompletion || got.ReferenceID != "job-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.TeamID != "team-1" || got.Status != domain.JobStatusSuccess {
		t.Fatalf("event carries the job's team and status: %+v", got)
	}
	detail, ok := got.Detail.(map[string]any)
	if !ok || detail["job_type"] != domain.JobTypeNewBench || detail["bench"] != "bench-1" {
		t.Fatalf("unexpected detail: %+v", got.Detail)
	}
}

func TestNonTerminalUpdateDoesNotEmit(t *testing.T) {
	jobs := newJobRepoStub()
	tracker := newTestTracker(jobs, &serverRepoStub{})
	seedJob(jobs, domain.JobStatusPending, 42)

	emitter := &emitterStub{}
	tracker.SetEventEmitter(emitter)

	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     domain.JobStatusRunning,
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatalf("running is not terminal, got %d events", len(emitter.events))
	}
}

func TestApplyUpdateReplayOnTerminalJobIsNoop(t *testing.T) {
	jobs := newJobRepoStub()
	tracker := newTestTracker(jobs, &serverRepoStub{})
	seedJob(jobs, domain.JobStatusSuccess, 42)

	hookFired := false
	tracker.OnUpdate(domain.JobTypeNewBench, func(_ context.Context, _ *domain.AgentJob) error {
		hookFired = true
		return nil
	})

	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     domain.JobStatusFailure,
	})
	if err != nil {
		t.Fatalf("replay must swallow the terminal guard: %v", err)
	}
	if jobs.jobs["job-1"].Status != domain.JobStatusSuccess {
		t.Fatalf("terminal status must not move, got %q", jobs.jobs["job-1"].Status)
	}
	if hookFired {
		t.Fatal("replays must not re-fire hooks")
	}
}

func TestApplyUpdateSameStatusSkipsHook(t *testing.T) {
	jobs := newJobRepoStub()
	tracker := newTestTracker(jobs, &serverRepoStub{})
	seedJob(jobs, domain.JobStatusRunning, 42)

	hookFired := false
	tracker.OnUpdate(domain.JobTypeNewBench, func(_ context.Context, _ *domain.AgentJob) error {
		hookFired = true
		return nil
	})

	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     domain.JobStatusRunning,
		Steps:      []agent.StepStatus{{Name: "New Bench", Status: domain.StepStatusRunning}},
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if hookFired {
		t.Fatal("unchanged status must not fire the hook")
	}
	if len(jobs.steps["job-1"]) != 1 {
		t.Fatal("step progress is still recorded")
	}
}

func TestApplyUpdateIgnoresUnknownStatus(t *testing.T) {
	jobs := newJobRepoStub()
	tracker := newTestTracker(jobs, &serverRepoStub{})
	seedJob(jobs, domain.JobStatusPending, 42)

	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{
		ExternalID: 42,
		Status:     "Exploded",
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if jobs.jobs["job-1"].Status != domain.JobStatusPending {
		t.Fatalf("unknown statuses are dropped, got %q", jobs.jobs["job-1"].Status)
	}
}

func TestApplyUpdateUnknownExternalID(t *testing.T) {
	tracker := newTestTracker(newJobRepoStub(), &serverRepoStub{})
	err := tracker.ApplyUpdate(context.Background(), "srv-1", CallbackUpdate{ExternalID: 7})
	if err == nil {
		t.Fatal("callback for an unknown job must error")
	}
}
