package siteaction

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

type actionRepoStub struct {
	actions map[string]*domain.SiteAction
	steps   map[string][]domain.SiteActionStep
}

func newActionRepoStub() *actionRepoStub {
	return &actionRepoStub{
		actions: make(map[string]*domain.SiteAction),
		steps:   make(map[string][]domain.SiteActionStep),
	}
}

func (s *actionRepoStub) CreateAction(_ context.Context, action *domain.SiteAction, steps []domain.SiteActionStep) error {
	for _, existing := range s.actions {
		if existing.SiteID == action.SiteID && existing.ActionType == action.ActionType && !existing.Terminal() {
			return repository.ErrConflict
		}
	}
	clone := *action
	s.actions[action.ID] = &clone
	s.steps[action.ID] = append([]domain.SiteActionStep(nil), steps...)
	return nil
}

func (s *actionRepoStub) GetActionByID(_ context.Context, actionID string) (*domain.SiteAction, error) {
	action, ok := s.actions[actionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *action
	return &clone, nil
}

func (s *actionRepoStub) ListActionSteps(_ context.Context, actionID string) ([]domain.SiteActionStep, error) {
	return append([]domain.SiteActionStep(nil), s.steps[actionID]...), nil
}

func (s *actionRepoStub) UpdateActionStatus(_ context.Context, actionID, status string) error {
	action, ok := s.actions[actionID]
	if !ok {
		return repository.ErrNotFound
	}
	action.Status = status
	return nil
}

func (s *actionRepoStub) SetCleanupCompleted(_ context.Context, actionID string) error {
	action, ok := s.actions[actionID]
	if !ok {
		return repository.ErrNotFound
	}
	action.CleanupCompleted = true
	return nil
}

func (s *actionRepoStub) UpdateActionStep(_ context.Context, step *domain.SiteActionStep) error {
	steps := s.steps[step.ActionID]
	for i := range steps {
		if steps[i].ID == step.ID {
			steps[i] = *step
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *actionRepoStub) ListRunnableActions(_ context.Context, now time.Time) ([]domain.SiteAction, error) {
	runnable := make([]domain.SiteAction, 0)
	for _, action := range s.actions {
		if action.Status == domain.ActionStatusCancelled && !action.CleanupCompleted {
			runnable = append(runnable, *action)
			continue
		}
		if action.Terminal() {
			continue
		}
		if action.ScheduledTime != nil && action.ScheduledTime.After(now) {
			continue
		}
		runnable = append(runnable, *action)
	}
	return runnable, nil
}

type siteRepoStub struct {
	repository.SiteRepository
	sites map[string]*domain.Site
}

func (s *siteRepoStub) GetSiteByID(_ context.Context, siteID string) (*domain.Site, error) {
	site, ok := s.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *site
	return &clone, nil
}

type refsStub struct {
	statuses map[string]string
	err      error
}

func (s *refsStub) Status(_ context.Context, referenceType, referenceID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	status, ok := s.statuses[referenceType+"/"+referenceID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return status, nil
}

type notifierStub struct {
	failures []string
}

func (s *notifierStub) NotifyFailure(_ context.Context, _, _, _, _, detail string) error {
	s.failures = append(s.failures, detail)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *actionRepoStub, *notifierStub) {
	t.Helper()
	actions := newActionRepoStub()
	sites := &siteRepoStub{sites: map[string]*domain.Site{
		"site-1": {ID: "site-1", TeamID: "team-1", BenchID: "bench-1", Status: domain.SiteStatusActive},
	}}
	notifier := &notifierStub{}
	engine := NewEngine(actions, sites, &refsStub{}, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return engine, actions, notifier
}

func step(stepType, method string, fn StepFunc) Step {
	return Step{Type: stepType, Method: method, Fn: fn}
}

func TestCreateUnknownActionType(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Create(context.Background(), "team-1", "site-1", "Nonsense", nil, nil)
	if !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("unknown type must be invalid, got %v", err)
	}
}

func TestCreateRunsValidations(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	engine.Register("Checked",
		[]Validation{func(_ context.Context, _ *domain.Site, args map[string]string) error {
			if args["target"] == "" {
				return errors.New("target argument required")
			}
			return nil
		}},
		step(domain.StepTypeMain, "noop", func(_ context.Context, _ *Run) Result {
			return Result{Outcome: OutcomeSuccess}
		}),
	)

	_, err := engine.Create(context.Background(), "team-1", "site-1", "Checked", nil, nil)
	if !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("failed validation must reject, got %v", err)
	}

	action, err := engine.Create(context.Background(), "team-1", "site-1", "Checked", map[string]string{"target": "x"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if action.Status != domain.ActionStatusScheduled {
		t.Fatalf("new actions start Scheduled, got %q", action.Status)
	}
	steps := repo.steps[action.ID]
	if len(steps) != 1 || steps[0].Status != domain.StepStatusPending || steps[0].SortOrder != 0 {
		t.Fatalf("unexpected persisted steps: %+v", steps)
	}
}

func TestCreateRejectsDuplicateActiveAction(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.Register("Dup", nil, step(domain.StepTypeMain, "noop", func(_ context.Context, _ *Run) Result {
		return Result{Outcome: OutcomeRunning}
	}))

	if _, err := engine.Create(context.Background(), "team-1", "site-1", "Dup", nil, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := engine.Create(context.Background(), "team-1", "site-1", "Dup", nil, nil)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second active action of same type must conflict, got %v", err)
	}
}

func TestAdvanceRunsStepsInOrderThenCleanup(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	var order []string
	record := func(name string, outcome Outcome) StepFunc {
		return func(_ context.Context, _ *Run) Result {
			order = append(order, name)
			return Result{Outcome: outcome}
		}
	}
	engine.Register("Ordered", nil,
		step(domain.StepTypeValidation, "check", record("check", OutcomeSuccess)),
		step(domain.StepTypePreparation, "prepare", record("prepare", OutcomeSuccess)),
		step(domain.StepTypeMain, "apply", record("apply", OutcomeSuccess)),
		step(domain.StepTypeCleanup, "cleanup", record("cleanup", OutcomeSuccess)),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Ordered", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	want := []string{"check", "prepare", "apply", "cleanup"}
	if len(order) != len(want) {
		t.Fatalf("unexpected execution order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("step %d = %q, want %q", i, order[i], want[i])
		}
	}
	final := repo.actions[action.ID]
	if final.Status != domain.ActionStatusSuccess || !final.CleanupCompleted {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

func TestAdvanceBlocksOnRunningStep(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	attempts := 0
	engine.Register("Waiting", nil,
		step(domain.StepTypeMain, "spawn", func(_ context.Context, run *Run) Result {
			attempts++
			if attempts == 1 {
				return Result{Outcome: OutcomeRunning, ReferenceType: "Site Update", ReferenceID: "upd-1"}
			}
			if run.Step.ReferenceID != "upd-1" {
				t.Fatalf("re-entry must see the bound reference, got %q", run.Step.ReferenceID)
			}
			return Result{Outcome: OutcomeSuccess}
		}),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Waiting", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if repo.actions[action.ID].Status != domain.ActionStatusRunning {
		t.Fatalf("blocked action stays Running, got %q", repo.actions[action.ID].Status)
	}
	steps := repo.steps[action.ID]
	if steps[0].Status != domain.StepStatusRunning || steps[0].Attempts != 1 {
		t.Fatalf("unexpected step after first advance: %+v", steps[0])
	}

	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if repo.actions[action.ID].Status != domain.ActionStatusSuccess {
		t.Fatalf("expected Success after sub-entity settles, got %q", repo.actions[action.ID].Status)
	}
	if attempts != 2 {
		t.Fatalf("step ran %d times, want 2", attempts)
	}
}

func TestAdvanceFailureSkipsRemainingAndCleansUp(t *testing.T) {
	engine, repo, notifier := newTestEngine(t)
	cleanupRan := false
	engine.Register("Failing", nil,
		step(domain.StepTypeMain, "boom", func(_ context.Context, _ *Run) Result {
			return Result{Outcome: OutcomeFailure, Detail: "agent rejected the move"}
		}),
		step(domain.StepTypeMain, "never", func(_ context.Context, _ *Run) Result {
			t.Fatal("steps after a failure must not run")
			return Result{}
		}),
		step(domain.StepTypeCleanup, "tidy", func(_ context.Context, _ *Run) Result {
			cleanupRan = true
			return Result{Outcome: OutcomeSuccess}
		}),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Failing", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	final := repo.actions[action.ID]
	if final.Status != domain.ActionStatusFailure || !final.CleanupCompleted {
		t.Fatalf("unexpected final state: %+v", final)
	}
	if !cleanupRan {
		t.Fatal("cleanup must run on the failure path")
	}
	steps := repo.steps[action.ID]
	if steps[1].Status != domain.StepStatusSkipped {
		t.Fatalf("later main step must be Skipped, got %q", steps[1].Status)
	}
	if steps[0].Traceback != "agent rejected the move" {
		t.Fatalf("failure detail lands in the traceback: %q", steps[0].Traceback)
	}
	if len(notifier.failures) != 1 {
		t.Fatalf("one failure notification expected, got %d", len(notifier.failures))
	}
}

func TestCancelHonouredAtStepBoundary(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	cleanupRan := false
	engine.Register("Cancellable", nil,
		step(domain.StepTypeMain, "wait", func(_ context.Context, _ *Run) Result {
			return Result{Outcome: OutcomeRunning}
		}),
		step(domain.StepTypeCleanup, "tidy", func(_ context.Context, _ *Run) Result {
			cleanupRan = true
			return Result{Outcome: OutcomeSuccess}
		}),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Cancellable", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := engine.Cancel(context.Background(), action.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance after cancel: %v", err)
	}

	final := repo.actions[action.ID]
	if final.Status != domain.ActionStatusCancelled || !final.CleanupCompleted {
		t.Fatalf("unexpected state after cancel: %+v", final)
	}
	if !cleanupRan {
		t.Fatal("cancel must still run cleanup")
	}
}

func TestCancelledActionStaysRunnableUntilCleanedUp(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	cleanupRuns := 0
	engine.Register("Sweepable", nil,
		step(domain.StepTypeMain, "wait", func(_ context.Context, _ *Run) Result {
			return Result{Outcome: OutcomeRunning}
		}),
		step(domain.StepTypeCleanup, "tidy", func(_ context.Context, _ *Run) Result {
			cleanupRuns++
			return Result{Outcome: OutcomeSuccess}
		}),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Sweepable", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := engine.Cancel(context.Background(), action.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A cancelled action with pending cleanup must still come back from
	// the runnable query so the sweep drives its cleanup subchain.
	runnable, err := repo.ListRunnableActions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	found := false
	for _, a := range runnable {
		if a.ID == action.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("cancelled action awaiting cleanup must be runnable")
	}

	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance after cancel: %v", err)
	}
	if cleanupRuns != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanupRuns)
	}
	if !repo.actions[action.ID].CleanupCompleted {
		t.Fatal("cleanup completion must be recorded")
	}

	// Once cleaned up the row drops out of the sweep.
	runnable, err = repo.ListRunnableActions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	for _, a := range runnable {
		if a.ID == action.ID {
			t.Fatal("cleaned-up cancelled action must not be swept again")
		}
	}
}

func TestCancelTerminalActionIsNoop(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	engine.Register("Quick", nil, step(domain.StepTypeMain, "noop", func(_ context.Context, _ *Run) Result {
		return Result{Outcome: OutcomeSuccess}
	}))

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Quick", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := engine.Cancel(context.Background(), action.ID); err != nil {
		t.Fatalf("cancel of finished action: %v", err)
	}
	if repo.actions[action.ID].Status != domain.ActionStatusSuccess {
		t.Fatalf("terminal status must not change, got %q", repo.actions[action.ID].Status)
	}
}

func TestWaitReference(t *testing.T) {
	refs := &refsStub{statuses: map[string]string{
		"Site Update/upd-ok":      domain.UpdateStatusSuccess,
		"Site Update/upd-bad":     domain.UpdateStatusFatal,
		"Site Update/upd-pending": domain.UpdateStatusRunning,
	}}
	engine := NewEngine(newActionRepoStub(), &siteRepoStub{}, refs, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	check := func(refID string, want Outcome) {
		t.Helper()
		result := engine.WaitReference(context.Background(), &domain.SiteActionStep{ReferenceType: "Site Update", ReferenceID: refID})
		if result.Outcome != want {
			t.Fatalf("WaitReference(%s) = %s, want %s", refID, result.Outcome, want)
		}
	}
	check("upd-ok", OutcomeSuccess)
	check("upd-bad", OutcomeFailure)
	check("upd-pending", OutcomeRunning)
	check("upd-gone", OutcomeFailure)
}

func TestPanicInStepBecomesFailure(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	engine.Register("Panicky", nil,
		step(domain.StepTypeMain, "explode", func(_ context.Context, _ *Run) Result {
			panic("nil bench")
		}),
	)

	action, _ := engine.Create(context.Background(), "team-1", "site-1", "Panicky", nil, nil)
	if err := engine.Advance(context.Background(), action.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if repo.actions[action.ID].Status != domain.ActionStatusFailure {
		t.Fatalf("panicking step must fail the action, got %q", repo.actions[action.ID].Status)
	}
}
