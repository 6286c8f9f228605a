// Package siteaction runs typed, ordered step sequences for high-level
// site operations. Steps are persisted rows; the engine is re-entrant and
// advances one action from wherever it last stopped.
package siteaction

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

// Step outcomes.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeRunning Outcome = "Running"
	OutcomeFailure Outcome = "Failure"
	OutcomeSkipped Outcome = "Skipped"
)

// Result is what one step execution reports back to the engine.
type Result struct {
	Outcome       Outcome
	ReferenceType string
	ReferenceID   string
	Detail        string
}

// Run carries the action context into step functions.
type Run struct {
	Action *domain.SiteAction
	Step   *domain.SiteActionStep
	Site   *domain.Site
}

// Arg returns a named action argument.
func (r *Run) Arg(key string) string {
	return r.Action.Arguments[key]
}

// StepFunc executes one step. It must be idempotent per (action, step):
// re-entry after a crash yields the same referenced sub-entity.
type StepFunc func(ctx context.Context, run *Run) Result

// Step is one compiled step of an action type.
type Step struct {
	Type   string
	Method string
	Fn     StepFunc
}

// Validation runs synchronously at creation; an error rejects the insert.
type Validation func(ctx context.Context, site *domain.Site, args map[string]string) error

// definition is the compiled step list for one action type.
type definition struct {
	validations []Validation
	steps       []Step
}

// Notifier creates user-visible failure notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, teamID, referenceType, referenceID, kind, detail string) error
}

// ReferenceStatus resolves the terminal status of a spawned sub-entity,
// uniformly across Site Update, Site Migration, Bench Update and Build.
type ReferenceStatus interface {
	Status(ctx context.Context, referenceType, referenceID string) (string, error)
}

// Engine executes site actions.
type Engine struct {
	actions  repository.ActionRepository
	sites    repository.SiteRepository
	refs     ReferenceStatus
	notifier Notifier
	logger   *slog.Logger

	definitions map[string]*definition
}

// NewEngine builds an engine with an empty registry.
func NewEngine(actions repository.ActionRepository, sites repository.SiteRepository, refs ReferenceStatus, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		actions:     actions,
		sites:       sites,
		refs:        refs,
		notifier:    notifier,
		logger:      logger,
		definitions: make(map[string]*definition),
	}
}

// Register installs an action type. Step order is the execution order;
// cleanup steps go last and run on every exit path.
func (e *Engine) Register(actionType string, validations []Validation, steps ...Step) {
	e.definitions[actionType] = &definition{validations: validations, steps: steps}
}

// Create validates and persists a new action with its compiled step rows.
// A second non-terminal action of the same type on the site is rejected
// with ErrConflict by the repository.
func (e *Engine) Create(ctx context.Context, teamID, siteID, actionType string, args map[string]string, scheduledTime *time.Time) (*domain.SiteAction, error) {
	def, ok := e.definitions[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action type %q", repository.ErrInvalidArgument, actionType)
	}
	site, err := e.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	for _, validate := range def.validations {
		if err := validate(ctx, site, args); err != nil {
			return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
		}
	}

	action := &domain.SiteAction{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		SiteID:        siteID,
		ActionType:    actionType,
		Arguments:     args,
		Status:        domain.ActionStatusScheduled,
		ScheduledTime: scheduledTime,
		CreatedAt:     time.Now().UTC(),
	}
	steps := make([]domain.SiteActionStep, 0, len(def.steps))
	for i, sd := range def.steps {
		steps = append(steps, domain.SiteActionStep{
			ID:        uuid.NewString(),
			ActionID:  action.ID,
			StepType:  sd.Type,
			Method:    sd.Method,
			Status:    domain.StepStatusPending,
			SortOrder: i,
		})
	}
	if err := e.actions.CreateAction(ctx, action, steps); err != nil {
		return nil, err
	}
	return action, nil
}

// Cancel requests a user cancel. The engine notices at the next step
// boundary and runs the cleanup subchain.
func (e *Engine) Cancel(ctx context.Context, actionID string) error {
	action, err := e.actions.GetActionByID(ctx, actionID)
	if err != nil {
		return err
	}
	if action.Terminal() {
		return nil
	}
	return e.actions.UpdateActionStatus(ctx, actionID, domain.ActionStatusCancelled)
}

// Advance executes the action from its first unfinished step. It returns
// when the action blocks on a Running step, finishes, fails or is
// cancelled; the scheduler re-enters later.
func (e *Engine) Advance(ctx context.Context, actionID string) error {
	action, err := e.actions.GetActionByID(ctx, actionID)
	if err != nil {
		return err
	}
	def, ok := e.definitions[action.ActionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", action.ActionType)
	}
	if action.Status == domain.ActionStatusCancelled {
		return e.runCleanup(ctx, action, def)
	}
	if action.Terminal() {
		return nil
	}
	if action.Status == domain.ActionStatusScheduled {
		if err := e.actions.UpdateActionStatus(ctx, action.ID, domain.ActionStatusRunning); err != nil {
			return err
		}
		action.Status = domain.ActionStatusRunning
	}

	site, err := e.sites.GetSiteByID(ctx, action.SiteID)
	if err != nil {
		return err
	}
	steps, err := e.actions.ListActionSteps(ctx, action.ID)
	if err != nil {
		return err
	}

	for i := range steps {
		step := &steps[i]
		if step.StepType == domain.StepTypeCleanup {
			break
		}
		switch step.Status {
		case domain.StepStatusSuccess, domain.StepStatusSkipped:
			continue
		}

		// Cancellation is honoured at every step boundary.
		current, err := e.actions.GetActionByID(ctx, action.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.ActionStatusCancelled {
			if err := e.skipRemaining(ctx, steps[i:]); err != nil {
				return err
			}
			return e.runCleanup(ctx, current, def)
		}

		result := e.executeStep(ctx, def, &Run{Action: action, Step: step, Site: site})
		if err := e.recordStep(ctx, step, result); err != nil {
			return err
		}
		switch result.Outcome {
		case OutcomeRunning:
			return nil
		case OutcomeFailure:
			if err := e.skipRemaining(ctx, steps[i+1:]); err != nil {
				return err
			}
			if err := e.actions.UpdateActionStatus(ctx, action.ID, domain.ActionStatusFailure); err != nil {
				return err
			}
			e.notifyFailure(ctx, action, step, result.Detail)
			action.Status = domain.ActionStatusFailure
			return e.runCleanup(ctx, action, def)
		}
	}

	if err := e.runCleanup(ctx, action, def); err != nil {
		return err
	}
	return e.actions.UpdateActionStatus(ctx, action.ID, domain.ActionStatusSuccess)
}

// executeStep runs a step function, absorbing panics into Failure.
func (e *Engine) executeStep(ctx context.Context, def *definition, run *Run) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action step panicked", "action", run.Action.ID, "step", run.Step.Method, "panic", r)
			result = Result{Outcome: OutcomeFailure, Detail: fmt.Sprintf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	for _, sd := range def.steps {
		if sd.Method == run.Step.Method {
			return sd.Fn(ctx, run)
		}
	}
	return Result{Outcome: OutcomeFailure, Detail: "no implementation for step " + run.Step.Method}
}

func (e *Engine) recordStep(ctx context.Context, step *domain.SiteActionStep, result Result) error {
	now := time.Now().UTC()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.Attempts++
	if result.ReferenceType != "" {
		step.ReferenceType = result.ReferenceType
		step.ReferenceID = result.ReferenceID
	}
	switch result.Outcome {
	case OutcomeRunning:
		step.Status = domain.StepStatusRunning
	case OutcomeSuccess:
		step.Status = domain.StepStatusSuccess
		step.EndedAt = &now
	case OutcomeSkipped:
		step.Status = domain.StepStatusSkipped
		step.EndedAt = &now
	case OutcomeFailure:
		step.Status = domain.StepStatusFailure
		step.Traceback = result.Detail
		step.EndedAt = &now
	}
	return e.actions.UpdateActionStep(ctx, step)
}

func (e *Engine) skipRemaining(ctx context.Context, steps []domain.SiteActionStep) error {
	for i := range steps {
		step := &steps[i]
		if step.StepType == domain.StepTypeCleanup {
			continue
		}
		switch step.Status {
		case domain.StepStatusPending, domain.StepStatusRunning:
			step.Status = domain.StepStatusSkipped
			if err := e.actions.UpdateActionStep(ctx, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// runCleanup executes the cleanup subchain once. Cleanup steps must be
// idempotent and runnable after partial Main success.
func (e *Engine) runCleanup(ctx context.Context, action *domain.SiteAction, def *definition) error {
	if action.CleanupCompleted {
		return nil
	}
	site, err := e.sites.GetSiteByID(ctx, action.SiteID)
	if err != nil {
		return err
	}
	steps, err := e.actions.ListActionSteps(ctx, action.ID)
	if err != nil {
		return err
	}
	for i := range steps {
		step := &steps[i]
		if step.StepType != domain.StepTypeCleanup || step.Status == domain.StepStatusSuccess {
			continue
		}
		result := e.executeStep(ctx, def, &Run{Action: action, Step: step, Site: site})
		if err := e.recordStep(ctx, step, result); err != nil {
			return err
		}
		if result.Outcome == OutcomeRunning {
			return nil
		}
	}
	return e.actions.SetCleanupCompleted(ctx, action.ID)
}

func (e *Engine) notifyFailure(ctx context.Context, action *domain.SiteAction, step *domain.SiteActionStep, detail string) {
	if e.notifier == nil {
		return
	}
	summary := fmt.Sprintf("%s failed at %s: %s", action.ActionType, step.Method, detail)
	if err := e.notifier.NotifyFailure(ctx, action.TeamID, "Site Action", action.ID, "Site Action Failure", summary); err != nil {
		e.logger.Error("action failure notification failed", "action", action.ID, "error", err)
	}
}

// WaitReference implements the sub-entity wait pattern: a step that
// spawned a sub-entity re-enters here until the referenced row goes
// terminal.
func (e *Engine) WaitReference(ctx context.Context, step *domain.SiteActionStep) Result {
	status, err := e.refs.Status(ctx, step.ReferenceType, step.ReferenceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{Outcome: OutcomeFailure, Detail: fmt.Sprintf("%s %s vanished", step.ReferenceType, step.ReferenceID)}
		}
		return Result{Outcome: OutcomeRunning}
	}
	switch {
	case domain.TerminalSuccess(status):
		return Result{Outcome: OutcomeSuccess}
	case domain.TerminalFailure(status):
		return Result{Outcome: OutcomeFailure, Detail: fmt.Sprintf("%s %s ended %s", step.ReferenceType, step.ReferenceID, status)}
	default:
		return Result{Outcome: OutcomeRunning}
	}
}
