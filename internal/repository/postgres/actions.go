package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

// CreateAction inserts a site action with its compiled step rows. A second
// non-terminal action of the same type on the same site is rejected with
// ErrConflict (checked inside the transaction, backed by a partial unique
// index).
func (r *Repository) CreateAction(ctx context.Context, action *domain.SiteAction, steps []domain.SiteActionStep) error {
	args, err := json.Marshal(action.Arguments)
	if err != nil {
		return fmt.Errorf("marshal action arguments: %w", err)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const dupQuery = `SELECT 1 FROM site_actions
		WHERE site_id = $1 AND action_type = $2 AND status IN ($3, $4) LIMIT 1`
	var one int
	err = tx.QueryRow(ctx, dupQuery, action.SiteID, action.ActionType, domain.ActionStatusScheduled, domain.ActionStatusRunning).Scan(&one)
	if err == nil {
		return repository.ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	const insert = `INSERT INTO site_actions (id, team_id, site_id, action_type, arguments, status, cleanup_completed, scheduled_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, insert,
		action.ID,
		action.TeamID,
		action.SiteID,
		action.ActionType,
		args,
		action.Status,
		action.CleanupCompleted,
		timePtrToNil(action.ScheduledTime),
		action.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}

	const stepInsert = `INSERT INTO site_action_steps (id, action_id, step_type, method, status, attempts, reference_type, reference_id, traceback, sort_order, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	batch := &pgx.Batch{}
	for _, step := range steps {
		batch.Queue(stepInsert, step.ID, action.ID, step.StepType, step.Method, step.Status, step.Attempts, emptyToNil(step.ReferenceType), emptyToNil(step.ReferenceID), step.Traceback, step.SortOrder, timePtrToNil(step.StartedAt), timePtrToNil(step.EndedAt))
	}
	br := tx.SendBatch(ctx, batch)
	for range steps {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapPgError(err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const actionColumns = `id, team_id, site_id, action_type, arguments, status, cleanup_completed, scheduled_time, created_at`

func scanAction(row pgx.Row) (*domain.SiteAction, error) {
	var (
		a         domain.SiteAction
		args      []byte
		scheduled sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.TeamID, &a.SiteID, &a.ActionType, &args, &a.Status, &a.CleanupCompleted, &scheduled, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal action arguments: %w", err)
		}
	}
	if scheduled.Valid {
		value := scheduled.Time.UTC()
		a.ScheduledTime = &value
	}
	return &a, nil
}

// GetActionByID fetches a site action.
func (r *Repository) GetActionByID(ctx context.Context, actionID string) (*domain.SiteAction, error) {
	action, err := scanAction(r.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM site_actions WHERE id = $1`, actionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return action, nil
}

// ListActionSteps returns steps in declared order.
func (r *Repository) ListActionSteps(ctx context.Context, actionID string) ([]domain.SiteActionStep, error) {
	const query = `SELECT id, action_id, step_type, method, status, attempts, COALESCE(reference_type, ''), COALESCE(reference_id, ''), traceback, sort_order, started_at, ended_at
		FROM site_action_steps WHERE action_id = $1 ORDER BY sort_order`
	rows, err := r.pool.Query(ctx, query, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := make([]domain.SiteActionStep, 0)
	for rows.Next() {
		var (
			s              domain.SiteActionStep
			started, ended sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.ActionID, &s.StepType, &s.Method, &s.Status, &s.Attempts, &s.ReferenceType, &s.ReferenceID, &s.Traceback, &s.SortOrder, &started, &ended); err != nil {
			return nil, err
		}
		if started.Valid {
			value := started.Time.UTC()
			s.StartedAt = &value
		}
		if ended.Valid {
			value := ended.Time.UTC()
			s.EndedAt = &value
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// UpdateActionStatus mutates the action status.
func (r *Repository) UpdateActionStatus(ctx context.Context, actionID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE site_actions SET status = $2 WHERE id = $1`, actionID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetCleanupCompleted marks the cleanup subchain done.
func (r *Repository) SetCleanupCompleted(ctx context.Context, actionID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE site_actions SET cleanup_completed = TRUE WHERE id = $1`, actionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateActionStep mutates one action step row.
func (r *Repository) UpdateActionStep(ctx context.Context, step *domain.SiteActionStep) error {
	const query = `UPDATE site_action_steps
		SET status = $2,
			attempts = $3,
			reference_type = COALESCE($4, reference_type),
			reference_id = COALESCE($5, reference_id),
			traceback = $6,
			started_at = COALESCE($7, started_at),
			ended_at = COALESCE($8, ended_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, step.ID, step.Status, step.Attempts, emptyToNil(step.ReferenceType), emptyToNil(step.ReferenceID), step.Traceback, timePtrToNil(step.StartedAt), timePtrToNil(step.EndedAt))
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRunnableActions returns actions due for a scheduler sweep: Scheduled
// actions whose time has come, Running actions awaiting re-entry, and
// Cancelled actions whose cleanup subchain has not finished.
func (r *Repository) ListRunnableActions(ctx context.Context, now time.Time) ([]domain.SiteAction, error) {
	const query = `SELECT ` + actionColumns + ` FROM site_actions
		WHERE (status = $1 AND (scheduled_time IS NULL OR scheduled_time <= $2))
			OR status = $3
			OR (status = $4 AND NOT cleanup_completed)
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domain.ActionStatusScheduled, now.UTC(), domain.ActionStatusRunning, domain.ActionStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actions := make([]domain.SiteAction, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}
