package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

var jobTerminalStatuses = []string{
	domain.JobStatusSuccess,
	domain.JobStatusFailure,
	domain.JobStatusDeliveryFailure,
}

// CreateJob inserts an agent job mirror in Undelivered status.
func (r *Repository) CreateJob(ctx context.Context, job *domain.AgentJob) error {
	const query = `INSERT INTO agent_jobs (id, team_id, server_id, bench_id, site_id, job_type, status, request_path, request_payload, external_id, reference_type, reference_id, started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.TeamID,
		job.ServerID,
		emptyToNil(job.BenchID),
		emptyToNil(job.SiteID),
		job.JobType,
		job.Status,
		job.RequestPath,
		job.RequestPayload,
		int64ToNil(job.ExternalID),
		emptyToNil(job.ReferenceType),
		emptyToNil(job.ReferenceID),
		timePtrToNil(job.StartedAt),
		timePtrToNil(job.EndedAt),
		job.CreatedAt,
	)
	return mapPgError(err)
}

const jobColumns = `id, team_id, server_id, COALESCE(bench_id, ''), COALESCE(site_id, ''), job_type, status, request_path, request_payload, COALESCE(external_id, 0), COALESCE(reference_type, ''), COALESCE(reference_id, ''), started_at, ended_at, created_at`

func scanJob(row pgx.Row) (*domain.AgentJob, error) {
	var (
		j              domain.AgentJob
		started, ended sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.TeamID, &j.ServerID, &j.BenchID, &j.SiteID, &j.JobType, &j.Status, &j.RequestPath, &j.RequestPayload, &j.ExternalID, &j.ReferenceType, &j.ReferenceID, &started, &ended, &j.CreatedAt); err != nil {
		return nil, err
	}
	if started.Valid {
		value := started.Time.UTC()
		j.StartedAt = &value
	}
	if ended.Valid {
		value := ended.Time.UTC()
		j.EndedAt = &value
	}
	return &j, nil
}

// GetJobByID fetches an agent job.
func (r *Repository) GetJobByID(ctx context.Context, jobID string) (*domain.AgentJob, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// FindJobByExternalID locates a job by the agent-assigned identifier.
// External ids are unique per server.
func (r *Repository) FindJobByExternalID(ctx context.Context, serverID string, externalID int64) (*domain.AgentJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM agent_jobs WHERE server_id = $1 AND external_id = $2`
	job, err := scanJob(r.pool.QueryRow(ctx, query, serverID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// SetJobExternalID records the agent-assigned job identifier. Setting it
// twice is a no-op, so a duplicate submission cannot change the binding.
func (r *Repository) SetJobExternalID(ctx context.Context, jobID string, externalID int64) error {
	const query = `UPDATE agent_jobs SET external_id = $2 WHERE id = $1 AND external_id IS NULL`
	tag, err := r.pool.Exec(ctx, query, jobID, externalID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetJobByID(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateJobStatus transitions a job. Transitions on terminal rows return
// ErrTerminal.
func (r *Repository) UpdateJobStatus(ctx context.Context, jobID, status string, startedAt, endedAt *time.Time) error {
	const query = `UPDATE agent_jobs
		SET status = $2,
			started_at = COALESCE($3, started_at),
			ended_at = COALESCE($4, ended_at)
		WHERE id = $1 AND NOT (status = ANY($5))`
	tag, err := r.pool.Exec(ctx, query, jobID, status, timePtrToNil(startedAt), timePtrToNil(endedAt), jobTerminalStatuses)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		job, err := r.GetJobByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return repository.ErrTerminal
		}
		return repository.ErrNotFound
	}
	return nil
}

// UpsertJobSteps writes the agent-reported steps for a job in one
// transaction, keyed by (job, sort order).
func (r *Repository) UpsertJobSteps(ctx context.Context, jobID string, steps []domain.AgentJobStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO agent_job_steps (id, job_id, name, status, output, traceback, started_at, ended_at, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, sort_order) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			traceback = EXCLUDED.traceback,
			started_at = COALESCE(EXCLUDED.started_at, agent_job_steps.started_at),
			ended_at = COALESCE(EXCLUDED.ended_at, agent_job_steps.ended_at)`
	batch := &pgx.Batch{}
	for _, step := range steps {
		batch.Queue(query, step.ID, jobID, step.Name, step.Status, step.Output, step.Traceback, timePtrToNil(step.StartedAt), timePtrToNil(step.EndedAt), step.SortOrder)
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

// ListJobSteps returns steps in reported order.
func (r *Repository) ListJobSteps(ctx context.Context, jobID string) ([]domain.AgentJobStep, error) {
	const query = `SELECT id, job_id, name, status, output, traceback, started_at, ended_at, sort_order
		FROM agent_job_steps WHERE job_id = $1 ORDER BY sort_order`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := make([]domain.AgentJobStep, 0)
	for rows.Next() {
		var (
			s              domain.AgentJobStep
			started, ended sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.JobID, &s.Name, &s.Status, &s.Output, &s.Traceback, &started, &ended, &s.SortOrder); err != nil {
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

// ListNonTerminalJobsOlderThan returns non-terminal jobs created before the
// cutoff, for the polling sweep.
func (r *Repository) ListNonTerminalJobsOlderThan(ctx context.Context, age time.Time) ([]domain.AgentJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM agent_jobs
		WHERE NOT (status = ANY($1)) AND created_at < $2 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, jobTerminalStatuses, age.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListNonTerminalJobsByServer returns non-terminal jobs for a server.
func (r *Repository) ListNonTerminalJobsByServer(ctx context.Context, serverID string) ([]domain.AgentJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM agent_jobs
		WHERE server_id = $1 AND NOT (status = ANY($2)) ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, serverID, jobTerminalStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountRunningJobsOnBench counts pending or running jobs on a bench.
func (r *Repository) CountRunningJobsOnBench(ctx context.Context, benchID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agent_jobs
		WHERE bench_id = $1 AND status IN ($2, $3, $4)`
	var count int
	if err := r.pool.QueryRow(ctx, query, benchID, domain.JobStatusUndelivered, domain.JobStatusPending, domain.JobStatusRunning).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func collectJobs(rows pgx.Rows) ([]domain.AgentJob, error) {
	jobs := make([]domain.AgentJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
