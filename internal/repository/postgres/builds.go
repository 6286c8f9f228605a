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

// CreateBuild inserts a build and its ordered steps in one transaction.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build, steps []domain.BuildStep) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const buildInsert = `INSERT INTO builds (id, team_id, candidate_id, group_id, platform, status, no_cache, no_push, no_build, build_server_id, build_token, image_tag, image_digest, image_size, error_kind, error_detail, output, scheduled_time, started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	if _, err := tx.Exec(ctx, buildInsert,
		build.ID,
		build.TeamID,
		build.CandidateID,
		build.GroupID,
		build.Platform,
		build.Status,
		build.NoCache,
		build.NoPush,
		build.NoBuild,
		build.BuildServerID,
		emptyToNil(build.BuildToken),
		emptyToNil(build.ImageTag),
		emptyToNil(build.ImageDigest),
		build.ImageSize,
		emptyToNil(build.ErrorKind),
		emptyToNil(build.ErrorDetail),
		build.Output,
		timePtrToNil(build.ScheduledTime),
		timePtrToNil(build.StartedAt),
		timePtrToNil(build.EndedAt),
		build.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}

	if len(steps) > 0 {
		const stepInsert = `INSERT INTO build_steps (id, build_id, slug, stage, app, name, status, cached, duration, output, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		batch := &pgx.Batch{}
		for _, step := range steps {
			batch.Queue(stepInsert, step.ID, step.BuildID, step.Slug, step.Stage, step.App, step.Name, step.Status, step.Cached, step.Duration, step.Output, step.SortOrder)
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
	}
	return tx.Commit(ctx)
}

const buildColumns = `id, team_id, candidate_id, group_id, platform, status, no_cache, no_push, no_build, build_server_id, COALESCE(build_token, ''), COALESCE(image_tag, ''), COALESCE(image_digest, ''), image_size, COALESCE(error_kind, ''), COALESCE(error_detail, ''), output, scheduled_time, started_at, ended_at, created_at`

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b                  domain.Build
		scheduled, started sql.NullTime
		ended              sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.TeamID, &b.CandidateID, &b.GroupID, &b.Platform, &b.Status, &b.NoCache, &b.NoPush, &b.NoBuild, &b.BuildServerID, &b.BuildToken, &b.ImageTag, &b.ImageDigest, &b.ImageSize, &b.ErrorKind, &b.ErrorDetail, &b.Output, &scheduled, &started, &ended, &b.CreatedAt); err != nil {
		return nil, err
	}
	if scheduled.Valid {
		value := scheduled.Time.UTC()
		b.ScheduledTime = &value
	}
	if started.Valid {
		value := started.Time.UTC()
		b.StartedAt = &value
	}
	if ended.Valid {
		value := ended.Time.UTC()
		b.EndedAt = &value
	}
	return &b, nil
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, buildID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// FindBuildByToken locates a build by the remote builder token.
func (r *Repository) FindBuildByToken(ctx context.Context, token string) (*domain.Build, error) {
	build, err := scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE build_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// ListBuildsByCandidate returns all builds for a candidate.
func (r *Repository) ListBuildsByCandidate(ctx context.Context, candidateID string) ([]domain.Build, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE candidate_id = $1 ORDER BY created_at`, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

// InsertBuildSteps adds step rows to an existing build. The pipeline knows
// the step list only after manifests are read, so steps arrive later than
// the build row.
func (r *Repository) InsertBuildSteps(ctx context.Context, steps []domain.BuildStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO build_steps (id, build_id, slug, stage, app, name, status, cached, duration, output, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	batch := &pgx.Batch{}
	for _, step := range steps {
		batch.Queue(query, step.ID, step.BuildID, step.Slug, step.Stage, step.App, step.Name, step.Status, step.Cached, step.Duration, step.Output, step.SortOrder)
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

// ListBuildSteps returns steps in declared order.
func (r *Repository) ListBuildSteps(ctx context.Context, buildID string) ([]domain.BuildStep, error) {
	const query = `SELECT id, build_id, slug, stage, app, name, status, cached, duration, output, sort_order
		FROM build_steps WHERE build_id = $1 ORDER BY sort_order`
	rows, err := r.pool.Query(ctx, query, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps := make([]domain.BuildStep, 0)
	for rows.Next() {
		var s domain.BuildStep
		if err := rows.Scan(&s.ID, &s.BuildID, &s.Slug, &s.Stage, &s.App, &s.Name, &s.Status, &s.Cached, &s.Duration, &s.Output, &s.SortOrder); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// UpdateBuild mutates build fields. Empty strings leave columns untouched.
func (r *Repository) UpdateBuild(ctx context.Context, update repository.BuildUpdate) error {
	const query = `UPDATE builds
		SET status = COALESCE($2, status),
			build_token = COALESCE($3, build_token),
			image_tag = COALESCE($4, image_tag),
			image_digest = COALESCE($5, image_digest),
			image_size = CASE WHEN $6::bigint > 0 THEN $6 ELSE image_size END,
			error_kind = COALESCE($7, error_kind),
			error_detail = COALESCE($8, error_detail),
			output = CASE WHEN $9 <> '' THEN $9 ELSE output END,
			started_at = COALESCE($10, started_at),
			ended_at = COALESCE($11, ended_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.BuildID,
		emptyToNil(update.Status),
		emptyToNil(update.BuildToken),
		emptyToNil(update.ImageTag),
		emptyToNil(update.ImageDigest),
		update.ImageSize,
		emptyToNil(update.ErrorKind),
		emptyToNil(update.ErrorDetail),
		update.Output,
		timePtrToNil(update.StartedAt),
		timePtrToNil(update.EndedAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateBuildStep mutates one build step row.
func (r *Repository) UpdateBuildStep(ctx context.Context, step *domain.BuildStep) error {
	const query = `UPDATE build_steps
		SET status = $2, cached = $3, duration = $4, output = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, step.ID, step.Status, step.Cached, step.Duration, step.Output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDueScheduledBuilds returns scheduled builds whose time has come.
func (r *Repository) ListDueScheduledBuilds(ctx context.Context, now time.Time) ([]domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE status = $1 AND (scheduled_time IS NULL OR scheduled_time <= $2)
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domain.BuildStatusScheduled, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

// ListRunningBuilds returns builds handed to a remote builder that have not
// reached a terminal status, for the output-poll sweep.
func (r *Repository) ListRunningBuilds(ctx context.Context) ([]domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE status = $1 AND build_token IS NOT NULL
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, domain.BuildStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

// LastSuccessfulBuild returns the newest successful build for a group and
// platform, used for pull-update diffing and disk-space estimates.
func (r *Repository) LastSuccessfulBuild(ctx context.Context, groupID, platform string) (*domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE group_id = $1 AND platform = $2 AND status = $3
		ORDER BY ended_at DESC NULLS LAST LIMIT 1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, groupID, platform, domain.BuildStatusSuccess))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}
