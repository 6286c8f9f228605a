package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

var updateActiveStatuses = []string{
	domain.UpdateStatusScheduled,
	domain.UpdateStatusPending,
	domain.UpdateStatusRunning,
	domain.UpdateStatusRecovering,
}

// CreateSiteUpdate inserts a site update record.
func (r *Repository) CreateSiteUpdate(ctx context.Context, update *domain.SiteUpdate) error {
	const query = `INSERT INTO site_updates (id, team_id, site_id, source_bench_id, dest_bench_id, status, skip_backups, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		update.ID,
		update.TeamID,
		update.SiteID,
		update.SourceBenchID,
		update.DestBenchID,
		update.Status,
		update.SkipBackups,
		update.CreatedAt,
	)
	return mapPgError(err)
}

const siteUpdateColumns = `id, team_id, site_id, source_bench_id, dest_bench_id, status, skip_backups, created_at`

// GetSiteUpdateByID fetches a site update.
func (r *Repository) GetSiteUpdateByID(ctx context.Context, updateID string) (*domain.SiteUpdate, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+siteUpdateColumns+` FROM site_updates WHERE id = $1`, updateID)
	var u domain.SiteUpdate
	if err := row.Scan(&u.ID, &u.TeamID, &u.SiteID, &u.SourceBenchID, &u.DestBenchID, &u.Status, &u.SkipBackups, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UpdateSiteUpdateStatus mutates the site update status.
func (r *Repository) UpdateSiteUpdateStatus(ctx context.Context, updateID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE site_updates SET status = $2 WHERE id = $1`, updateID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountActiveUpdatesTouchingBench counts non-terminal site updates whose
// source or destination is the bench. Used by the archival gate.
func (r *Repository) CountActiveUpdatesTouchingBench(ctx context.Context, benchID string) (int, error) {
	const query = `SELECT COUNT(1) FROM site_updates
		WHERE (source_bench_id = $1 OR dest_bench_id = $1) AND status = ANY($2)`
	var count int
	if err := r.pool.QueryRow(ctx, query, benchID, updateActiveStatuses).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateSiteMigration inserts a cross-server migration record.
func (r *Repository) CreateSiteMigration(ctx context.Context, migration *domain.SiteMigration) error {
	const query = `INSERT INTO site_migrations (id, team_id, site_id, source_bench_id, dest_bench_id, source_server_id, dest_server_id, cluster, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		migration.ID,
		migration.TeamID,
		migration.SiteID,
		migration.SourceBenchID,
		migration.DestBenchID,
		migration.SourceServerID,
		migration.DestServerID,
		emptyToNil(migration.Cluster),
		migration.Status,
		migration.CreatedAt,
	)
	return mapPgError(err)
}

const migrationColumns = `id, team_id, site_id, source_bench_id, dest_bench_id, source_server_id, dest_server_id, COALESCE(cluster, ''), status, created_at`

// GetSiteMigrationByID fetches a site migration.
func (r *Repository) GetSiteMigrationByID(ctx context.Context, migrationID string) (*domain.SiteMigration, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+migrationColumns+` FROM site_migrations WHERE id = $1`, migrationID)
	var m domain.SiteMigration
	if err := row.Scan(&m.ID, &m.TeamID, &m.SiteID, &m.SourceBenchID, &m.DestBenchID, &m.SourceServerID, &m.DestServerID, &m.Cluster, &m.Status, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// UpdateSiteMigrationStatus mutates the migration status.
func (r *Repository) UpdateSiteMigrationStatus(ctx context.Context, migrationID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE site_migrations SET status = $2 WHERE id = $1`, migrationID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountUnfinishedMigrationsToBench counts migrations still inbound to the
// bench.
func (r *Repository) CountUnfinishedMigrationsToBench(ctx context.Context, benchID string) (int, error) {
	const query = `SELECT COUNT(1) FROM site_migrations
		WHERE dest_bench_id = $1 AND status IN ($2, $3, $4)`
	var count int
	if err := r.pool.QueryRow(ctx, query, benchID, domain.MigrationStatusScheduled, domain.MigrationStatusPending, domain.MigrationStatusRunning).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateBenchUpdate inserts a bench update record.
func (r *Repository) CreateBenchUpdate(ctx context.Context, update *domain.BenchUpdate) error {
	const query = `INSERT INTO bench_updates (id, team_id, group_id, bench_id, candidate_id, status, inplace, image_tag, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		update.ID,
		update.TeamID,
		update.GroupID,
		update.BenchID,
		update.CandidateID,
		update.Status,
		update.Inplace,
		emptyToNil(update.ImageTag),
		update.Attempt,
		update.CreatedAt,
	)
	return mapPgError(err)
}

const benchUpdateColumns = `id, team_id, group_id, bench_id, candidate_id, status, inplace, COALESCE(image_tag, ''), attempt, created_at`

func scanBenchUpdate(row pgx.Row) (*domain.BenchUpdate, error) {
	var u domain.BenchUpdate
	if err := row.Scan(&u.ID, &u.TeamID, &u.GroupID, &u.BenchID, &u.CandidateID, &u.Status, &u.Inplace, &u.ImageTag, &u.Attempt, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetBenchUpdateByID fetches a bench update.
func (r *Repository) GetBenchUpdateByID(ctx context.Context, updateID string) (*domain.BenchUpdate, error) {
	update, err := scanBenchUpdate(r.pool.QueryRow(ctx, `SELECT `+benchUpdateColumns+` FROM bench_updates WHERE id = $1`, updateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return update, nil
}

// UpdateBenchUpdateStatus mutates the bench update status.
func (r *Repository) UpdateBenchUpdateStatus(ctx context.Context, updateID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE bench_updates SET status = $2 WHERE id = $1`, updateID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindActiveBenchUpdate locates a pending or running update on the bench.
// One update at a time per bench; callers turn ErrNotFound into permission
// to start a new one.
func (r *Repository) FindActiveBenchUpdate(ctx context.Context, benchID string) (*domain.BenchUpdate, error) {
	const query = `SELECT ` + benchUpdateColumns + ` FROM bench_updates
		WHERE bench_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`
	update, err := scanBenchUpdate(r.pool.QueryRow(ctx, query, benchID, domain.BenchUpdateStatusPending, domain.BenchUpdateStatusRunning))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return update, nil
}

// FindBenchUpdateByCandidate locates the newest bench update created for a
// candidate.
func (r *Repository) FindBenchUpdateByCandidate(ctx context.Context, candidateID string) (*domain.BenchUpdate, error) {
	const query = `SELECT ` + benchUpdateColumns + ` FROM bench_updates
		WHERE candidate_id = $1 ORDER BY created_at DESC LIMIT 1`
	update, err := scanBenchUpdate(r.pool.QueryRow(ctx, query, candidateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return update, nil
}
