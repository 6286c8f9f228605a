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

// CreateBench inserts a bench, allocating the smallest free port offset
// among non-archived benches on the same server. The offset scan runs
// under SELECT ... FOR UPDATE so concurrent creations on one server get
// distinct offsets.
func (r *Repository) CreateBench(ctx context.Context, bench *domain.Bench) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const lockQuery = `SELECT port_offset FROM benches
		WHERE server_id = $1 AND status <> $2
		ORDER BY port_offset FOR UPDATE`
	rows, err := tx.Query(ctx, lockQuery, bench.ServerID, domain.BenchStatusArchived)
	if err != nil {
		return err
	}
	used := make(map[int]bool)
	for rows.Next() {
		var offset int
		if err := rows.Scan(&offset); err != nil {
			rows.Close()
			return err
		}
		used[offset] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	offset := 0
	for used[offset] {
		offset++
	}
	bench.PortOffset = offset

	const insert = `INSERT INTO benches (id, team_id, group_id, candidate_id, server_id, status, port_offset, image_tag, config, bench_config, inplace_update_count, last_archive_failure_at, last_agent_sync_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if _, err := tx.Exec(ctx, insert,
		bench.ID,
		bench.TeamID,
		bench.GroupID,
		bench.CandidateID,
		bench.ServerID,
		bench.Status,
		bench.PortOffset,
		bench.ImageTag,
		bench.Config,
		bench.BenchConfig,
		bench.InplaceUpdateCount,
		timePtrToNil(bench.LastArchiveFailureAt),
		timePtrToNil(bench.LastAgentSyncAt),
		bench.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}
	return tx.Commit(ctx)
}

const benchColumns = `id, team_id, group_id, candidate_id, server_id, status, port_offset, image_tag, config, bench_config, inplace_update_count, last_archive_failure_at, last_agent_sync_at, created_at`

func scanBench(row pgx.Row) (*domain.Bench, error) {
	var (
		b              domain.Bench
		archiveFailure sql.NullTime
		agentSync      sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.TeamID, &b.GroupID, &b.CandidateID, &b.ServerID, &b.Status, &b.PortOffset, &b.ImageTag, &b.Config, &b.BenchConfig, &b.InplaceUpdateCount, &archiveFailure, &agentSync, &b.CreatedAt); err != nil {
		return nil, err
	}
	if archiveFailure.Valid {
		value := archiveFailure.Time.UTC()
		b.LastArchiveFailureAt = &value
	}
	if agentSync.Valid {
		value := agentSync.Time.UTC()
		b.LastAgentSyncAt = &value
	}
	return &b, nil
}

// GetBenchByID fetches a bench.
func (r *Repository) GetBenchByID(ctx context.Context, benchID string) (*domain.Bench, error) {
	bench, err := scanBench(r.pool.QueryRow(ctx, `SELECT `+benchColumns+` FROM benches WHERE id = $1`, benchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return bench, nil
}

// UpdateBenchStatus mutates the bench status.
func (r *Repository) UpdateBenchStatus(ctx context.Context, benchID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE benches SET status = $2 WHERE id = $1`, benchID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindBenchForCandidate locates a non-archived bench realising a candidate
// on a server.
func (r *Repository) FindBenchForCandidate(ctx context.Context, candidateID, serverID string) (*domain.Bench, error) {
	const query = `SELECT ` + benchColumns + ` FROM benches
		WHERE candidate_id = $1 AND server_id = $2 AND status <> $3
		ORDER BY created_at DESC LIMIT 1`
	bench, err := scanBench(r.pool.QueryRow(ctx, query, candidateID, serverID, domain.BenchStatusArchived))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return bench, nil
}

// ListBenchesByServer returns benches on a server, optionally filtered by
// status.
func (r *Repository) ListBenchesByServer(ctx context.Context, serverID string, statuses []string) ([]domain.Bench, error) {
	const query = `SELECT ` + benchColumns + ` FROM benches
		WHERE server_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, serverID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBenches(rows)
}

// ListBenchesByGroupServer returns benches of a group on a server.
func (r *Repository) ListBenchesByGroupServer(ctx context.Context, groupID, serverID string, statuses []string) ([]domain.Bench, error) {
	const query = `SELECT ` + benchColumns + ` FROM benches
		WHERE group_id = $1 AND server_id = $2 AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, groupID, serverID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBenches(rows)
}

// ListStaleActiveBenches returns active benches whose last agent sync is
// older than the cutoff.
func (r *Repository) ListStaleActiveBenches(ctx context.Context, syncedBefore time.Time) ([]domain.Bench, error) {
	const query = `SELECT ` + benchColumns + ` FROM benches
		WHERE status = $1 AND (last_agent_sync_at IS NULL OR last_agent_sync_at < $2)`
	rows, err := r.pool.Query(ctx, query, domain.BenchStatusActive, syncedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBenches(rows)
}

func collectBenches(rows pgx.Rows) ([]domain.Bench, error) {
	benches := make([]domain.Bench, 0)
	for rows.Next() {
		bench, err := scanBench(rows)
		if err != nil {
			return nil, err
		}
		benches = append(benches, *bench)
	}
	return benches, rows.Err()
}

// TouchBenchSync records the last agent sync time.
func (r *Repository) TouchBenchSync(ctx context.Context, benchID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE benches SET last_agent_sync_at = $2 WHERE id = $1`, benchID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetBenchArchiveFailure records a failed archive attempt.
func (r *Repository) SetBenchArchiveFailure(ctx context.Context, benchID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE benches SET last_archive_failure_at = $2 WHERE id = $1`, benchID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// IncrementInplaceCount bumps the in-place update counter under a row lock
// and returns the new value.
func (r *Repository) IncrementInplaceCount(ctx context.Context, benchID string) (int, error) {
	const query = `UPDATE benches SET inplace_update_count = inplace_update_count + 1
		WHERE id = $1 RETURNING inplace_update_count`
	var count int
	if err := r.pool.QueryRow(ctx, query, benchID).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// CreateSite inserts a site.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	const query = `INSERT INTO sites (id, team_id, bench_id, group_id, server_id, subdomain, plan, status, apps, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		site.ID,
		site.TeamID,
		site.BenchID,
		site.GroupID,
		site.ServerID,
		site.Subdomain,
		site.Plan,
		site.Status,
		site.Apps,
		site.Config,
		site.CreatedAt,
	)
	return mapPgError(err)
}

const siteColumns = `id, team_id, bench_id, group_id, server_id, subdomain, plan, status, apps, config, created_at`

func scanSite(row pgx.Row) (*domain.Site, error) {
	var s domain.Site
	if err := row.Scan(&s.ID, &s.TeamID, &s.BenchID, &s.GroupID, &s.ServerID, &s.Subdomain, &s.Plan, &s.Status, &s.Apps, &s.Config, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSiteByID fetches a site.
func (r *Repository) GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error) {
	site, err := scanSite(r.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return site, nil
}

// UpdateSiteStatus mutates the site status.
func (r *Repository) UpdateSiteStatus(ctx context.Context, siteID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sites SET status = $2 WHERE id = $1`, siteID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MoveSiteToBench repoints a site at a new bench, server and group.
func (r *Repository) MoveSiteToBench(ctx context.Context, siteID, benchID, serverID, groupID string) error {
	const query = `UPDATE sites SET bench_id = $2, server_id = $3, group_id = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, benchID, serverID, groupID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountSitesOnBench counts sites on a bench, optionally filtered by status.
func (r *Repository) CountSitesOnBench(ctx context.Context, benchID string, statuses []string) (int, error) {
	const query = `SELECT COUNT(1) FROM sites
		WHERE bench_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))`
	var count int
	if err := r.pool.QueryRow(ctx, query, benchID, statuses).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListSitesOnBench returns all sites hosted on a bench.
func (r *Repository) ListSitesOnBench(ctx context.Context, benchID string) ([]domain.Site, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE bench_id = $1 ORDER BY created_at`, benchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sites := make([]domain.Site, 0)
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}
