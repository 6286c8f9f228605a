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

// CreateTeam inserts a team record.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, name, enabled, billing_status, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.Name, team.Enabled, team.BillingStatus, team.CreatedAt)
	return mapPgError(err)
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, enabled, billing_status, created_at FROM teams WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, teamID)
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Name, &team.Enabled, &team.BillingStatus, &team.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// CreateServer inserts a server.
func (r *Repository) CreateServer(ctx context.Context, server *domain.Server) error {
	const query = `INSERT INTO servers (id, team_id, hostname, private_ip, platform, cluster, public, status, agent_url, scaled_up, auto_resize_disk, last_contact_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		server.ID,
		server.TeamID,
		server.Hostname,
		server.PrivateIP,
		server.Platform,
		server.Cluster,
		server.Public,
		server.Status,
		server.AgentURL,
		server.ScaledUp,
		server.AutoResizeDisk,
		timePtrToNil(server.LastContactAt),
		server.CreatedAt,
	)
	return mapPgError(err)
}

const serverColumns = `id, team_id, hostname, private_ip, platform, cluster, public, status, agent_url, scaled_up, auto_resize_disk, last_contact_at, created_at`

func scanServer(row pgx.Row) (*domain.Server, error) {
	var (
		s           domain.Server
		lastContact sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.TeamID, &s.Hostname, &s.PrivateIP, &s.Platform, &s.Cluster, &s.Public, &s.Status, &s.AgentURL, &s.ScaledUp, &s.AutoResizeDisk, &lastContact, &s.CreatedAt); err != nil {
		return nil, err
	}
	if lastContact.Valid {
		value := lastContact.Time.UTC()
		s.LastContactAt = &value
	}
	return &s, nil
}

// GetServerByID fetches a server.
func (r *Repository) GetServerByID(ctx context.Context, serverID string) (*domain.Server, error) {
	server, err := scanServer(r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return server, nil
}

// ListServersByIDs returns servers for the given identifiers.
func (r *Repository) ListServersByIDs(ctx context.Context, serverIDs []string) ([]domain.Server, error) {
	if len(serverIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ANY($1)`, serverIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectServers(rows)
}

// ListActiveServers returns all servers in Active status.
func (r *Repository) ListActiveServers(ctx context.Context) ([]domain.Server, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE status = $1 ORDER BY created_at`, domain.ServerStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectServers(rows)
}

func collectServers(rows pgx.Rows) ([]domain.Server, error) {
	servers := make([]domain.Server, 0)
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

// TouchServerContact records the last successful agent contact.
func (r *Repository) TouchServerContact(ctx context.Context, serverID string, at time.Time) error {
	const query = `UPDATE servers SET last_contact_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, serverID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateSource inserts an app source.
func (r *Repository) CreateSource(ctx context.Context, source *domain.AppSource) error {
	const query = `INSERT INTO app_sources (id, team_id, app, repo_owner, repo_name, repo_url, branch, versions, installation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		source.ID,
		source.TeamID,
		source.App,
		source.RepoOwner,
		source.RepoName,
		source.RepoURL,
		source.Branch,
		source.Versions,
		int64ToNil(source.InstallationID),
		source.CreatedAt,
	)
	return mapPgError(err)
}

const sourceColumns = `id, team_id, app, repo_owner, repo_name, repo_url, branch, versions, COALESCE(installation_id, 0), created_at`

func scanSource(row pgx.Row) (*domain.AppSource, error) {
	var s domain.AppSource
	if err := row.Scan(&s.ID, &s.TeamID, &s.App, &s.RepoOwner, &s.RepoName, &s.RepoURL, &s.Branch, &s.Versions, &s.InstallationID, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSourceByID fetches an app source.
func (r *Repository) GetSourceByID(ctx context.Context, sourceID string) (*domain.AppSource, error) {
	source, err := scanSource(r.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM app_sources WHERE id = $1`, sourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return source, nil
}

// FindSourceByRepo locates a source by repository coordinates.
func (r *Repository) FindSourceByRepo(ctx context.Context, owner, name, branch string) (*domain.AppSource, error) {
	const query = `SELECT ` + sourceColumns + ` FROM app_sources WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3`
	source, err := scanSource(r.pool.QueryRow(ctx, query, owner, name, branch))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return source, nil
}

// CreateRelease inserts an app release. Duplicate (source, hash) pairs
// map to ErrConflict.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.AppRelease) error {
	const query = `INSERT INTO app_releases (id, source_id, app, hash, message, author, status, clone_dir, changed_files, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		release.ID,
		release.SourceID,
		release.App,
		release.Hash,
		release.Message,
		release.Author,
		release.Status,
		emptyToNil(release.CloneDir),
		release.ChangedFiles,
		release.Timestamp,
		release.CreatedAt,
	)
	return mapPgError(err)
}

const releaseColumns = `id, source_id, app, hash, message, author, status, COALESCE(clone_dir, ''), changed_files, timestamp, created_at`

func scanRelease(row pgx.Row) (*domain.AppRelease, error) {
	var rel domain.AppRelease
	if err := row.Scan(&rel.ID, &rel.SourceID, &rel.App, &rel.Hash, &rel.Message, &rel.Author, &rel.Status, &rel.CloneDir, &rel.ChangedFiles, &rel.Timestamp, &rel.CreatedAt); err != nil {
		return nil, err
	}
	return &rel, nil
}

// GetReleaseByID fetches a release.
func (r *Repository) GetReleaseByID(ctx context.Context, releaseID string) (*domain.AppRelease, error) {
	release, err := scanRelease(r.pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM app_releases WHERE id = $1`, releaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return release, nil
}

// FindRelease locates a release by source and commit hash.
func (r *Repository) FindRelease(ctx context.Context, sourceID, hash string) (*domain.AppRelease, error) {
	const query = `SELECT ` + releaseColumns + ` FROM app_releases WHERE source_id = $1 AND hash = $2`
	release, err := scanRelease(r.pool.QueryRow(ctx, query, sourceID, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return release, nil
}

// LatestApprovedRelease returns the newest approved release of a source.
func (r *Repository) LatestApprovedRelease(ctx context.Context, sourceID string) (*domain.AppRelease, error) {
	const query = `SELECT ` + releaseColumns + ` FROM app_releases
		WHERE source_id = $1 AND status = $2 ORDER BY timestamp DESC LIMIT 1`
	release, err := scanRelease(r.pool.QueryRow(ctx, query, sourceID, domain.ReleaseStatusApproved))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return release, nil
}

// UpdateReleaseStatus mutates the approval status.
func (r *Repository) UpdateReleaseStatus(ctx context.Context, releaseID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE app_releases SET status = $2 WHERE id = $1`, releaseID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetReleaseCloneDir records the local clone directory for a release.
func (r *Repository) SetReleaseCloneDir(ctx context.Context, releaseID, dir string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE app_releases SET clone_dir = $2 WHERE id = $1`, releaseID, emptyToNil(dir))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
