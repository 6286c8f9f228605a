package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

// CreateGroup inserts a release group. Nested lists (apps, dependencies,
// environment, packages) are stored as jsonb on the row; the app list
// order is significant (first app is the framework app).
func (r *Repository) CreateGroup(ctx context.Context, group *domain.ReleaseGroup) error {
	apps, err := json.Marshal(group.Apps)
	if err != nil {
		return fmt.Errorf("marshal group apps: %w", err)
	}
	deps, err := json.Marshal(group.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal group dependencies: %w", err)
	}
	env, err := json.Marshal(group.Environment)
	if err != nil {
		return fmt.Errorf("marshal group environment: %w", err)
	}
	const query = `INSERT INTO release_groups (id, team_id, title, version, public, central, enabled, auto_deploy, servers, apps, dependencies, environment, packages, workers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.pool.Exec(ctx, query,
		group.ID,
		group.TeamID,
		group.Title,
		group.Version,
		group.Public,
		group.Central,
		group.Enabled,
		group.AutoDeploy,
		group.Servers,
		apps,
		deps,
		env,
		group.Packages,
		group.Workers,
		group.CreatedAt,
	)
	return mapPgError(err)
}

const groupColumns = `id, team_id, title, version, public, central, enabled, auto_deploy, servers, apps, dependencies, environment, packages, workers, created_at`

func scanGroup(row pgx.Row) (*domain.ReleaseGroup, error) {
	var (
		g          domain.ReleaseGroup
		apps, deps []byte
		env        []byte
	)
	if err := row.Scan(&g.ID, &g.TeamID, &g.Title, &g.Version, &g.Public, &g.Central, &g.Enabled, &g.AutoDeploy, &g.Servers, &apps, &deps, &env, &g.Packages, &g.Workers, &g.CreatedAt); err != nil {
		return nil, err
	}
	if len(apps) > 0 {
		if err := json.Unmarshal(apps, &g.Apps); err != nil {
			return nil, fmt.Errorf("unmarshal group apps: %w", err)
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &g.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal group dependencies: %w", err)
		}
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &g.Environment); err != nil {
			return nil, fmt.Errorf("unmarshal group environment: %w", err)
		}
	}
	return &g, nil
}

// GetGroupByID fetches a release group.
func (r *Repository) GetGroupByID(ctx context.Context, groupID string) (*domain.ReleaseGroup, error) {
	group, err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM release_groups WHERE id = $1`, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return group, nil
}

// ListGroupsByTeam returns groups owned by the team.
func (r *Repository) ListGroupsByTeam(ctx context.Context, teamID string) ([]domain.ReleaseGroup, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+groupColumns+` FROM release_groups WHERE team_id = $1 ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// AddGroupServer appends a server to the group's server list if absent.
func (r *Repository) AddGroupServer(ctx context.Context, groupID, serverID string) error {
	const query = `UPDATE release_groups
		SET servers = array_append(servers, $2)
		WHERE id = $1 AND NOT ($2 = ANY(servers))`
	tag, err := r.pool.Exec(ctx, query, groupID, serverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already present; disambiguate.
		if _, err := r.GetGroupByID(ctx, groupID); err != nil {
			return err
		}
	}
	return nil
}

// ListGroupsBySource finds enabled groups that pin the given app source.
func (r *Repository) ListGroupsBySource(ctx context.Context, sourceID string) ([]domain.ReleaseGroup, error) {
	const query = `SELECT ` + groupColumns + ` FROM release_groups
		WHERE enabled
		AND apps @> jsonb_build_array(jsonb_build_object('SourceID', $1::text))`
	rows, err := r.pool.Query(ctx, query, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

func collectGroups(rows pgx.Rows) ([]domain.ReleaseGroup, error) {
	groups := make([]domain.ReleaseGroup, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *group)
	}
	return groups, rows.Err()
}

// CreateCandidate inserts a deploy candidate with its frozen app list.
func (r *Repository) CreateCandidate(ctx context.Context, candidate *domain.DeployCandidate) error {
	apps, err := json.Marshal(candidate.Apps)
	if err != nil {
		return fmt.Errorf("marshal candidate apps: %w", err)
	}
	const query = `INSERT INTO deploy_candidates (id, team_id, group_id, status, platforms, apps, scheduled_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query,
		candidate.ID,
		candidate.TeamID,
		candidate.GroupID,
		candidate.Status,
		candidate.Platforms,
		apps,
		timePtrToNil(candidate.ScheduledTime),
		candidate.CreatedAt,
	)
	return mapPgError(err)
}

// GetCandidateByID fetches a deploy candidate. The app list is immutable
// after creation; no update path exists for it.
func (r *Repository) GetCandidateByID(ctx context.Context, candidateID string) (*domain.DeployCandidate, error) {
	const query = `SELECT id, team_id, group_id, status, platforms, apps, scheduled_time, created_at
		FROM deploy_candidates WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, candidateID)
	var (
		c         domain.DeployCandidate
		apps      []byte
		scheduled *time.Time
	)
	if err := row.Scan(&c.ID, &c.TeamID, &c.GroupID, &c.Status, &c.Platforms, &apps, &scheduled, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(apps) > 0 {
		if err := json.Unmarshal(apps, &c.Apps); err != nil {
			return nil, fmt.Errorf("unmarshal candidate apps: %w", err)
		}
	}
	c.ScheduledTime = scheduled
	return &c, nil
}

// UpdateCandidateStatus mutates the candidate status.
func (r *Repository) UpdateCandidateStatus(ctx context.Context, candidateID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deploy_candidates SET status = $2 WHERE id = $1`, candidateID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
