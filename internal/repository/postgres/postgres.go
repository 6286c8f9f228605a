package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frappe/press-sub003/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TeamRepository         = (*Repository)(nil)
	_ repository.ServerRepository       = (*Repository)(nil)
	_ repository.SourceRepository       = (*Repository)(nil)
	_ repository.GroupRepository        = (*Repository)(nil)
	_ repository.CandidateRepository    = (*Repository)(nil)
	_ repository.BuildRepository        = (*Repository)(nil)
	_ repository.BenchRepository        = (*Repository)(nil)
	_ repository.SiteRepository         = (*Repository)(nil)
	_ repository.AgentJobRepository     = (*Repository)(nil)
	_ repository.ActionRepository       = (*Repository)(nil)
	_ repository.SiteOpsRepository      = (*Repository)(nil)
	_ repository.NotificationRepository = (*Repository)(nil)
	_ repository.WebhookRepository      = (*Repository)(nil)
)

// mapPgError translates well-known postgres error codes to sentinel errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func int64ToNil(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
