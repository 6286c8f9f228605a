// Package team resolves the tenant identity every request carries.
package team

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/jwt"
)

// ErrDisabled marks a team that exists but may not act.
var ErrDisabled = errors.New("team is disabled")

// Service authenticates tokens and resolves teams.
type Service struct {
	teams     repository.TeamRepository
	jwtSecret string
	tokenTTL  time.Duration
	logger    *slog.Logger
}

func New(teams repository.TeamRepository, jwtSecret string, tokenTTL time.Duration, logger *slog.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{teams: teams, jwtSecret: jwtSecret, tokenTTL: tokenTTL, logger: logger}
}

// Create registers a new tenant.
func (s *Service) Create(ctx context.Context, name string) (*domain.Team, error) {
	team := &domain.Team{
		ID:            uuid.NewString(),
		Name:          name,
		Enabled:       true,
		BillingStatus: "Trial",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.teams.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	return team, nil
}

// IssueToken mints an API token bound to a user and team.
func (s *Service) IssueToken(userID, teamID string) (string, error) {
	return jwt.GenerateToken(userID, teamID, s.jwtSecret, s.tokenTTL)
}

// Authenticate validates a bearer token and returns the enabled team it
// names.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Team, error) {
	claims, err := jwt.Parse(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.TeamID == "" {
		return nil, errors.New("token carries no team")
	}
	team, err := s.teams.GetTeamByID(ctx, claims.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.Enabled {
		return nil, ErrDisabled
	}
	return team, nil
}
