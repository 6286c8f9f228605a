// Package siteops runs the specialized long-running records: site updates
// between benches, cross-server site migrations and bench updates (rolling
// or in place). Each record is advanced by agent job hooks and exposes a
// uniform terminal status to waiting action steps.
package siteops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/agentjob"
	"github.com/frappe/press-sub003/pkg/config"
)

// Reference doctype names recorded on agent jobs and action steps.
const (
	RefSiteUpdate    = "Site Update"
	RefSiteMigration = "Site Migration"
	RefBenchUpdate   = "Bench Update"
)

// Notifier creates user-visible failure notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, teamID, referenceType, referenceID, kind, detail string) error
}

// Emitter queues outbound webhook events for tenant subscribers.
type Emitter interface {
	Emit(ctx context.Context, event, teamID, referenceType, referenceID, status string, detail any) error
}

// Service owns the siteops state machines.
type Service struct {
	siteops  repository.SiteOpsRepository
	sites    repository.SiteRepository
	benches  repository.BenchRepository
	servers  repository.ServerRepository
	tracker  *agentjob.Tracker
	notifier Notifier
	emitter  Emitter
	cfg      config.Config
	logger   *slog.Logger
}

// New returns the siteops service and registers its job hooks.
func New(
	siteopsRepo repository.SiteOpsRepository,
	sites repository.SiteRepository,
	benches repository.BenchRepository,
	servers repository.ServerRepository,
	tracker *agentjob.Tracker,
	notifier Notifier,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	s := &Service{
		siteops:  siteopsRepo,
		sites:    sites,
		benches:  benches,
		servers:  servers,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
	tracker.OnUpdate(domain.JobTypeUpdateSiteMigrate, s.onSiteUpdateJob)
	tracker.OnUpdate(domain.JobTypeUpdateSitePull, s.onSiteUpdateJob)
	tracker.OnUpdate(domain.JobTypeMoveSite, s.onMoveSiteJob)
	tracker.OnUpdate(domain.JobTypeUpdateBenchInPlace, s.onInplaceJob)
	tracker.OnUpdate(domain.JobTypeRecoverUpdateInPlace, s.onRecoverInplaceJob)
	return s
}

// SetEventEmitter wires outbound webhook emission. Set after construction.
func (s *Service) SetEventEmitter(emitter Emitter) {
	s.emitter = emitter
}

func (s *Service) emit(ctx context.Context, event, teamID, referenceType, referenceID, status string, detail any) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, event, teamID, referenceType, referenceID, status, detail); err != nil {
		s.logger.Error("webhook emit failed", "event", event, "reference", referenceID, "error", err)
	}
}

// StartSiteUpdate moves a site to another bench on the same server. The
// update row is the unit a waiting action step polls.
func (s *Service) StartSiteUpdate(ctx context.Context, siteID, destBenchID string, migrate, skipBackups bool) (*domain.SiteUpdate, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	dest, err := s.benches.GetBenchByID(ctx, destBenchID)
	if err != nil {
		return nil, err
	}
	if dest.ServerID != site.ServerID {
		return nil, fmt.Errorf("site update: bench %s is on a different server", destBenchID)
	}
	update := &domain.SiteUpdate{
		ID:            uuid.NewString(),
		TeamID:        site.TeamID,
		SiteID:        site.ID,
		SourceBenchID: site.BenchID,
		DestBenchID:   dest.ID,
		Status:        domain.UpdateStatusPending,
		SkipBackups:   skipBackups,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.siteops.CreateSiteUpdate(ctx, update); err != nil {
		return nil, err
	}

	jobType := domain.JobTypeUpdateSitePull
	if migrate {
		jobType = domain.JobTypeUpdateSiteMigrate
	}
	job, err := s.tracker.NewJob(site.TeamID, site.ServerID, site.BenchID, site.ID, jobType,
		fmt.Sprintf("/benches/%s/sites/%s/update", site.BenchID, site.ID),
		map[string]any{"target": dest.ID, "skip_backups": skipBackups})
	if err != nil {
		return nil, err
	}
	job.ReferenceType = RefSiteUpdate
	job.ReferenceID = update.ID
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.UpdateSite(ctx, site.BenchID, site.ID, dest.ID, migrate, skipBackups)
	}); err != nil {
		return update, s.failSiteUpdate(ctx, update, domain.UpdateStatusFailure, err)
	}
	if err := s.siteops.UpdateSiteUpdateStatus(ctx, update.ID, domain.UpdateStatusRunning); err != nil {
		return update, err
	}
	update.Status = domain.UpdateStatusRunning
	return update, nil
}

// onSiteUpdateJob advances the SiteUpdate referenced by a finished update
// job. A failed forward pass starts a recovery pull back to the source
// bench; a failed recovery is fatal.
func (s *Service) onSiteUpdateJob(ctx context.Context, job *domain.AgentJob) error {
	if job.ReferenceType != RefSiteUpdate || job.ReferenceID == "" {
		return nil
	}
	update, err := s.siteops.GetSiteUpdateByID(ctx, job.ReferenceID)
	if err != nil {
		return err
	}
	if domain.TerminalSuccess(update.Status) || domain.TerminalFailure(update.Status) {
		return nil
	}

	switch job.Status {
	case domain.JobStatusSuccess:
		if update.Status == domain.UpdateStatusRecovering {
			return s.siteops.UpdateSiteUpdateStatus(ctx, update.ID, domain.UpdateStatusRecovered)
		}
		site, err := s.sites.GetSiteByID(ctx, update.SiteID)
		if err != nil {
			return err
		}
		dest, err := s.benches.GetBenchByID(ctx, update.DestBenchID)
		if err != nil {
			return err
		}
		if err := s.sites.MoveSiteToBench(ctx, site.ID, dest.ID, dest.ServerID, dest.GroupID); err != nil {
			return err
		}
		if err := s.siteops.UpdateSiteUpdateStatus(ctx, update.ID, domain.UpdateStatusSuccess); err != nil {
			return err
		}
		s.emit(ctx, domain.EventSiteStatusUpdate, update.TeamID, "Site", site.ID, domain.UpdateStatusSuccess, map[string]any{"bench": dest.ID})
		return nil

	case domain.JobStatusFailure:
		if update.Status == domain.UpdateStatusRecovering {
			return s.failSiteUpdate(ctx, update, domain.UpdateStatusFatal, errors.New("recovery failed"))
		}
		return s.recoverSiteUpdate(ctx, update)

	case domain.JobStatusDeliveryFailure:
		return s.failSiteUpdate(ctx, update, domain.UpdateStatusFailure, errors.New("agent unreachable"))
	}
	return nil
}

// recoverSiteUpdate pulls the site back to its source bench after a failed
// forward update.
func (s *Service) recoverSiteUpdate(ctx context.Context, update *domain.SiteUpdate) error {
	if err := s.siteops.UpdateSiteUpdateStatus(ctx, update.ID, domain.UpdateStatusRecovering); err != nil {
		return err
	}
	site, err := s.sites.GetSiteByID(ctx, update.SiteID)
	if err != nil {
		return err
	}
	job, err := s.tracker.NewJob(site.TeamID, site.ServerID, update.DestBenchID, site.ID, domain.JobTypeUpdateSitePull,
		fmt.Sprintf("/benches/%s/sites/%s/update", update.DestBenchID, site.ID),
		map[string]any{"target": update.SourceBenchID, "recover": true})
	if err != nil {
		return err
	}
	job.ReferenceType = RefSiteUpdate
	job.ReferenceID = update.ID
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.UpdateSite(ctx, update.DestBenchID, site.ID, update.SourceBenchID, false, true)
	}); err != nil {
		return s.failSiteUpdate(ctx, update, domain.UpdateStatusFatal, err)
	}
	return nil
}

// RecoverSiteUpdate re-runs the recovery pull for a failed site update, at
// user request. Updates that already recovered are left alone.
func (s *Service) RecoverSiteUpdate(ctx context.Context, updateID string) error {
	update, err := s.siteops.GetSiteUpdateByID(ctx, updateID)
	if err != nil {
		return err
	}
	switch update.Status {
	case domain.UpdateStatusFailure, domain.UpdateStatusFatal:
		return s.recoverSiteUpdate(ctx, update)
	case domain.UpdateStatusRecovering:
		return nil
	}
	return fmt.Errorf("%w: site update %s is %s", repository.ErrInvalidArgument, updateID, update.Status)
}

func (s *Service) failSiteUpdate(ctx context.Context, update *domain.SiteUpdate, status string, cause error) error {
	if err := s.siteops.UpdateSiteUpdateStatus(ctx, update.ID, status); err != nil {
		return err
	}
	s.logger.Error("site update failed", "update", update.ID, "site", update.SiteID, "status", status, "error", cause)
	if s.notifier != nil {
		if err := s.notifier.NotifyFailure(ctx, update.TeamID, RefSiteUpdate, update.ID, "Site Update Failure", cause.Error()); err != nil {
			s.logger.Error("site update notification failed", "update", update.ID, "error", err)
		}
	}
	s.emit(ctx, domain.EventSiteStatusUpdate, update.TeamID, "Site", update.SiteID, status, map[string]any{"error": cause.Error()})
	return nil
}

// StartSiteMigration moves a site to a server in another cluster. The move
// is driven from the destination side.
func (s *Service) StartSiteMigration(ctx context.Context, siteID, destServerID string) (*domain.SiteMigration, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	destServer, err := s.servers.GetServerByID(ctx, destServerID)
	if err != nil {
		return nil, err
	}
	destBench, err := s.latestActiveBench(ctx, site.GroupID, destServerID)
	if err != nil {
		return nil, err
	}

	migration := &domain.SiteMigration{
		ID:             uuid.NewString(),
		TeamID:         site.TeamID,
		SiteID:         site.ID,
		SourceBenchID:  site.BenchID,
		DestBenchID:    destBench.ID,
		SourceServerID: site.ServerID,
		DestServerID:   destServerID,
		Cluster:        destServer.Cluster,
		Status:         domain.MigrationStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.siteops.CreateSiteMigration(ctx, migration); err != nil {
		return nil, err
	}

	sourceServer, err := s.servers.GetServerByID(ctx, site.ServerID)
	if err != nil {
		return nil, err
	}
	job, err := s.tracker.NewJob(site.TeamID, destServerID, destBench.ID, site.ID, domain.JobTypeMoveSite,
		fmt.Sprintf("/benches/%s/sites/%s/move", destBench.ID, site.ID),
		map[string]any{"source": sourceServer.Hostname})
	if err != nil {
		return nil, err
	}
	job.ReferenceType = RefSiteMigration
	job.ReferenceID = migration.ID
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.MoveSite(ctx, destBench.ID, site.ID, sourceServer.Hostname)
	}); err != nil {
		return migration, s.failMigration(ctx, migration, err)
	}
	if err := s.siteops.UpdateSiteMigrationStatus(ctx, migration.ID, domain.MigrationStatusRunning); err != nil {
		return migration, err
	}
	migration.Status = domain.MigrationStatusRunning
	return migration, nil
}

func (s *Service) onMoveSiteJob(ctx context.Context, job *domain.AgentJob) error {
	if job.ReferenceType != RefSiteMigration || job.ReferenceID == "" {
		return nil
	}
	migration, err := s.siteops.GetSiteMigrationByID(ctx, job.ReferenceID)
	if err != nil {
		return err
	}
	switch migration.Status {
	case domain.MigrationStatusSuccess, domain.MigrationStatusFailure:
		return nil
	}

	switch job.Status {
	case domain.JobStatusSuccess:
		dest, err := s.benches.GetBenchByID(ctx, migration.DestBenchID)
		if err != nil {
			return err
		}
		if err := s.sites.MoveSiteToBench(ctx, migration.SiteID, dest.ID, dest.ServerID, dest.GroupID); err != nil {
			return err
		}
		if err := s.siteops.UpdateSiteMigrationStatus(ctx, migration.ID, domain.MigrationStatusSuccess); err != nil {
			return err
		}
		s.emit(ctx, domain.EventSiteMigrationCompletion, migration.TeamID, RefSiteMigration, migration.ID, domain.MigrationStatusSuccess, map[string]any{"site": migration.SiteID, "cluster": migration.Cluster})
		return nil
	case domain.JobStatusFailure, domain.JobStatusDeliveryFailure:
		return s.failMigration(ctx, migration, errors.New("move job failed"))
	}
	return nil
}

func (s *Service) failMigration(ctx context.Context, migration *domain.SiteMigration, cause error) error {
	if err := s.siteops.UpdateSiteMigrationStatus(ctx, migration.ID, domain.MigrationStatusFailure); err != nil {
		return err
	}
	s.logger.Error("site migration failed", "migration", migration.ID, "site", migration.SiteID, "error", cause)
	if s.notifier != nil {
		if err := s.notifier.NotifyFailure(ctx, migration.TeamID, RefSiteMigration, migration.ID, "Site Migration Failure", cause.Error()); err != nil {
			s.logger.Error("migration notification failed", "migration", migration.ID, "error", err)
		}
	}
	s.emit(ctx, domain.EventSiteMigrationCompletion, migration.TeamID, RefSiteMigration, migration.ID, domain.MigrationStatusFailure, map[string]any{"site": migration.SiteID, "error": cause.Error()})
	return nil
}

// StartRollingUpdate creates the BenchUpdate that schedules site updates
// from the bench's predecessor once the new bench is active. A candidate
// already carrying an update keeps the existing record.
func (s *Service) StartRollingUpdate(ctx context.Context, benchID, candidateID string) (*domain.BenchUpdate, error) {
	if existing, err := s.siteops.FindBenchUpdateByCandidate(ctx, candidateID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return nil, err
	}
	update := &domain.BenchUpdate{
		ID:          uuid.NewString(),
		TeamID:      bench.TeamID,
		GroupID:     bench.GroupID,
		BenchID:     bench.ID,
		CandidateID: candidateID,
		Status:      domain.BenchUpdateStatusPending,
		ImageTag:    bench.ImageTag,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.siteops.CreateBenchUpdate(ctx, update); err != nil {
		return nil, err
	}
	return update, nil
}

// AdvanceForCandidate moves the candidate's rolling update forward: once
// the new bench is active, every site on older benches of the same group
// and server gets a SiteUpdate onto it.
func (s *Service) AdvanceForCandidate(ctx context.Context, candidateID string) error {
	update, err := s.siteops.FindBenchUpdateByCandidate(ctx, candidateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if update.Status != domain.BenchUpdateStatusPending {
		return nil
	}
	dest, err := s.benches.GetBenchByID(ctx, update.BenchID)
	if err != nil {
		return err
	}
	if dest.Status != domain.BenchStatusActive {
		return nil
	}
	if err := s.siteops.UpdateBenchUpdateStatus(ctx, update.ID, domain.BenchUpdateStatusRunning); err != nil {
		return err
	}

	older, err := s.benches.ListBenchesByGroupServer(ctx, dest.GroupID, dest.ServerID, []string{domain.BenchStatusActive})
	if err != nil {
		return err
	}
	pending := 0
	for _, bench := range older {
		if bench.ID == dest.ID || !bench.CreatedAt.Before(dest.CreatedAt) {
			continue
		}
		sites, err := s.sites.ListSitesOnBench(ctx, bench.ID)
		if err != nil {
			return err
		}
		for _, site := range sites {
			if site.Status == domain.SiteStatusArchived {
				continue
			}
			if _, err := s.StartSiteUpdate(ctx, site.ID, dest.ID, true, false); err != nil {
				s.logger.Error("rolling site update failed to start", "site", site.ID, "error", err)
				continue
			}
			pending++
		}
	}
	if pending == 0 {
		return s.siteops.UpdateBenchUpdateStatus(ctx, update.ID, domain.BenchUpdateStatusSuccess)
	}
	return nil
}

// StartInplaceUpdate switches a running bench to a new image without a new
// bench row. A second concurrent in-place update on the same bench is
// rejected with ErrConflict; the attempt counter feeds the image tag.
func (s *Service) StartInplaceUpdate(ctx context.Context, benchID, baseImageTag string) (*domain.BenchUpdate, error) {
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.siteops.FindActiveBenchUpdate(ctx, bench.ID); err == nil {
		return nil, repository.ErrConflict
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	attempt, err := s.benches.IncrementInplaceCount(ctx, bench.ID)
	if err != nil {
		return nil, err
	}
	imageTag := fmt.Sprintf("%s-inplace-%02d", baseImageTag, attempt)

	update := &domain.BenchUpdate{
		ID:          uuid.NewString(),
		TeamID:      bench.TeamID,
		GroupID:     bench.GroupID,
		BenchID:     bench.ID,
		CandidateID: bench.CandidateID,
		Status:      domain.BenchUpdateStatusPending,
		Inplace:     true,
		ImageTag:    imageTag,
		Attempt:     attempt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.siteops.CreateBenchUpdate(ctx, update); err != nil {
		return nil, err
	}
	if err := s.benches.UpdateBenchStatus(ctx, bench.ID, domain.BenchStatusUpdating); err != nil {
		return nil, err
	}

	sites, err := s.sites.ListSitesOnBench(ctx, bench.ID)
	if err != nil {
		return nil, err
	}
	siteIDs := make([]string, 0, len(sites))
	for _, site := range sites {
		siteIDs = append(siteIDs, site.ID)
	}

	job, err := s.tracker.NewJob(bench.TeamID, bench.ServerID, bench.ID, "", domain.JobTypeUpdateBenchInPlace,
		fmt.Sprintf("/benches/%s/update_inplace", bench.ID),
		map[string]any{"image": imageTag, "sites": siteIDs})
	if err != nil {
		return nil, err
	}
	job.ReferenceType = RefBenchUpdate
	job.ReferenceID = update.ID
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.UpdateBenchInPlace(ctx, bench.ID, imageTag, siteIDs)
	}); err != nil {
		return update, s.failBenchUpdate(ctx, update, err)
	}
	if err := s.siteops.UpdateBenchUpdateStatus(ctx, update.ID, domain.BenchUpdateStatusRunning); err != nil {
		return update, err
	}
	update.Status = domain.BenchUpdateStatusRunning
	return update, nil
}

func (s *Service) onInplaceJob(ctx context.Context, job *domain.AgentJob) error {
	if job.ReferenceType != RefBenchUpdate || job.ReferenceID == "" {
		return nil
	}
	update, err := s.siteops.GetBenchUpdateByID(ctx, job.ReferenceID)
	if err != nil {
		return err
	}
	switch update.Status {
	case domain.BenchUpdateStatusSuccess, domain.BenchUpdateStatusFailure:
		return nil
	}

	switch job.Status {
	case domain.JobStatusSuccess:
		if err := s.benches.UpdateBenchStatus(ctx, update.BenchID, domain.BenchStatusActive); err != nil {
			return err
		}
		return s.siteops.UpdateBenchUpdateStatus(ctx, update.ID, domain.BenchUpdateStatusSuccess)
	case domain.JobStatusFailure:
		return s.recoverInplace(ctx, update)
	case domain.JobStatusDeliveryFailure:
		return s.failBenchUpdate(ctx, update, errors.New("agent unreachable"))
	}
	return nil
}

// recoverInplace rolls the bench back to the image it ran before the
// failed in-place switch.
func (s *Service) recoverInplace(ctx context.Context, update *domain.BenchUpdate) error {
	bench, err := s.benches.GetBenchByID(ctx, update.BenchID)
	if err != nil {
		return err
	}
	job, err := s.tracker.NewJob(bench.TeamID, bench.ServerID, bench.ID, "", domain.JobTypeRecoverUpdateInPlace,
		fmt.Sprintf("/benches/%s/recover_update_inplace", bench.ID), nil)
	if err != nil {
		return err
	}
	job.ReferenceType = RefBenchUpdate
	job.ReferenceID = update.ID
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.RecoverUpdateInPlace(ctx, bench.ID)
	}); err != nil {
		return s.failBenchUpdate(ctx, update, err)
	}
	return nil
}

func (s *Service) onRecoverInplaceJob(ctx context.Context, job *domain.AgentJob) error {
	if job.ReferenceType != RefBenchUpdate || job.ReferenceID == "" {
		return nil
	}
	update, err := s.siteops.GetBenchUpdateByID(ctx, job.ReferenceID)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.JobStatusSuccess:
		if err := s.benches.UpdateBenchStatus(ctx, update.BenchID, domain.BenchStatusActive); err != nil {
			return err
		}
		return s.failBenchUpdate(ctx, update, errors.New("in-place update rolled back"))
	case domain.JobStatusFailure, domain.JobStatusDeliveryFailure:
		if err := s.benches.UpdateBenchStatus(ctx, update.BenchID, domain.BenchStatusBroken); err != nil {
			return err
		}
		return s.failBenchUpdate(ctx, update, errors.New("in-place recovery failed"))
	}
	return nil
}

func (s *Service) failBenchUpdate(ctx context.Context, update *domain.BenchUpdate, cause error) error {
	if err := s.siteops.UpdateBenchUpdateStatus(ctx, update.ID, domain.BenchUpdateStatusFailure); err != nil {
		return err
	}
	s.logger.Error("bench update failed", "update", update.ID, "bench", update.BenchID, "error", cause)
	if s.notifier != nil {
		if err := s.notifier.NotifyFailure(ctx, update.TeamID, RefBenchUpdate, update.ID, "Bench Update Failure", cause.Error()); err != nil {
			s.logger.Error("bench update notification failed", "update", update.ID, "error", err)
		}
	}
	return nil
}

// latestActiveBench finds the newest active bench of a group on a server.
func (s *Service) latestActiveBench(ctx context.Context, groupID, serverID string) (*domain.Bench, error) {
	benches, err := s.benches.ListBenchesByGroupServer(ctx, groupID, serverID, []string{domain.BenchStatusActive})
	if err != nil {
		return nil, err
	}
	if len(benches) == 0 {
		return nil, repository.ErrNotFound
	}
	latest := benches[0]
	for _, bench := range benches[1:] {
		if bench.CreatedAt.After(latest.CreatedAt) {
			latest = bench
		}
	}
	return &latest, nil
}
