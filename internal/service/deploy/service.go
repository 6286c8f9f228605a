// Package deploy materialises benches from successful builds: candidate
// creation, bench rollout, readiness tracking and obsolete-bench archival.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/agentjob"
	"github.com/frappe/press-sub003/internal/service/build"
	"github.com/frappe/press-sub003/pkg/config"
)

// ErrNoServers rejects a candidate for a group with no servers.
var ErrNoServers = errors.New("deploy: release group has no servers")

// BenchUpdater is the hook into the rolling-update state machine: a record
// is opened when a bench starts provisioning and advanced once it is
// active.
type BenchUpdater interface {
	StartRollingUpdate(ctx context.Context, benchID, candidateID string) (*domain.BenchUpdate, error)
	AdvanceForCandidate(ctx context.Context, candidateID string) error
}

// Emitter queues outbound webhook events for tenant subscribers.
type Emitter interface {
	Emit(ctx context.Context, event, teamID, referenceType, referenceID, status string, detail any) error
}

// Service is the deployment controller.
type Service struct {
	groups     repository.GroupRepository
	candidates repository.CandidateRepository
	builds     repository.BuildRepository
	benches    repository.BenchRepository
	sites      repository.SiteRepository
	servers    repository.ServerRepository
	sources    repository.SourceRepository
	jobs       repository.AgentJobRepository
	siteops    repository.SiteOpsRepository
	tracker    *agentjob.Tracker
	dialer     *agent.Dialer
	updater    BenchUpdater
	emitter    Emitter
	cfg        config.Config
	logger     *slog.Logger
}

// New returns a deployment controller and registers its job hooks on the
// tracker.
func New(
	groups repository.GroupRepository,
	candidates repository.CandidateRepository,
	builds repository.BuildRepository,
	benches repository.BenchRepository,
	sites repository.SiteRepository,
	servers repository.ServerRepository,
	sources repository.SourceRepository,
	jobs repository.AgentJobRepository,
	siteops repository.SiteOpsRepository,
	tracker *agentjob.Tracker,
	dialer *agent.Dialer,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	s := &Service{
		groups:     groups,
		candidates: candidates,
		builds:     builds,
		benches:    benches,
		sites:      sites,
		servers:    servers,
		sources:    sources,
		jobs:       jobs,
		siteops:    siteops,
		tracker:    tracker,
		dialer:     dialer,
		cfg:        cfg,
		logger:     logger,
	}
	tracker.OnUpdate(domain.JobTypeNewBench, s.onNewBenchJob)
	tracker.OnUpdate(domain.JobTypeArchiveBench, s.onArchiveBenchJob)
	tracker.OnUpdate(domain.JobTypeSyncBench, s.onSyncBenchJob)
	return s
}

// SetBenchUpdater wires the rolling-update advancer. Set after construction
// to break the deploy/siteops dependency cycle.
func (s *Service) SetBenchUpdater(updater BenchUpdater) {
	s.updater = updater
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

// CreateGroup registers a release group. The first app is the framework
// app; an empty app list is rejected.
func (s *Service) CreateGroup(ctx context.Context, group *domain.ReleaseGroup) error {
	if len(group.Apps) == 0 {
		return fmt.Errorf("%w: release group needs at least one app", repository.ErrInvalidArgument)
	}
	if group.Title == "" {
		return fmt.Errorf("%w: release group needs a title", repository.ErrInvalidArgument)
	}
	group.ID = uuid.NewString()
	group.Enabled = true
	group.CreatedAt = time.Now().UTC()
	return s.groups.CreateGroup(ctx, group)
}

// CreateCandidate freezes the group's app list at the latest approved
// release per app and derives the platform set from the group's servers.
func (s *Service) CreateCandidate(ctx context.Context, groupID string) (*domain.DeployCandidate, error) {
	group, err := s.groups.GetGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(group.Servers) == 0 {
		return nil, ErrNoServers
	}
	servers, err := s.servers.ListServersByIDs(ctx, group.Servers)
	if err != nil {
		return nil, err
	}
	platformSet := make(map[string]bool)
	for _, server := range servers {
		if server.Status != domain.ServerStatusArchived {
			platformSet[server.Platform] = true
		}
	}
	platforms := make([]string, 0, len(platformSet))
	for platform := range platformSet {
		platforms = append(platforms, platform)
	}

	apps := make([]domain.DeployCandidateApp, 0, len(group.Apps))
	for _, groupApp := range group.Apps {
		release, err := s.sources.LatestApprovedRelease(ctx, groupApp.SourceID)
		if err != nil {
			return nil, fmt.Errorf("resolve release for %s: %w", groupApp.App, err)
		}
		apps = append(apps, domain.DeployCandidateApp{
			App:        groupApp.App,
			SourceID:   groupApp.SourceID,
			ReleaseID:  release.ID,
			Hash:       release.Hash,
			PullUpdate: build.EligibleForPullUpdate(release.ChangedFiles),
		})
	}

	candidate := &domain.DeployCandidate{
		ID:        uuid.NewString(),
		TeamID:    group.TeamID,
		GroupID:   group.ID,
		Status:    domain.CandidateStatusDraft,
		Platforms: platforms,
		Apps:      apps,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.candidates.CreateCandidate(ctx, candidate); err != nil {
		return nil, err
	}
	return candidate, nil
}

// Deploy rolls a successfully built candidate onto every group server that
// does not yet realise it: allocate a bench, submit a New Bench job, let
// the job hook take it from there.
func (s *Service) Deploy(ctx context.Context, candidateID string) error {
	candidate, err := s.candidates.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return err
	}
	group, err := s.groups.GetGroupByID(ctx, candidate.GroupID)
	if err != nil {
		return err
	}
	servers, err := s.servers.ListServersByIDs(ctx, group.Servers)
	if err != nil {
		return err
	}
	for _, server := range servers {
		if server.Status == domain.ServerStatusArchived {
			continue
		}
		if _, err := s.benches.FindBenchForCandidate(ctx, candidate.ID, server.ID); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		build, err := s.builds.LastSuccessfulBuild(ctx, group.ID, server.Platform)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("no successful build for platform", "candidate", candidate.ID, "platform", server.Platform)
				continue
			}
			return err
		}
		if build.CandidateID != candidate.ID {
			continue
		}
		if err := s.provisionBench(ctx, group, candidate, &server, build); err != nil {
			return err
		}
	}
	return s.candidates.UpdateCandidateStatus(ctx, candidate.ID, domain.CandidateStatusRunning)
}

func (s *Service) provisionBench(ctx context.Context, group *domain.ReleaseGroup, candidate *domain.DeployCandidate, server *domain.Server, build *domain.Build) error {
	bench := &domain.Bench{
		ID:          uuid.NewString(),
		TeamID:      group.TeamID,
		GroupID:     group.ID,
		CandidateID: candidate.ID,
		ServerID:    server.ID,
		Status:      domain.BenchStatusPending,
		ImageTag:    build.ImageTag,
		CreatedAt:   time.Now().UTC(),
	}
	// CreateBench allocates the port offset under a row lock.
	if err := s.benches.CreateBench(ctx, bench); err != nil {
		return err
	}

	benchConfig, siteConfig, err := s.composeConfig(group, server, bench)
	if err != nil {
		return err
	}
	bench.Config = siteConfig
	bench.BenchConfig = benchConfig

	job, err := s.tracker.NewJob(group.TeamID, server.ID, bench.ID, "", domain.JobTypeNewBench, "/benches", map[string]any{
		"name":         bench.ID,
		"candidate_id": candidate.ID,
		"image":        bench.ImageTag,
		"config":       json.RawMessage(siteConfig),
		"bench_config": json.RawMessage(benchConfig),
	})
	if err != nil {
		return err
	}
	if err := s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.CreateBench(ctx, bench.ID, siteConfig, benchConfig)
	}); err != nil {
		s.logger.Error("new bench dispatch failed", "bench", bench.ID, "error", err)
		return s.benches.UpdateBenchStatus(ctx, bench.ID, domain.BenchStatusBroken)
	}
	if s.updater != nil {
		if _, err := s.updater.StartRollingUpdate(ctx, bench.ID, candidate.ID); err != nil {
			s.logger.Error("rolling update start failed", "bench", bench.ID, "error", err)
		}
	}
	return s.benches.UpdateBenchStatus(ctx, bench.ID, domain.BenchStatusInstalling)
}

// composeConfig merges global defaults, group configuration and derived
// per-instance endpoints. Port numbers come from the bench's offset plus
// the configured bases.
func (s *Service) composeConfig(group *domain.ReleaseGroup, server *domain.Server, bench *domain.Bench) (benchConfig, siteConfig json.RawMessage, err error) {
	redisPort := s.cfg.BenchRedisPortBase + bench.PortOffset
	webPort := s.cfg.BenchPortBase + bench.PortOffset

	site := map[string]any{
		"db_host":               server.PrivateIP,
		"redis_cache":           fmt.Sprintf("redis://%s:%d", server.PrivateIP, redisPort),
		"redis_queue":           fmt.Sprintf("redis://%s:%d", server.PrivateIP, redisPort+1),
		"webserver_port":        webPort,
		"developer_mode":        false,
		"server_script_enabled": false,
	}
	for _, env := range group.Environment {
		site[env.Key] = env.Value
	}
	siteConfig, err = json.Marshal(site)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal site config: %w", err)
	}

	benchMap := map[string]any{
		"docker_image":     bench.ImageTag,
		"web_port":         webPort,
		"redis_port":       redisPort,
		"workers":          group.Workers,
		"single_container": true,
	}
	benchConfig, err = json.Marshal(benchMap)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal bench config: %w", err)
	}
	return benchConfig, siteConfig, nil
}

// onNewBenchJob transitions the bench on job completion and runs the
// post-install chores for a freshly active bench.
func (s *Service) onNewBenchJob(ctx context.Context, job *domain.AgentJob) error {
	switch job.Status {
	case domain.JobStatusSuccess:
		if err := s.benches.UpdateBenchStatus(ctx, job.BenchID, domain.BenchStatusActive); err != nil {
			return err
		}
		s.emit(ctx, domain.EventBenchStatusUpdate, job.TeamID, "Bench", job.BenchID, domain.BenchStatusActive, nil)
		return s.postInstall(ctx, job.BenchID)
	case domain.JobStatusFailure, domain.JobStatusDeliveryFailure:
		if err := s.benches.UpdateBenchStatus(ctx, job.BenchID, domain.BenchStatusBroken); err != nil {
			return err
		}
		s.emit(ctx, domain.EventBenchStatusUpdate, job.TeamID, "Bench", job.BenchID, domain.BenchStatusBroken, nil)
		return nil
	}
	return nil
}

// postInstall archives obsolete benches of the same (group, server) pair
// and kicks the linked rolling update.
func (s *Service) postInstall(ctx context.Context, benchID string) error {
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return err
	}
	if err := s.ArchiveObsoleteBenches(ctx, bench); err != nil {
		s.logger.Error("obsolete bench archival failed", "bench", bench.ID, "error", err)
	}
	candidate, err := s.candidates.GetCandidateByID(ctx, bench.CandidateID)
	if err != nil {
		return err
	}
	if err := s.candidates.UpdateCandidateStatus(ctx, candidate.ID, domain.CandidateStatusSuccess); err != nil {
		return err
	}
	s.emit(ctx, domain.EventDeployCompletion, candidate.TeamID, "Deploy Candidate", candidate.ID, domain.CandidateStatusSuccess, nil)
	if s.updater != nil {
		return s.updater.AdvanceForCandidate(ctx, candidate.ID)
	}
	return nil
}

// FailCandidate marks a candidate failed after one of its builds fails.
// Waiters on the candidate unblock with a terminal failure.
func (s *Service) FailCandidate(ctx context.Context, candidateID string) error {
	candidate, err := s.candidates.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return err
	}
	if candidate.Status == domain.CandidateStatusFailure {
		return nil
	}
	if err := s.candidates.UpdateCandidateStatus(ctx, candidate.ID, domain.CandidateStatusFailure); err != nil {
		return err
	}
	s.emit(ctx, domain.EventDeployCompletion, candidate.TeamID, "Deploy Candidate", candidate.ID, domain.CandidateStatusFailure, nil)
	return nil
}

// ArchiveObsoleteBenches archives older benches of the same group on the
// same server, subject to the pre-archive gates.
func (s *Service) ArchiveObsoleteBenches(ctx context.Context, current *domain.Bench) error {
	group, err := s.groups.GetGroupByID(ctx, current.GroupID)
	if err != nil {
		return err
	}
	benches, err := s.benches.ListBenchesByGroupServer(ctx, current.GroupID, current.ServerID, []string{domain.BenchStatusActive, domain.BenchStatusBroken})
	if err != nil {
		return err
	}
	for _, old := range benches {
		if old.ID == current.ID || !old.CreatedAt.Before(current.CreatedAt) {
			continue
		}
		ok, reason, err := s.archiveGates(ctx, group, &old)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Info("bench archival deferred", "bench", old.ID, "reason", reason)
			continue
		}
		if err := s.ArchiveBench(ctx, old.ID); err != nil {
			s.logger.Error("bench archival failed", "bench", old.ID, "error", err)
		}
	}
	return nil
}

// archiveGates evaluates the pre-archive conditions. All must pass.
func (s *Service) archiveGates(ctx context.Context, group *domain.ReleaseGroup, bench *domain.Bench) (bool, string, error) {
	activeSites, err := s.sites.CountSitesOnBench(ctx, bench.ID, []string{domain.SiteStatusActive, domain.SiteStatusPending, domain.SiteStatusSuspended, domain.SiteStatusBroken})
	if err != nil {
		return false, "", err
	}
	if activeSites > 0 {
		if group.Public {
			return false, "public group bench still hosts sites", nil
		}
		return false, "bench still hosts sites", nil
	}
	runningJobs, err := s.jobs.CountRunningJobsOnBench(ctx, bench.ID)
	if err != nil {
		return false, "", err
	}
	if runningJobs > 0 {
		return false, "agent jobs in flight", nil
	}
	updates, err := s.siteops.CountActiveUpdatesTouchingBench(ctx, bench.ID)
	if err != nil {
		return false, "", err
	}
	if updates > 0 {
		return false, "site updates in flight", nil
	}
	migrations, err := s.siteops.CountUnfinishedMigrationsToBench(ctx, bench.ID)
	if err != nil {
		return false, "", err
	}
	if migrations > 0 {
		return false, "inbound migrations unfinished", nil
	}
	server, err := s.servers.GetServerByID(ctx, bench.ServerID)
	if err != nil {
		return false, "", err
	}
	if server.ScaledUp {
		return false, "server scaled up", nil
	}
	if bench.LastArchiveFailureAt != nil && time.Since(*bench.LastArchiveFailureAt) < s.cfg.ArchiveRetryDelay {
		return false, "recent archive failure", nil
	}
	return true, "", nil
}

// ArchiveBench submits an Archive Bench job. Archiving an archived bench
// is a no-op.
func (s *Service) ArchiveBench(ctx context.Context, benchID string) error {
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return err
	}
	if bench.Status == domain.BenchStatusArchived {
		return nil
	}
	job, err := s.tracker.NewJob(bench.TeamID, bench.ServerID, bench.ID, "", domain.JobTypeArchiveBench,
		fmt.Sprintf("/benches/%s/archive", bench.ID), nil)
	if err != nil {
		return err
	}
	return s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.ArchiveBench(ctx, bench.ID)
	})
}

func (s *Service) onArchiveBenchJob(ctx context.Context, job *domain.AgentJob) error {
	switch job.Status {
	case domain.JobStatusSuccess:
		if err := s.benches.UpdateBenchStatus(ctx, job.BenchID, domain.BenchStatusArchived); err != nil {
			return err
		}
		s.emit(ctx, domain.EventBenchStatusUpdate, job.TeamID, "Bench", job.BenchID, domain.BenchStatusArchived, nil)
		return nil
	case domain.JobStatusFailure, domain.JobStatusDeliveryFailure:
		return s.benches.SetBenchArchiveFailure(ctx, job.BenchID, time.Now().UTC())
	}
	return nil
}

// ExecuteOnBench runs a docker command inside the bench container,
// synchronously. Only the owning team may execute, and only against an
// active bench.
func (s *Service) ExecuteOnBench(ctx context.Context, teamID, benchID, command string) (string, error) {
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return "", err
	}
	if bench.TeamID != teamID {
		return "", repository.ErrNotFound
	}
	if bench.Status != domain.BenchStatusActive {
		return "", fmt.Errorf("%w: bench %s is %s", repository.ErrInvalidArgument, benchID, bench.Status)
	}
	server, err := s.servers.GetServerByID(ctx, bench.ServerID)
	if err != nil {
		return "", err
	}
	return s.dialer.For(server).DockerExecute(ctx, bench.ID, command)
}

// SyncBench asks the agent to report bench state; the scheduler targets
// active benches whose last sync is stale.
func (s *Service) SyncBench(ctx context.Context, benchID string) error {
	bench, err := s.benches.GetBenchByID(ctx, benchID)
	if err != nil {
		return err
	}
	if bench.Status != domain.BenchStatusActive {
		return nil
	}
	job, err := s.tracker.NewJob(bench.TeamID, bench.ServerID, bench.ID, "", domain.JobTypeSyncBench,
		fmt.Sprintf("/benches/%s/sync", bench.ID), nil)
	if err != nil {
		return err
	}
	return s.tracker.Dispatch(ctx, job, func(ctx context.Context, client *agent.Client) (int64, error) {
		return client.SyncBench(ctx, bench.ID)
	})
}

func (s *Service) onSyncBenchJob(ctx context.Context, job *domain.AgentJob) error {
	if job.Status != domain.JobStatusSuccess {
		return nil
	}
	return s.benches.TouchBenchSync(ctx, job.BenchID, time.Now().UTC())
}
