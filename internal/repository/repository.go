package repository

import (
	"context"
	"time"

	"github.com/frappe/press-sub003/internal/domain"
)

// TeamRepository persists tenant identities.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error)
}

// ServerRepository persists managed VMs.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServerByID(ctx context.Context, serverID string) (*domain.Server, error)
	ListServersByIDs(ctx context.Context, serverIDs []string) ([]domain.Server, error)
	ListActiveServers(ctx context.Context) ([]domain.Server, error)
	TouchServerContact(ctx context.Context, serverID string, at time.Time) error
}

// SourceRepository persists app sources and their observed releases.
type SourceRepository interface {
	CreateSource(ctx context.Context, source *domain.AppSource) error
	GetSourceByID(ctx context.Context, sourceID string) (*domain.AppSource, error)
	FindSourceByRepo(ctx context.Context, owner, name, branch string) (*domain.AppSource, error)
	CreateRelease(ctx context.Context, release *domain.AppRelease) error
	GetReleaseByID(ctx context.Context, releaseID string) (*domain.AppRelease, error)
	FindRelease(ctx context.Context, sourceID, hash string) (*domain.AppRelease, error)
	LatestApprovedRelease(ctx context.Context, sourceID string) (*domain.AppRelease, error)
	UpdateReleaseStatus(ctx context.Context, releaseID, status string) error
	SetReleaseCloneDir(ctx context.Context, releaseID, dir string) error
}

// GroupRepository persists release groups.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group *domain.ReleaseGroup) error
	GetGroupByID(ctx context.Context, groupID string) (*domain.ReleaseGroup, error)
	ListGroupsByTeam(ctx context.Context, teamID string) ([]domain.ReleaseGroup, error)
	AddGroupServer(ctx context.Context, groupID, serverID string) error
	ListGroupsBySource(ctx context.Context, sourceID string) ([]domain.ReleaseGroup, error)
}

// CandidateRepository persists frozen deploy candidates. Candidate app
// lists are immutable after creation.
type CandidateRepository interface {
	CreateCandidate(ctx context.Context, candidate *domain.DeployCandidate) error
	GetCandidateByID(ctx context.Context, candidateID string) (*domain.DeployCandidate, error)
	UpdateCandidateStatus(ctx context.Context, candidateID, status string) error
}

// BuildUpdate captures mutable Build fields.
type BuildUpdate struct {
	BuildID     string
	Status      string
	BuildToken  string
	ImageTag    string
	ImageDigest string
	ImageSize   int64
	ErrorKind   string
	ErrorDetail string
	Output      string
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// BuildRepository persists builds and their steps.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build, steps []domain.BuildStep) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	FindBuildByToken(ctx context.Context, token string) (*domain.Build, error)
	ListBuildsByCandidate(ctx context.Context, candidateID string) ([]domain.Build, error)
	InsertBuildSteps(ctx context.Context, steps []domain.BuildStep) error
	ListBuildSteps(ctx context.Context, buildID string) ([]domain.BuildStep, error)
	UpdateBuild(ctx context.Context, update BuildUpdate) error
	UpdateBuildStep(ctx context.Context, step *domain.BuildStep) error
	ListDueScheduledBuilds(ctx context.Context, now time.Time) ([]domain.Build, error)
	ListRunningBuilds(ctx context.Context) ([]domain.Build, error)
	LastSuccessfulBuild(ctx context.Context, groupID, platform string) (*domain.Build, error)
}

// BenchRepository persists benches. CreateBench allocates the smallest free
// port offset among non-archived benches on the server inside one
// row-locked transaction.
type BenchRepository interface {
	CreateBench(ctx context.Context, bench *domain.Bench) error
	GetBenchByID(ctx context.Context, benchID string) (*domain.Bench, error)
	UpdateBenchStatus(ctx context.Context, benchID, status string) error
	FindBenchForCandidate(ctx context.Context, candidateID, serverID string) (*domain.Bench, error)
	ListBenchesByServer(ctx context.Context, serverID string, statuses []string) ([]domain.Bench, error)
	ListBenchesByGroupServer(ctx context.Context, groupID, serverID string, statuses []string) ([]domain.Bench, error)
	ListStaleActiveBenches(ctx context.Context, syncedBefore time.Time) ([]domain.Bench, error)
	TouchBenchSync(ctx context.Context, benchID string, at time.Time) error
	SetBenchArchiveFailure(ctx context.Context, benchID string, at time.Time) error
	IncrementInplaceCount(ctx context.Context, benchID string) (int, error)
}

// SiteRepository persists sites.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error)
	UpdateSiteStatus(ctx context.Context, siteID, status string) error
	MoveSiteToBench(ctx context.Context, siteID, benchID, serverID, groupID string) error
	CountSitesOnBench(ctx context.Context, benchID string, statuses []string) (int, error)
	ListSitesOnBench(ctx context.Context, benchID string) ([]domain.Site, error)
}

// AgentJobRepository persists agent job mirrors. Status updates on terminal
// rows return ErrTerminal.
type AgentJobRepository interface {
	CreateJob(ctx context.Context, job *domain.AgentJob) error
	GetJobByID(ctx context.Context, jobID string) (*domain.AgentJob, error)
	FindJobByExternalID(ctx context.Context, serverID string, externalID int64) (*domain.AgentJob, error)
	SetJobExternalID(ctx context.Context, jobID string, externalID int64) error
	UpdateJobStatus(ctx context.Context, jobID, status string, startedAt, endedAt *time.Time) error
	UpsertJobSteps(ctx context.Context, jobID string, steps []domain.AgentJobStep) error
	ListJobSteps(ctx context.Context, jobID string) ([]domain.AgentJobStep, error)
	ListNonTerminalJobsOlderThan(ctx context.Context, age time.Time) ([]domain.AgentJob, error)
	ListNonTerminalJobsByServer(ctx context.Context, serverID string) ([]domain.AgentJob, error)
	CountRunningJobsOnBench(ctx context.Context, benchID string) (int, error)
}

// ActionRepository persists site actions and steps. CreateAction rejects a
// second non-terminal action of the same type on the same site with
// ErrConflict.
type ActionRepository interface {
	CreateAction(ctx context.Context, action *domain.SiteAction, steps []domain.SiteActionStep) error
	GetActionByID(ctx context.Context, actionID string) (*domain.SiteAction, error)
	ListActionSteps(ctx context.Context, actionID string) ([]domain.SiteActionStep, error)
	UpdateActionStatus(ctx context.Context, actionID, status string) error
	SetCleanupCompleted(ctx context.Context, actionID string) error
	UpdateActionStep(ctx context.Context, step *domain.SiteActionStep) error
	ListRunnableActions(ctx context.Context, now time.Time) ([]domain.SiteAction, error)
}

// SiteOpsRepository persists the specialized long-running records.
type SiteOpsRepository interface {
	CreateSiteUpdate(ctx context.Context, update *domain.SiteUpdate) error
	GetSiteUpdateByID(ctx context.Context, updateID string) (*domain.SiteUpdate, error)
	UpdateSiteUpdateStatus(ctx context.Context, updateID, status string) error
	CountActiveUpdatesTouchingBench(ctx context.Context, benchID string) (int, error)

	CreateSiteMigration(ctx context.Context, migration *domain.SiteMigration) error
	GetSiteMigrationByID(ctx context.Context, migrationID string) (*domain.SiteMigration, error)
	UpdateSiteMigrationStatus(ctx context.Context, migrationID, status string) error
	CountUnfinishedMigrationsToBench(ctx context.Context, benchID string) (int, error)

	CreateBenchUpdate(ctx context.Context, update *domain.BenchUpdate) error
	GetBenchUpdateByID(ctx context.Context, updateID string) (*domain.BenchUpdate, error)
	UpdateBenchUpdateStatus(ctx context.Context, updateID, status string) error
	FindActiveBenchUpdate(ctx context.Context, benchID string) (*domain.BenchUpdate, error)
	FindBenchUpdateByCandidate(ctx context.Context, candidateID string) (*domain.BenchUpdate, error)
}

// NotificationRepository persists user-visible failure notifications.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *domain.Notification) error
	GetNotificationByID(ctx context.Context, notificationID string) (*domain.Notification, error)
	HasUnaddressed(ctx context.Context, teamID, kind string) (bool, error)
	MarkAddressed(ctx context.Context, notificationID string) error
}

// WebhookRepository persists inbound webhook logs, outbound subscriptions,
// queued events and delivery logs.
type WebhookRepository interface {
	SaveIncoming(ctx context.Context, hook *domain.IncomingWebhook) error
	GetIncoming(ctx context.Context, hookID string) (*domain.IncomingWebhook, error)
	MarkIncomingProcessed(ctx context.Context, hookID, processError string) error

	CreateOutboundWebhook(ctx context.Context, webhook *domain.OutboundWebhook) error
	ListEnabledWebhooks(ctx context.Context, teamID, event string) ([]domain.OutboundWebhook, error)

	CreateEvent(ctx context.Context, event *domain.WebhookEvent) error
	ListPendingEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
	UpdateEventStatus(ctx context.Context, eventID, status string) error
	LogDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
}
