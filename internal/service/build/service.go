// Package build turns a deploy candidate into container images, one per
// required platform. The heavy lifting runs on a remote builder agent; the
// pipeline prepares the context, tracks steps and records the result.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/scm/github"
	"github.com/frappe/press-sub003/pkg/config"
)

// NotificationKindBuildFailure tags build failure notifications; the gating
// policy keys on it.
const NotificationKindBuildFailure = "Build Failure"

// ErrBuildGated is returned when an unaddressed build failure notification
// blocks new builds for the team.
var ErrBuildGated = errors.New("build: blocked by unaddressed failure notification")

// Notifier creates user-visible failure notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, teamID, referenceType, referenceID, kind, detail string) error
}

// LogSink receives build output lines for live streaming.
type LogSink interface {
	Publish(topic, line string)
}

// Flags reads shared runtime switches, such as suspended-build mode.
type Flags interface {
	Flag(ctx context.Context, name string) (bool, error)
}

// Options tune one build run.
type Options struct {
	NoCache        bool
	NoPush         bool
	NoBuild        bool
	TargetPlatform string
	ScheduledTime  *time.Time
}

// Service is the build pipeline.
type Service struct {
	builds        repository.BuildRepository
	candidates    repository.CandidateRepository
	groups        repository.GroupRepository
	sources       repository.SourceRepository
	servers       repository.ServerRepository
	notifications repository.NotificationRepository
	notifier      Notifier
	completion    func(ctx context.Context, build *domain.Build) error
	failure       func(ctx context.Context, build *domain.Build) error
	cloner        *github.Cloner
	dialer        *agent.Dialer
	flags         Flags
	logs          LogSink
	cfg           config.Config
	logger        *slog.Logger
}

// New returns a build pipeline service.
func New(
	builds repository.BuildRepository,
	candidates repository.CandidateRepository,
	groups repository.GroupRepository,
	sources repository.SourceRepository,
	servers repository.ServerRepository,
	notifications repository.NotificationRepository,
	notifier Notifier,
	cloner *github.Cloner,
	dialer *agent.Dialer,
	flags Flags,
	logs LogSink,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		builds:        builds,
		candidates:    candidates,
		groups:        groups,
		sources:       sources,
		servers:       servers,
		notifications: notifications,
		notifier:      notifier,
		cloner:        cloner,
		dialer:        dialer,
		flags:         flags,
		logs:          logs,
		cfg:           cfg,
		logger:        logger,
	}
}

// Plan creates Build rows for a candidate, one per required platform.
// Suspended-build mode parks rows in Scheduled; otherwise they are ready
// for immediate preparation. A candidate with no platforms is rejected.
func (s *Service) Plan(ctx context.Context, candidateID string, opts Options) ([]*domain.Build, error) {
	candidate, err := s.candidates.GetCandidateByID(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	platforms := candidate.Platforms
	if opts.TargetPlatform != "" {
		platforms = []string{opts.TargetPlatform}
	}
	if len(platforms) == 0 {
		return nil, &ValidationError{Kind: "Validation", Detail: "no build platforms"}
	}

	if s.cfg.FailedBuildGating {
		gated, err := s.notifications.HasUnaddressed(ctx, candidate.TeamID, NotificationKindBuildFailure)
		if err != nil {
			return nil, err
		}
		if gated {
			return nil, ErrBuildGated
		}
	}

	suspended, err := s.flags.Flag(ctx, s.cfg.SuspendedBuildsKey)
	if err != nil {
		s.logger.Warn("suspended-builds flag read failed", "error", err)
	}

	status := domain.BuildStatusPreparing
	scheduled := opts.ScheduledTime
	if suspended || scheduled != nil {
		status = domain.BuildStatusScheduled
	}

	group, err := s.groups.GetGroupByID(ctx, candidate.GroupID)
	if err != nil {
		return nil, err
	}

	builds := make([]*domain.Build, 0, len(platforms))
	for _, platform := range platforms {
		build := &domain.Build{
			ID:            uuid.NewString(),
			TeamID:        candidate.TeamID,
			CandidateID:   candidate.ID,
			GroupID:       group.ID,
			Platform:      platform,
			Status:        status,
			NoCache:       opts.NoCache,
			NoPush:        opts.NoPush,
			NoBuild:       opts.NoBuild,
			BuildServerID: s.cfg.BuildServer,
			ImageTag:      s.imageTag(group.ID, candidate.ID, platform),
			ScheduledTime: scheduled,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.builds.CreateBuild(ctx, build, nil); err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, nil
}

func (s *Service) imageTag(groupID, candidateID, platform string) string {
	return fmt.Sprintf("%s/%s/%s:%s-%s", s.cfg.RegistryHost, s.cfg.RegistryNamespace, groupID, candidateID, platform)
}

// Run executes the full pipeline for one build: clone, validate, render,
// pack and hand off to the remote builder. Terminal failures land on the
// row with an error kind; validation and dependency failures also raise a
// notification.
func (s *Service) Run(ctx context.Context, buildID string) error {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	if err := s.builds.UpdateBuild(ctx, repository.BuildUpdate{BuildID: build.ID, Status: domain.BuildStatusPreparing, StartedAt: &now}); err != nil {
		return err
	}

	candidate, err := s.candidates.GetCandidateByID(ctx, build.CandidateID)
	if err != nil {
		return err
	}
	group, err := s.groups.GetGroupByID(ctx, build.GroupID)
	if err != nil {
		return err
	}

	apps, err := s.prepareApps(ctx, build, candidate)
	if err != nil {
		return s.failBuild(ctx, build, err)
	}
	if err := s.validate(group, apps); err != nil {
		return s.failBuild(ctx, build, err)
	}
	if err := s.checkDiskSpace(ctx, build); err != nil {
		return s.failBuild(ctx, build, err)
	}

	plan := renderPlan(planInput{
		BuildID:       build.ID,
		Group:         group,
		Apps:          apps,
		PackageChunks: packageChunks(collectPackages(group, apps)),
		NodeVersion:   group.Dependency("node"),
		PythonVersion: group.Dependency("python"),
		NoPush:        build.NoPush,
	})
	if err := s.builds.InsertBuildSteps(ctx, plan.Steps); err != nil {
		return err
	}

	buildDir := filepath.Join(s.cfg.BuildRoot, build.ID)
	if err := s.writeContext(buildDir, plan.Dockerfile); err != nil {
		return s.failBuild(ctx, build, fmt.Errorf("write build context: %w", err))
	}

	if build.NoBuild {
		return s.finish(ctx, build, "", 0)
	}

	appDirs := make(map[string]string, len(apps))
	for _, app := range apps {
		appDirs[app.App] = app.CloneDir
	}
	var contextBuf bytes.Buffer
	if err := packContext(buildDir, appDirs, &contextBuf); err != nil {
		return s.failBuild(ctx, build, err)
	}

	server, err := s.servers.GetServerByID(ctx, build.BuildServerID)
	if err != nil {
		return err
	}
	token, err := s.dialer.For(server).SubmitBuild(ctx, build.ImageTag, build.Platform, build.NoCache, build.NoPush, &contextBuf)
	if err != nil {
		return s.failBuild(ctx, build, fmt.Errorf("submit to builder: %w", err))
	}
	return s.builds.UpdateBuild(ctx, repository.BuildUpdate{
		BuildID:    build.ID,
		Status:     domain.BuildStatusRunning,
		BuildToken: token,
	})
}

func (s *Service) prepareApps(ctx context.Context, build *domain.Build, candidate *domain.DeployCandidate) ([]appContext, error) {
	apps := make([]appContext, 0, len(candidate.Apps))
	for _, pinned := range candidate.Apps {
		source, err := s.sources.GetSourceByID(ctx, pinned.SourceID)
		if err != nil {
			return nil, err
		}
		release, err := s.sources.GetReleaseByID(ctx, pinned.ReleaseID)
		if err != nil {
			return nil, err
		}

		dir := release.CloneDir
		if dir == "" {
			dir, err = s.cloner.Clone(ctx, pinned.App, pinned.SourceID, source.InstallationID, source.RepoOwner, source.RepoName, pinned.Hash)
			if err != nil {
				if errors.Is(err, github.ErrTokenUnavailable) {
					return nil, &ValidationError{Kind: domain.BuildErrorInstallationToken, App: pinned.App, Detail: err.Error()}
				}
				return nil, err
			}
			if err := s.sources.SetReleaseCloneDir(ctx, release.ID, dir); err != nil {
				return nil, err
			}
		}

		pkg, err := readPackageManifest(dir)
		if err != nil {
			return nil, &ValidationError{Kind: domain.BuildErrorInvalidManifest, App: pinned.App, Detail: err.Error()}
		}
		deps, err := readDependencyManifest(dir)
		if err != nil {
			return nil, &ValidationError{Kind: domain.BuildErrorInvalidManifest, App: pinned.App, Detail: err.Error()}
		}
		apps = append(apps, appContext{
			App:        pinned.App,
			SourceID:   pinned.SourceID,
			Hash:       pinned.Hash,
			CloneDir:   dir,
			Release:    release,
			Package:    pkg,
			Deps:       deps,
			PullUpdate: pinned.PullUpdate,
		})
	}
	return apps, nil
}

func (s *Service) validate(group *domain.ReleaseGroup, apps []appContext) error {
	if err := validateReleases(apps); err != nil {
		return err
	}
	if err := validateNodeEngine(apps, group.Dependency("node")); err != nil {
		return err
	}
	if err := validatePython(apps, group.Dependency("python")); err != nil {
		return err
	}
	versions := make(map[string]string, len(group.Apps))
	for _, app := range group.Apps {
		versions[app.App] = app.Version
	}
	return validateAppCompat(apps, versions)
}

// checkDiskSpace compares free space on the build server against the last
// successful image's size. Auto-resize servers get a pass; others fail
// before work is submitted.
func (s *Service) checkDiskSpace(ctx context.Context, build *domain.Build) error {
	last, err := s.builds.LastSuccessfulBuild(ctx, build.GroupID, build.Platform)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if last.ImageSize <= 0 {
		return nil
	}
	server, err := s.servers.GetServerByID(ctx, build.BuildServerID)
	if err != nil {
		return err
	}
	free, err := s.dialer.For(server).FreeDisk(ctx)
	if err != nil {
		s.logger.Warn("disk space check failed", "server", server.ID, "error", err)
		return nil
	}
	if free >= last.ImageSize {
		return nil
	}
	if server.AutoResizeDisk {
		s.logger.Info("build server low on disk, resize permitted", "server", server.ID, "free", free, "needed", last.ImageSize)
		return nil
	}
	return &ValidationError{Kind: domain.BuildErrorInsufficientSpace, Detail: fmt.Sprintf("free %d bytes, last image %d bytes", free, last.ImageSize)}
}

func (s *Service) writeContext(buildDir, dockerfile string) error {
	if err := os.MkdirAll(filepath.Join(buildDir, "config"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return err
	}
	return writeSSHKeyMaterial(buildDir)
}

// ApplyOutput folds a batch of builder output lines into the build's step
// rows. Digest lines complete the build; error lines fail it.
func (s *Service) ApplyOutput(ctx context.Context, buildID string, lines []string) error {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Terminal() {
		return nil
	}
	steps, err := s.builds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		return err
	}
	bySlug := make(map[string]*domain.BuildStep, len(steps))
	for i := range steps {
		bySlug[steps[i].Slug] = &steps[i]
	}

	var (
		digest    string
		imageSize int64
		failed    string
	)
	for _, raw := range lines {
		line := parseOutputLine(raw)
		if s.logs != nil && raw != "" {
			s.logs.Publish(build.ID, raw)
		}
		if line.Error != "" {
			failed = line.Error
		}
		if line.Digest != "" {
			digest = line.Digest
		}
		if line.Step == "" {
			continue
		}
		step, ok := bySlug[line.Step]
		if !ok {
			continue
		}
		if line.Status != "" {
			step.Status = line.Status
		} else if step.Status == domain.StepStatusPending {
			step.Status = domain.StepStatusRunning
		}
		if line.Cached {
			step.Cached = true
		}
		if line.Duration > 0 {
			step.Duration = line.Duration
		}
		if line.Output != "" {
			if step.Output != "" {
				step.Output += "\n"
			}
			step.Output += line.Output
		}
		if line.Pushed != "" && step.Stage == StageUpload {
			step.Status = domain.StepStatusRunning
			if step.Output != "" {
				step.Output += "\n"
			}
			step.Output += "pushed " + line.Pushed
		}
		if err := s.builds.UpdateBuildStep(ctx, step); err != nil {
			return err
		}
	}

	appended := strings.Join(lines, "\n")
	if appended != "" {
		if build.Output != "" {
			appended = build.Output + "\n" + appended
		}
		if err := s.builds.UpdateBuild(ctx, repository.BuildUpdate{BuildID: build.ID, Output: appended}); err != nil {
			return err
		}
		build.Output = appended
	}

	if failed != "" {
		return s.failBuild(ctx, build, fmt.Errorf("builder: %s", failed))
	}
	if digest != "" {
		imageSize = s.pushedImageSize(ctx, build)
		return s.finish(ctx, build, digest, imageSize)
	}
	return nil
}

// pushedImageSize asks the build server for the pushed image's size. A
// failed lookup only deprives the next disk-space check of its input, so it
// is logged and swallowed.
func (s *Service) pushedImageSize(ctx context.Context, build *domain.Build) int64 {
	if build.NoPush {
		return 0
	}
	server, err := s.servers.GetServerByID(ctx, build.BuildServerID)
	if err != nil {
		s.logger.Warn("image size lookup failed", "build", build.ID, "error", err)
		return 0
	}
	size, err := s.dialer.For(server).ImageSize(ctx, build.ImageTag)
	if err != nil {
		s.logger.Warn("image size lookup failed", "build", build.ID, "error", err)
		return 0
	}
	return size
}

// PollOutput pulls pending output from the builder agent for a running
// build, for the scheduler's sweep when callbacks are lost.
func (s *Service) PollOutput(ctx context.Context, buildID string, cursor int) (int, error) {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return cursor, err
	}
	if build.Terminal() || build.BuildToken == "" {
		return cursor, nil
	}
	server, err := s.servers.GetServerByID(ctx, build.BuildServerID)
	if err != nil {
		return cursor, err
	}
	lines, next, err := s.dialer.For(server).FetchBuildOutput(ctx, build.BuildToken, cursor)
	if err != nil {
		return cursor, err
	}
	if len(lines) == 0 {
		return next, nil
	}
	return next, s.ApplyOutput(ctx, buildID, lines)
}

// PollRunning pulls pending output for every running build. Callbacks can
// be lost; the sweep replays anything the builder accumulated since the
// stored output's cursor.
func (s *Service) PollRunning(ctx context.Context) error {
	builds, err := s.builds.ListRunningBuilds(ctx)
	if err != nil {
		return err
	}
	for _, build := range builds {
		if _, err := s.PollOutput(ctx, build.ID, outputCursor(build.Output)); err != nil {
			s.logger.Warn("build output poll failed", "build", build.ID, "error", err)
		}
	}
	return nil
}

// outputCursor recovers the builder-side line cursor from stored output.
// ApplyOutput appends fetched lines newline-joined, so the stored line
// count equals the number of lines already consumed.
func outputCursor(output string) int {
	if output == "" {
		return 0
	}
	return strings.Count(output, "\n") + 1
}

// FailManually fails a running build at user request and cancels remote
// work.
func (s *Service) FailManually(ctx context.Context, buildID, reason string) error {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Terminal() {
		return nil
	}
	if build.BuildToken != "" {
		server, err := s.servers.GetServerByID(ctx, build.BuildServerID)
		if err == nil {
			if err := s.dialer.For(server).CancelBuild(ctx, build.BuildToken); err != nil {
				s.logger.Warn("remote build cancel failed", "build", build.ID, "error", err)
			}
		}
	}
	return s.failBuild(ctx, build, fmt.Errorf("cancelled: %s", reason))
}

// StartDue moves scheduled builds whose time has come into the pipeline,
// unless builds are still suspended.
func (s *Service) StartDue(ctx context.Context, run func(buildID string) error) error {
	suspended, err := s.flags.Flag(ctx, s.cfg.SuspendedBuildsKey)
	if err == nil && suspended {
		return nil
	}
	builds, err := s.builds.ListDueScheduledBuilds(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, build := range builds {
		if err := run(build.ID); err != nil {
			s.logger.Error("enqueue due build failed", "build", build.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) finish(ctx context.Context, build *domain.Build, digest string, imageSize int64) error {
	now := time.Now().UTC()
	update := repository.BuildUpdate{
		BuildID:     build.ID,
		Status:      domain.BuildStatusSuccess,
		ImageDigest: digest,
		ImageSize:   imageSize,
		EndedAt:     &now,
	}
	if err := s.builds.UpdateBuild(ctx, update); err != nil {
		return err
	}
	s.logger.Info("build succeeded", "build", build.ID, "image", build.ImageTag, "digest", digest)
	if s.completion != nil {
		if err := s.completion(ctx, build); err != nil {
			s.logger.Error("build completion hook failed", "build", build.ID, "error", err)
		}
	}
	return nil
}

// SetCompletionHook installs a callback invoked after a build reaches
// Success. Wired at startup to advance the owning deploy candidate.
func (s *Service) SetCompletionHook(fn func(ctx context.Context, build *domain.Build) error) {
	s.completion = fn
}

// SetFailureHook installs a callback invoked after a build reaches Failure.
// Wired at startup to fail the owning deploy candidate.
func (s *Service) SetFailureHook(fn func(ctx context.Context, build *domain.Build) error) {
	s.failure = fn
}

func (s *Service) failBuild(ctx context.Context, build *domain.Build, cause error) error {
	kind := "Failure"
	var validation *ValidationError
	if errors.As(cause, &validation) {
		kind = validation.Kind
	}
	now := time.Now().UTC()
	update := repository.BuildUpdate{
		BuildID:     build.ID,
		Status:      domain.BuildStatusFailure,
		ErrorKind:   kind,
		ErrorDetail: cause.Error(),
		EndedAt:     &now,
	}
	if err := s.builds.UpdateBuild(ctx, update); err != nil {
		return err
	}
	s.logger.Error("build failed", "build", build.ID, "kind", kind, "error", cause)
	if s.notifier != nil {
		if err := s.notifier.NotifyFailure(ctx, build.TeamID, "Build", build.ID, NotificationKindBuildFailure, cause.Error()); err != nil {
			s.logger.Error("build failure notification failed", "build", build.ID, "error", err)
		}
	}
	if s.failure != nil {
		if err := s.failure(ctx, build); err != nil {
			s.logger.Error("build failure hook failed", "build", build.ID, "error", err)
		}
	}
	return cause
}

func collectPackages(group *domain.ReleaseGroup, apps []appContext) []string {
	packages := append([]string(nil), group.Packages...)
	for _, app := range apps {
		if app.Deps != nil {
			packages = append(packages, app.Deps.Packages...)
		}
	}
	return packages
}
