package siteaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/service/siteops"
)

// Deployer starts a full build-and-deploy cycle for a release group. The
// returned candidate id is what a waiting step polls.
type Deployer interface {
	StartDeploy(ctx context.Context, groupID string) (string, error)
}

// BenchSyncer refreshes bench state after a site has moved away.
type BenchSyncer interface {
	SyncBench(ctx context.Context, benchID string) error
}

// Deps are the collaborators the built-in action catalogue drives.
type Deps struct {
	SiteOps  *siteops.Service
	Deployer Deployer
	Syncer   BenchSyncer
	Groups   repository.GroupRepository
	Servers  repository.ServerRepository
	Benches  repository.BenchRepository
	SiteOpsR repository.SiteOpsRepository
}

// RegisterDefaults installs the five built-in action types.
func (e *Engine) RegisterDefaults(d Deps) {
	e.Register(domain.ActionMoveToPrivateBench,
		[]Validation{d.validateTargetGroup},
		Step{Type: domain.StepTypePreparation, Method: "ensure_target_bench", Fn: d.ensureBenchStep(e, targetFromGroupArg)},
		Step{Type: domain.StepTypeMain, Method: "move_site_to_group", Fn: d.moveToGroupStep(e)},
		Step{Type: domain.StepTypeCleanup, Method: "sync_bench", Fn: d.syncBenchStep},
	)
	e.Register(domain.ActionMoveToRegion,
		[]Validation{d.validateTargetCluster},
		Step{Type: domain.StepTypeMain, Method: "migrate_site", Fn: d.migrateToClusterStep(e)},
		Step{Type: domain.StepTypeCleanup, Method: "sync_bench", Fn: d.syncBenchStep},
	)
	e.Register(domain.ActionMoveToServer,
		[]Validation{d.validateTargetServer},
		Step{Type: domain.StepTypePreparation, Method: "ensure_target_bench", Fn: d.ensureBenchStep(e, targetFromServerArg)},
		Step{Type: domain.StepTypeMain, Method: "move_site_to_server", Fn: d.moveToServerStep(e)},
		Step{Type: domain.StepTypeCleanup, Method: "sync_bench", Fn: d.syncBenchStep},
	)
	e.Register(domain.ActionUpdateInPlace,
		[]Validation{d.validateSiteActive},
		Step{Type: domain.StepTypeMain, Method: "update_bench_inplace", Fn: d.updateInPlaceStep(e)},
	)
	e.Register(domain.ActionRecoverUpdate,
		[]Validation{d.validateRecoverableUpdate},
		Step{Type: domain.StepTypeMain, Method: "recover_site_update", Fn: d.recoverUpdateStep},
	)
}

// Validations.

func (d Deps) validateTargetGroup(ctx context.Context, site *domain.Site, args map[string]string) error {
	groupID := args["group"]
	if groupID == "" {
		return errors.New("argument group is required")
	}
	if groupID == site.GroupID {
		return errors.New("site is already on that release group")
	}
	group, err := d.Groups.GetGroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("target group: %w", err)
	}
	if group.Public {
		return errors.New("target group must be private")
	}
	if group.TeamID != site.TeamID {
		return errors.New("target group belongs to another team")
	}
	current, err := d.Groups.GetGroupByID(ctx, site.GroupID)
	if err != nil {
		return err
	}
	if group.Version != current.Version {
		return fmt.Errorf("version mismatch: site is on %s, target group is on %s", current.Version, group.Version)
	}
	return nil
}

func (d Deps) validateTargetCluster(ctx context.Context, site *domain.Site, args map[string]string) error {
	cluster := args["cluster"]
	if cluster == "" {
		return errors.New("argument cluster is required")
	}
	server, err := d.Servers.GetServerByID(ctx, site.ServerID)
	if err != nil {
		return err
	}
	if server.Cluster == cluster {
		return errors.New("site is already in that region")
	}
	if _, err := d.pickClusterServer(ctx, site.GroupID, cluster); err != nil {
		return err
	}
	return nil
}

func (d Deps) validateTargetServer(ctx context.Context, site *domain.Site, args map[string]string) error {
	serverID := args["server"]
	if serverID == "" {
		return errors.New("argument server is required")
	}
	if serverID == site.ServerID {
		return errors.New("site is already on that server")
	}
	server, err := d.Servers.GetServerByID(ctx, serverID)
	if err != nil {
		return fmt.Errorf("target server: %w", err)
	}
	if server.Status != domain.ServerStatusActive {
		return fmt.Errorf("target server is %s", server.Status)
	}
	return nil
}

func (d Deps) validateSiteActive(ctx context.Context, site *domain.Site, args map[string]string) error {
	if site.Status != domain.SiteStatusActive {
		return fmt.Errorf("site is %s", site.Status)
	}
	return nil
}

func (d Deps) validateRecoverableUpdate(ctx context.Context, site *domain.Site, args map[string]string) error {
	updateID := args["site_update"]
	if updateID == "" {
		return errors.New("argument site_update is required")
	}
	update, err := d.SiteOpsR.GetSiteUpdateByID(ctx, updateID)
	if err != nil {
		return fmt.Errorf("site update: %w", err)
	}
	if update.SiteID != site.ID {
		return errors.New("site update belongs to another site")
	}
	switch update.Status {
	case domain.UpdateStatusFailure, domain.UpdateStatusFatal, domain.UpdateStatusRecovering:
		return nil
	}
	return fmt.Errorf("site update is %s, nothing to recover", update.Status)
}

// benchTarget names the group and server a preparation step must produce an
// Active bench on.
type benchTarget struct {
	GroupID  string
	ServerID string
}

func targetFromGroupArg(run *Run) benchTarget {
	return benchTarget{GroupID: run.Arg("group"), ServerID: run.Site.ServerID}
}

func targetFromServerArg(run *Run) benchTarget {
	return benchTarget{GroupID: run.Site.GroupID, ServerID: run.Arg("server")}
}

// ensureBenchStep waits for an Active bench of the target group on the
// target server, starting a deploy for the group if none exists yet. The
// deploy candidate is the step reference, so re-entries wait instead of
// deploying twice.
func (d Deps) ensureBenchStep(e *Engine, target func(*Run) benchTarget) StepFunc {
	return func(ctx context.Context, run *Run) Result {
		want := target(run)
		bench, err := d.activeBench(ctx, want.GroupID, want.ServerID)
		if err == nil && bench != nil {
			return Result{Outcome: OutcomeSuccess}
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}

		if run.Step.ReferenceID != "" {
			result := e.WaitReference(ctx, run.Step)
			if result.Outcome != OutcomeSuccess {
				return result
			}
			// Candidate deployed; confirm the bench actually landed.
			if bench, err := d.activeBench(ctx, want.GroupID, want.ServerID); err != nil || bench == nil {
				return Result{Outcome: OutcomeFailure, Detail: "deploy succeeded but no active bench on target server"}
			}
			return Result{Outcome: OutcomeSuccess}
		}

		if err := d.ensureGroupServer(ctx, want.GroupID, want.ServerID); err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		candidateID, err := d.Deployer.StartDeploy(ctx, want.GroupID)
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: RefDeployCandidate, ReferenceID: candidateID}
	}
}

// ensureGroupServer adds the server to the group if it is not listed yet.
func (d Deps) ensureGroupServer(ctx context.Context, groupID, serverID string) error {
	group, err := d.Groups.GetGroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	for _, s := range group.Servers {
		if s == serverID {
			return nil
		}
	}
	return d.Groups.AddGroupServer(ctx, groupID, serverID)
}

func (d Deps) activeBench(ctx context.Context, groupID, serverID string) (*domain.Bench, error) {
	benches, err := d.Benches.ListBenchesByGroupServer(ctx, groupID, serverID, []string{domain.BenchStatusActive})
	if err != nil {
		return nil, err
	}
	if len(benches) == 0 {
		return nil, nil
	}
	// Newest bench hosts new arrivals.
	latest := benches[0]
	for _, b := range benches[1:] {
		if b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	return &latest, nil
}

// moveToGroupStep runs the site update onto the target group's bench on the
// site's current server.
func (d Deps) moveToGroupStep(e *Engine) StepFunc {
	return func(ctx context.Context, run *Run) Result {
		if run.Step.ReferenceID != "" {
			return e.WaitReference(ctx, run.Step)
		}
		bench, err := d.activeBench(ctx, run.Arg("group"), run.Site.ServerID)
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		if bench == nil {
			return Result{Outcome: OutcomeFailure, Detail: "no active bench for target group"}
		}
		update, err := d.SiteOps.StartSiteUpdate(ctx, run.Site.ID, bench.ID, true, false)
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: siteops.RefSiteUpdate, ReferenceID: update.ID}
	}
}

// migrateToClusterStep picks a server in the target cluster and starts a
// cross-server migration there.
func (d Deps) migrateToClusterStep(e *Engine) StepFunc {
	return func(ctx context.Context, run *Run) Result {
		if run.Step.ReferenceID != "" {
			return e.WaitReference(ctx, run.Step)
		}
		server, err := d.pickClusterServer(ctx, run.Site.GroupID, run.Arg("cluster"))
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		migration, err := d.SiteOps.StartSiteMigration(ctx, run.Site.ID, server.ID)
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: siteops.RefSiteMigration, ReferenceID: migration.ID}
	}
}

// pickClusterServer finds an active server in the cluster that already
// hosts the site's release group.
func (d Deps) pickClusterServer(ctx context.Context, groupID, cluster string) (*domain.Server, error) {
	group, err := d.Groups.GetGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	servers, err := d.Servers.ListServersByIDs(ctx, group.Servers)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		server := &servers[i]
		if server.Cluster == cluster && server.Status == domain.ServerStatusActive {
			return server, nil
		}
	}
	return nil, fmt.Errorf("release group has no active server in cluster %s", cluster)
}

// moveToServerStep migrates the site onto the explicit target server.
func (d Deps) moveToServerStep(e *Engine) StepFunc {
	return func(ctx context.Context, run *Run) Result {
		if run.Step.ReferenceID != "" {
			return e.WaitReference(ctx, run.Step)
		}
		migration, err := d.SiteOps.StartSiteMigration(ctx, run.Site.ID, run.Arg("server"))
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: siteops.RefSiteMigration, ReferenceID: migration.ID}
	}
}

// updateInPlaceStep rebuilds the site's bench under its current image base
// and flips it over without moving sites.
func (d Deps) updateInPlaceStep(e *Engine) StepFunc {
	return func(ctx context.Context, run *Run) Result {
		if run.Step.ReferenceID != "" {
			return e.WaitReference(ctx, run.Step)
		}
		bench, err := d.Benches.GetBenchByID(ctx, run.Site.BenchID)
		if err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		base := run.Arg("image")
		if base == "" {
			base = bench.ImageTag
		}
		update, err := d.SiteOps.StartInplaceUpdate(ctx, bench.ID, base)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return Result{Outcome: OutcomeFailure, Detail: "another in-place update is already running on this bench"}
			}
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: siteops.RefBenchUpdate, ReferenceID: update.ID}
	}
}

// recoverUpdateStep re-runs the recovery pull for a failed site update.
// Recovered is the success outcome here, unlike the generic wait.
func (d Deps) recoverUpdateStep(ctx context.Context, run *Run) Result {
	updateID := run.Arg("site_update")
	if run.Step.ReferenceID == "" {
		if err := d.SiteOps.RecoverSiteUpdate(ctx, updateID); err != nil {
			return Result{Outcome: OutcomeFailure, Detail: err.Error()}
		}
		return Result{Outcome: OutcomeRunning, ReferenceType: siteops.RefSiteUpdate, ReferenceID: updateID}
	}
	update, err := d.SiteOpsR.GetSiteUpdateByID(ctx, updateID)
	if err != nil {
		return Result{Outcome: OutcomeFailure, Detail: err.Error()}
	}
	switch update.Status {
	case domain.UpdateStatusRecovered:
		return Result{Outcome: OutcomeSuccess}
	case domain.UpdateStatusFatal:
		return Result{Outcome: OutcomeFailure, Detail: "recovery failed, site needs manual intervention"}
	case domain.UpdateStatusFailure:
		return Result{Outcome: OutcomeFailure, Detail: "recovery did not start"}
	default:
		return Result{Outcome: OutcomeRunning}
	}
}

// syncBenchStep refreshes the bench the site lives on after the action
// settles. The engine re-reads the site before cleanup, so after a
// successful move this is the destination bench. Failures never fail the
// action.
func (d Deps) syncBenchStep(ctx context.Context, run *Run) Result {
	if d.Syncer == nil {
		return Result{Outcome: OutcomeSkipped}
	}
	if err := d.Syncer.SyncBench(ctx, run.Site.BenchID); err != nil {
		return Result{Outcome: OutcomeSkipped, Detail: err.Error()}
	}
	return Result{Outcome: OutcomeSuccess}
}
