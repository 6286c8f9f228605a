package scm

import (
	"context"
	"io"
	"testing"

	"log/slog"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/config"
)

func TestDeployMarker(t *testing.T) {
	cases := []struct {
		name      string
		message   string
		wantHit   bool
		wantGroup string
	}{
		{"plain marker", "fix checkout flow [deploy]", true, ""},
		{"marker with group", "hotfix [deploy]-rg-prod please", true, "rg-prod"},
		{"marker with group at end", "hotfix [deploy]-rg-prod", true, "rg-prod"},
		{"no marker", "fix checkout flow", false, ""},
		{"marker mid-word suffix", "[deploy]-rg-1\nmore text", true, "rg-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hit, group := deployMarker(tc.message, "[deploy]")
			if hit != tc.wantHit || group != tc.wantGroup {
				t.Fatalf("deployMarker(%q) = (%v, %q), want (%v, %q)", tc.message, hit, group, tc.wantHit, tc.wantGroup)
			}
		})
	}
}

func TestDeployMarkerEmptyMarkerNeverMatches(t *testing.T) {
	if hit, _ := deployMarker("anything [deploy]", ""); hit {
		t.Fatal("empty marker configuration must disable marker deploys")
	}
}

func TestBranchFromRef(t *testing.T) {
	if branch, ok := branchFromRef("refs/heads/main"); !ok || branch != "main" {
		t.Fatalf("unexpected: %q %v", branch, ok)
	}
	if branch, ok := branchFromRef("refs/heads/feature/nested"); !ok || branch != "feature/nested" {
		t.Fatalf("nested branch names keep their slashes: %q %v", branch, ok)
	}
	if _, ok := branchFromRef("refs/tags/v1.2.3"); ok {
		t.Fatal("tag pushes must be ignored")
	}
}

type scmWebhookStub struct {
	repository.WebhookRepository
	saved     []*domain.IncomingWebhook
	processed map[string]string
	hooks     map[string]*domain.IncomingWebhook
}

func (s *scmWebhookStub) SaveIncoming(_ context.Context, hook *domain.IncomingWebhook) error {
	s.saved = append(s.saved, hook)
	if s.hooks == nil {
		s.hooks = make(map[string]*domain.IncomingWebhook)
	}
	s.hooks[hook.ID] = hook
	return nil
}

func (s *scmWebhookStub) GetIncoming(_ context.Context, hookID string) (*domain.IncomingWebhook, error) {
	hook, ok := s.hooks[hookID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return hook, nil
}

func (s *scmWebhookStub) MarkIncomingProcessed(_ context.Context, hookID, processError string) error {
	if s.processed == nil {
		s.processed = make(map[string]string)
	}
	s.processed[hookID] = processError
	return nil
}

type scmSourceStub struct {
	repository.SourceRepository
	source   *domain.AppSource
	releases map[string]*domain.AppRelease
	created  []*domain.AppRelease
}

func (s *scmSourceStub) FindSourceByRepo(_ context.Context, owner, name, branch string) (*domain.AppSource, error) {
	if s.source != nil && s.source.RepoOwner == owner && s.source.RepoName == name && s.source.Branch == branch {
		return s.source, nil
	}
	return nil, repository.ErrNotFound
}

func (s *scmSourceStub) FindRelease(_ context.Context, sourceID, hash string) (*domain.AppRelease, error) {
	if release, ok := s.releases[sourceID+"/"+hash]; ok {
		return release, nil
	}
	return nil, repository.ErrNotFound
}

func (s *scmSourceStub) CreateRelease(_ context.Context, release *domain.AppRelease) error {
	if s.releases == nil {
		s.releases = make(map[string]*domain.AppRelease)
	}
	key := release.SourceID + "/" + release.Hash
	if _, ok := s.releases[key]; ok {
		return repository.ErrConflict
	}
	s.releases[key] = release
	s.created = append(s.created, release)
	return nil
}

type scmGroupStub struct {
	repository.GroupRepository
	groups []domain.ReleaseGroup
}

func (s *scmGroupStub) ListGroupsBySource(_ context.Context, _ string) ([]domain.ReleaseGroup, error) {
	return s.groups, nil
}

type deployerStub struct {
	started []string
}

func (d *deployerStub) StartDeploy(_ context.Context, groupID string) (string, error) {
	d.started = append(d.started, groupID)
	return "cand-" + groupID, nil
}

func pushPayload(ref, hash, message string) []byte {
	return []byte(`{
		"ref": "` + ref + `",
		"after": "` + hash + `",
		"head_commit": {
			"id": "` + hash + `",
			"message": ` + jsonString(message) + `,
			"author": {"name": "dev"},
			"timestamp": "2026-05-01T10:00:00Z"
		},
		"repository": {"name": "shop", "owner": {"name": "acme"}}
	}`)
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func newSCMService(sources *scmSourceStub, groups *scmGroupStub, hooks *scmWebhookStub, deployer *deployerStub) *Service {
	cfg := config.Config{DeployMarker: "[deploy]"}
	return New(hooks, sources, groups, deployer, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessPushRecordsRelease(t *testing.T) {
	sources := &scmSourceStub{source: &domain.AppSource{ID: "src-1", App: "shop", RepoOwner: "acme", RepoName: "shop", Branch: "main"}}
	groups := &scmGroupStub{}
	hooks := &scmWebhookStub{}
	deployer := &deployerStub{}
	svc := newSCMService(sources, groups, hooks, deployer)

	ctx := context.Background()
	hookID, err := svc.Ingest(ctx, "push", "sha256=sig", pushPayload("refs/heads/main", "cafe0001", "plain commit"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Process(ctx, hookID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(sources.created) != 1 {
		t.Fatalf("expected one release, got %d", len(sources.created))
	}
	release := sources.created[0]
	if release.Hash != "cafe0001" || release.Status != domain.ReleaseStatusApproved || release.App != "shop" {
		t.Fatalf("unexpected release: %+v", release)
	}
	if detail, ok := hooks.processed[hookID]; !ok || detail != "" {
		t.Fatalf("hook should be marked processed without error, got %q (present %v)", detail, ok)
	}
	if len(deployer.started) != 0 {
		t.Fatalf("plain commit must not deploy, started %v", deployer.started)
	}
}

func TestProcessPushRecordsChangedFiles(t *testing.T) {
	sources := &scmSourceStub{source: &domain.AppSource{ID: "src-1", App: "shop", RepoOwner: "acme", RepoName: "shop", Branch: "main"}}
	hooks := &scmWebhookStub{}
	svc := newSCMService(sources, &scmGroupStub{}, hooks, &deployerStub{})

	payload := []byte(`{
		"ref": "refs/heads/main",
		"after": "cafe0010",
		"head_commit": {
			"id": "cafe0010",
			"message": "restyle header",
			"author": {"name": "dev"},
			"timestamp": "2026-05-01T10:00:00Z"
		},
		"commits": [
			{"added": ["shop/public/app.css"], "modified": ["shop/templates/header.html"], "removed": []},
			{"added": [], "modified": ["shop/public/app.css", "README.md"], "removed": ["shop/old.js"]}
		],
		"repository": {"name": "shop", "owner": {"name": "acme"}}
	}`)

	ctx := context.Background()
	hookID, err := svc.Ingest(ctx, "push", "", payload)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Process(ctx, hookID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(sources.created) != 1 {
		t.Fatalf("expected one release, got %d", len(sources.created))
	}
	want := []string{"shop/public/app.css", "shop/templates/header.html", "README.md", "shop/old.js"}
	got := sources.created[0].ChangedFiles
	if len(got) != len(want) {
		t.Fatalf("changed files not deduplicated across commits: %v", got)
	}
	for i, path := range want {
		if got[i] != path {
			t.Fatalf("changed files out of order at %d: %v", i, got)
		}
	}
}

func TestProcessPushIsIdempotentPerCommit(t *testing.T) {
	sources := &scmSourceStub{source: &domain.AppSource{ID: "src-1", App: "shop", RepoOwner: "acme", RepoName: "shop", Branch: "main"}}
	hooks := &scmWebhookStub{}
	svc := newSCMService(sources, &scmGroupStub{}, hooks, &deployerStub{})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		hookID, err := svc.Ingest(ctx, "push", "", pushPayload("refs/heads/main", "cafe0002", "same commit"))
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if err := svc.Process(ctx, hookID); err != nil {
			t.Fatalf("process run %d: %v", i, err)
		}
	}
	if len(sources.created) != 1 {
		t.Fatalf("replayed push must not create a second release, got %d", len(sources.created))
	}
}

func TestProcessPushAutoDeploy(t *testing.T) {
	sources := &scmSourceStub{source: &domain.AppSource{ID: "src-1", App: "shop", RepoOwner: "acme", RepoName: "shop", Branch: "main"}}
	groups := &scmGroupStub{groups: []domain.ReleaseGroup{
		{ID: "rg-auto", AutoDeploy: true},
		{ID: "rg-manual"},
	}}
	hooks := &scmWebhookStub{}
	deployer := &deployerStub{}
	svc := newSCMService(sources, groups, hooks, deployer)

	ctx := context.Background()
	hookID, _ := svc.Ingest(ctx, "push", "", pushPayload("refs/heads/main", "cafe0003", "regular commit"))
	if err := svc.Process(ctx, hookID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(deployer.started) != 1 || deployer.started[0] != "rg-auto" {
		t.Fatalf("only the auto-deploy group starts, got %v", deployer.started)
	}
}

func TestProcessPushMarkerTargetsOneGroup(t *testing.T) {
	sources := &scmSourceStub{source: &domain.AppSource{ID: "src-1", App: "shop", RepoOwner: "acme", RepoName: "shop", Branch: "main"}}
	groups := &scmGroupStub{groups: []domain.ReleaseGroup{
		{ID: "rg-1"},
		{ID: "rg-2"},
	}}
	deployer := &deployerStub{}
	svc := newSCMService(sources, groups, &scmWebhookStub{}, deployer)

	ctx := context.Background()
	hookID, _ := svc.Ingest(ctx, "push", "", pushPayload("refs/heads/main", "cafe0004", "ship it [deploy]-rg-2"))
	if err := svc.Process(ctx, hookID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(deployer.started) != 1 || deployer.started[0] != "rg-2" {
		t.Fatalf("marker suffix restricts the deploy, got %v", deployer.started)
	}
}

func TestProcessIgnoresUntrackedRepoAndTags(t *testing.T) {
	sources := &scmSourceStub{}
	hooks := &scmWebhookStub{}
	deployer := &deployerStub{}
	svc := newSCMService(sources, &scmGroupStub{}, hooks, deployer)

	ctx := context.Background()
	hookID, _ := svc.Ingest(ctx, "push", "", pushPayload("refs/heads/main", "cafe0005", "untracked"))
	if err := svc.Process(ctx, hookID); err != nil {
		t.Fatalf("untracked repo is not an error: %v", err)
	}

	tagID, _ := svc.Ingest(ctx, "push", "", pushPayload("refs/tags/v1.0.0", "cafe0006", "tagged"))
	if err := svc.Process(ctx, tagID); err != nil {
		t.Fatalf("tag push is not an error: %v", err)
	}
	if len(sources.created) != 0 || len(deployer.started) != 0 {
		t.Fatal("neither event should record releases or deploy")
	}
}

func TestReplayAfterFailure(t *testing.T) {
	hooks := &scmWebhookStub{}
	svc := newSCMService(&scmSourceStub{}, &scmGroupStub{}, hooks, &deployerStub{})

	ctx := context.Background()
	hookID, _ := svc.Ingest(ctx, "push", "", []byte("{not json"))
	if err := svc.Process(ctx, hookID); err == nil {
		t.Fatal("malformed payload must error")
	}
	if detail := hooks.processed[hookID]; detail == "" {
		t.Fatal("process error must be recorded on the row")
	}
	// A later replay reuses the stored payload.
	if err := svc.Replay(ctx, hookID); err == nil {
		t.Fatal("replay of a still-broken payload errors again")
	}
}
