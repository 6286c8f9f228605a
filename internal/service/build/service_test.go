package build

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/pkg/config"
)

type buildRepoStub struct {
	repository.BuildRepository
	builds map[string]*domain.Build
	steps  map[string][]domain.BuildStep
}

func (s *buildRepoStub) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	b, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (s *buildRepoStub) ListRunningBuilds(_ context.Context) ([]domain.Build, error) {
	running := make([]domain.Build, 0)
	for _, b := range s.builds {
		if b.Status == domain.BuildStatusRunning && b.BuildToken != "" {
			running = append(running, *b)
		}
	}
	return running, nil
}

func (s *buildRepoStub) ListBuildSteps(_ context.Context, buildID string) ([]domain.BuildStep, error) {
	return s.steps[buildID], nil
}

func (s *buildRepoStub) UpdateBuildStep(_ context.Context, step *domain.BuildStep) error {
	for i := range s.steps[step.BuildID] {
		if s.steps[step.BuildID][i].ID == step.ID {
			s.steps[step.BuildID][i] = *step
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *buildRepoStub) UpdateBuild(_ context.Context, update repository.BuildUpdate) error {
	b, ok := s.builds[update.BuildID]
	if !ok {
		return repository.ErrNotFound
	}
	if update.Status != "" {
		b.Status = update.Status
	}
	if update.ImageDigest != "" {
		b.ImageDigest = update.ImageDigest
	}
	if update.ImageSize > 0 {
		b.ImageSize = update.ImageSize
	}
	if update.ErrorKind != "" {
		b.ErrorKind = update.ErrorKind
	}
	if update.ErrorDetail != "" {
		b.ErrorDetail = update.ErrorDetail
	}
	if update.Output != "" {
		b.Output = update.Output
	}
	if update.EndedAt != nil {
		b.EndedAt = update.EndedAt
	}
	return nil
}

type serverRepoStub struct {
	repository.ServerRepository
	servers map[string]*domain.Server
}

func (s *serverRepoStub) GetServerByID(_ context.Context, serverID string) (*domain.Server, error) {
	server, ok := s.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return server, nil
}

func newPollService(builds *buildRepoStub, servers *serverRepoStub) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := agent.NewDialer("agent-secret", 5*time.Second, time.Second, logger)
	return New(builds, nil, nil, nil, servers, nil, nil, nil, dialer, nil, nil, config.Config{}, logger)
}

func TestPollRunningRecoversLostBuildOutput(t *testing.T) {
	var gotCursor string
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/builder/build/tok-1/output", func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		json.NewEncoder(w).Encode(map[string]any{
			"lines": []string{
				`{"step":"base","status":"Success","duration":1.5}`,
				`{"digest":"sha256:abc123"}`,
			},
			"cursor": 2,
		})
	})
	mux.HandleFunc("/agent/images/size", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"size": 734003200})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	builds := &buildRepoStub{
		builds: map[string]*domain.Build{
			"b1": {
				ID:            "b1",
				TeamID:        "team-1",
				Status:        domain.BuildStatusRunning,
				BuildToken:    "tok-1",
				BuildServerID: "srv-1",
				ImageTag:      "registry.press.dev/press/g1:c1-amd64",
			},
		},
		steps: map[string][]domain.BuildStep{
			"b1": {{ID: "st-1", BuildID: "b1", Slug: "base", Stage: StageBase, Status: domain.StepStatusPending}},
		},
	}
	servers := &serverRepoStub{servers: map[string]*domain.Server{
		"srv-1": {ID: "srv-1", AgentURL: srv.URL},
	}}
	svc := newPollService(builds, servers)

	if err := svc.PollRunning(context.Background()); err != nil {
		t.Fatalf("poll running: %v", err)
	}
	if gotCursor != "0" {
		t.Fatalf("fresh build polls from cursor 0, got %q", gotCursor)
	}
	b := builds.builds["b1"]
	if b.Status != domain.BuildStatusSuccess {
		t.Fatalf("digest line must complete the build, got %q", b.Status)
	}
	if b.ImageDigest != "sha256:abc123" {
		t.Fatalf("unexpected digest %q", b.ImageDigest)
	}
	if b.ImageSize != 734003200 {
		t.Fatalf("image size must be recorded on completion, got %d", b.ImageSize)
	}
	if builds.steps["b1"][0].Status != domain.StepStatusSuccess {
		t.Fatalf("step must settle, got %q", builds.steps["b1"][0].Status)
	}

	// Terminal builds drop out of the sweep.
	if err := svc.PollRunning(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
}

func TestPollRunningResumesFromStoredOutput(t *testing.T) {
	var gotCursor string
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/builder/build/tok-2/output", func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		json.NewEncoder(w).Encode(map[string]any{"lines": []string{}, "cursor": 2})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	builds := &buildRepoStub{
		builds: map[string]*domain.Build{
			"b2": {
				ID:            "b2",
				Status:        domain.BuildStatusRunning,
				BuildToken:    "tok-2",
				BuildServerID: "srv-1",
				Output:        "line one\nline two",
			},
		},
		steps: map[string][]domain.BuildStep{},
	}
	servers := &serverRepoStub{servers: map[string]*domain.Server{
		"srv-1": {ID: "srv-1", AgentURL: srv.URL},
	}}
	svc := newPollService(builds, servers)

	if err := svc.PollRunning(context.Background()); err != nil {
		t.Fatalf("poll running: %v", err)
	}
	if gotCursor != "2" {
		t.Fatalf("stored output positions the cursor, got %q", gotCursor)
	}
	if builds.builds["b2"].Status != domain.BuildStatusRunning {
		t.Fatalf("no new lines leaves the build running, got %q", builds.builds["b2"].Status)
	}
}

func TestOutputCursor(t *testing.T) {
	cases := []struct {
		output string
		want   int
	}{
		{"", 0},
		{"one", 1},
		{"one\ntwo", 2},
		{"one\ntwo\nthree", 3},
	}
	for _, tc := range cases {
		if got := outputCursor(tc.output); got != tc.want {
			t.Fatalf("outputCursor(%q) = %d, want %d", tc.output, got, tc.want)
		}
	}
}

func TestRenderPlanPullUpdateRefreshesAppLayer(t *testing.T) {
	group := &domain.ReleaseGroup{ID: "g1"}
	plan := renderPlan(planInput{
		BuildID: "b1",
		Group:   group,
		Apps: []appContext{
			{App: "frappe", Hash: "aaa"},
			{App: "blog", Hash: "bbb", PullUpdate: true},
		},
	})

	if !strings.Contains(plan.Dockerfile, "RUN bench install-app frappe") {
		t.Fatal("full apps keep the install step")
	}
	if strings.Contains(plan.Dockerfile, "RUN bench install-app blog") {
		t.Fatal("pull-update apps must not reinstall")
	}
	if !strings.Contains(plan.Dockerfile, "RUN bench build --app blog") {
		t.Fatal("pull-update apps refresh assets instead")
	}
	var blogStep *domain.BuildStep
	for i := range plan.Steps {
		if plan.Steps[i].App == "blog" {
			blogStep = &plan.Steps[i]
		}
	}
	if blogStep == nil || blogStep.Name != "Refresh blog" {
		t.Fatalf("unexpected pull-update step: %+v", blogStep)
	}
}
