package deploy

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/service/build"
	"github.com/frappe/press-sub003/pkg/config"
)

func TestBuildFailureFailsCandidate(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := agent.NewDialer("secret", 5*time.Second, time.Second, log)

	repo := newDeployRepoStub()
	repo.candidates["c1"] = &domain.DeployCandidate{ID: "c1", TeamID: "team-1", Status: domain.CandidateStatusRunning}
	repo.builds["b1"] = &domain.Build{ID: "b1", TeamID: "team-1", CandidateID: "c1", Status: domain.BuildStatusRunning}

	deploySvc := newTestService(repo)
	emitter := &deployEmitterStub{}
	deploySvc.SetEventEmitter(emitter)

	builder := build.New(repo, nil, nil, nil, repo, nil, nil, nil, dialer, nil, nil, config.Config{}, log)
	NewTrigger(deploySvc, builder, repo, nil, log)

	// FailManually surfaces the cancellation cause to its caller; the
	// interesting part is the hook side effect.
	_ = builder.FailManually(context.Background(), "b1", "operator cancelled")

	if repo.builds["b1"].Status != domain.BuildStatusFailure {
		t.Fatalf("build should be Failure, got %q", repo.builds["b1"].Status)
	}
	if repo.candidates["c1"].Status != domain.CandidateStatusFailure {
		t.Fatalf("failed build must fail its candidate, got %q", repo.candidates["c1"].Status)
	}
	if len(emitter.events) != 1 || emitter.events[0].Event != domain.EventDeployCompletion {
		t.Fatalf("candidate failure must fan out, got %+v", emitter.events)
	}
}
