package build

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/frappe/press-sub003/internal/domain"
)

// Build stages, in layer order.
const (
	StageBase     = "base"
	StagePackages = "packages"
	StageRuntimes = "runtimes"
	StageApps     = "apps"
	StageConfig   = "config"
	StageFinalize = "finalize"
	StageUpload   = "upload"
)

// stepPlan pairs the rendered container definition with the ordered step
// rows whose slugs appear as layer markers in the definition. Agent output
// lines reference slugs, which is how progress maps back to steps.
type stepPlan struct {
	Dockerfile string
	Steps      []domain.BuildStep
}

type planInput struct {
	BuildID       string
	Group         *domain.ReleaseGroup
	Apps          []appContext
	PackageChunks []string
	NodeVersion   string
	PythonVersion string
	NoPush        bool
}

// renderPlan produces the layered container definition. Layer order is
// fixed: base, OS packages, language runtimes, framework app, remaining
// apps in group order, configuration, entrypoint.
func renderPlan(in planInput) stepPlan {
	var (
		b     strings.Builder
		steps []domain.BuildStep
	)
	order := 0
	addStep := func(slug, stage, app, name string) {
		steps = append(steps, domain.BuildStep{
			ID:        uuid.NewString(),
			BuildID:   in.BuildID,
			Slug:      slug,
			Stage:     stage,
			App:       app,
			Name:      name,
			Status:    domain.StepStatusPending,
			SortOrder: order,
		})
		order++
	}
	marker := func(slug string) string {
		return fmt.Sprintf("# press:step %s\n", slug)
	}

	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString(marker("base"))
	b.WriteString("FROM ubuntu:22.04 AS bench\n")
	b.WriteString("ENV DEBIAN_FRONTEND=noninteractive LANG=C.UTF-8\n")
	addStep("base", StageBase, "", "Prepare base image")

	for i, chunk := range in.PackageChunks {
		slug := fmt.Sprintf("packages-%d", i)
		b.WriteString(marker(slug))
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n", chunk)
		addStep(slug, StagePackages, "", fmt.Sprintf("Install packages (%d)", i+1))
	}

	b.WriteString(marker("runtimes"))
	if in.PythonVersion != "" {
		fmt.Fprintf(&b, "RUN install-python %s\n", in.PythonVersion)
	}
	if in.NodeVersion != "" {
		fmt.Fprintf(&b, "RUN install-node %s\n", in.NodeVersion)
	}
	b.WriteString("RUN useradd -ms /bin/bash frappe\nUSER frappe\nWORKDIR /home/frappe\n")
	addStep("runtimes", StageRuntimes, "", "Install language runtimes")

	b.WriteString(marker("bench-init"))
	b.WriteString("RUN bench init --skip-redis-config-generation --no-backups bench\nWORKDIR /home/frappe/bench\n")
	addStep("bench-init", StageApps, "", "Initialise bench")

	for _, app := range in.Apps {
		slug := "app-" + app.App
		b.WriteString(marker(slug))
		fmt.Fprintf(&b, "COPY --chown=frappe apps/%s apps/%s\n", app.App, app.App)
		if app.PullUpdate {
			// Asset-only diff: refresh the app's files without the
			// install step, keeping earlier layers cached.
			fmt.Fprintf(&b, "RUN bench build --app %s # %s\n", app.App, app.Hash)
			addStep(slug, StageApps, app.App, "Refresh "+app.App)
			continue
		}
		fmt.Fprintf(&b, "RUN bench install-app %s # %s\n", app.App, app.Hash)
		addStep(slug, StageApps, app.App, "Install "+app.App)
	}

	b.WriteString(marker("config"))
	b.WriteString("COPY --chown=frappe config config\n")
	for _, env := range in.Group.Environment {
		fmt.Fprintf(&b, "ENV %s=%q\n", env.Key, env.Value)
	}
	addStep("config", StageConfig, "", "Apply configuration")

	b.WriteString(marker("entrypoint"))
	b.WriteString("CMD [\"supervisord\", \"-c\", \"config/supervisor.conf\"]\n")
	addStep("entrypoint", StageFinalize, "", "Set entrypoint")

	if !in.NoPush {
		addStep("upload", StageUpload, "", "Upload image")
	}

	return stepPlan{Dockerfile: b.String(), Steps: steps}
}
