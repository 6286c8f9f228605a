package build

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/frappe/press-sub003/internal/domain"
)

// ValidationError is a pre-build check failure. It carries the build error
// kind surfaced on the Build row and in notifications.
type ValidationError struct {
	Kind   string
	App    string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.App != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.App, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// appContext gathers everything the validations and the renderer need about
// one app of the candidate.
type appContext struct {
	App        string
	SourceID   string
	Hash       string
	CloneDir   string
	Release    *domain.AppRelease
	Package    *PackageManifest
	Deps       *DependencyManifest
	PullUpdate bool
}

// validateNodeEngine checks that each app's declared node engine range
// admits the group's configured node version.
func validateNodeEngine(apps []appContext, nodeVersion string) error {
	if nodeVersion == "" {
		return nil
	}
	configured, err := semver.NewVersion(nodeVersion)
	if err != nil {
		return &ValidationError{Kind: domain.BuildErrorNodeIncompatible, Detail: fmt.Sprintf("configured node version %q is not semver", nodeVersion)}
	}
	for _, app := range apps {
		if app.Package == nil {
			continue
		}
		engine, ok := app.Package.Engines["node"]
		if !ok || engine == "" {
			continue
		}
		constraint, err := semver.NewConstraint(engine)
		if err != nil {
			return &ValidationError{Kind: domain.BuildErrorInvalidManifest, App: app.App, Detail: fmt.Sprintf("node engine %q is not a valid constraint", engine)}
		}
		if !constraint.Check(configured) {
			return &ValidationError{Kind: domain.BuildErrorNodeIncompatible, App: app.App, Detail: fmt.Sprintf("app requires node %q, group pins %s", engine, nodeVersion)}
		}
	}
	return nil
}

// validatePython checks the group's python version against each app's pin.
func validatePython(apps []appContext, pythonVersion string) error {
	if pythonVersion == "" {
		return nil
	}
	configured, err := semver.NewVersion(pythonVersion)
	if err != nil {
		return &ValidationError{Kind: domain.BuildErrorPythonMismatch, Detail: fmt.Sprintf("configured python version %q is not semver", pythonVersion)}
	}
	for _, app := range apps {
		if app.Deps == nil || app.Deps.Python == "" {
			continue
		}
		constraint, err := semver.NewConstraint(app.Deps.Python)
		if err != nil {
			return &ValidationError{Kind: domain.BuildErrorInvalidManifest, App: app.App, Detail: fmt.Sprintf("python requirement %q is not a valid constraint", app.Deps.Python)}
		}
		if !constraint.Check(configured) {
			return &ValidationError{Kind: domain.BuildErrorPythonMismatch, App: app.App, Detail: fmt.Sprintf("app requires python %q, group pins %s", app.Deps.Python, pythonVersion)}
		}
	}
	return nil
}

// validateAppCompat checks declared app-to-app version requirements, e.g.
// "widget requires framework >= 15".
func validateAppCompat(apps []appContext, versions map[string]string) error {
	for _, app := range apps {
		if app.Deps == nil {
			continue
		}
		for required, constraint := range app.Deps.Requires {
			version, ok := versions[required]
			if !ok {
				return &ValidationError{Kind: domain.BuildErrorAppIncompatible, App: app.App, Detail: fmt.Sprintf("requires app %q which is not in the group", required)}
			}
			if version == "" {
				continue
			}
			parsed, err := semver.NewVersion(version)
			if err != nil {
				continue
			}
			c, err := semver.NewConstraint(constraint)
			if err != nil {
				return &ValidationError{Kind: domain.BuildErrorInvalidManifest, App: app.App, Detail: fmt.Sprintf("requirement on %q (%q) is not a valid constraint", required, constraint)}
			}
			if !c.Check(parsed) {
				return &ValidationError{Kind: domain.BuildErrorAppIncompatible, App: app.App, Detail: fmt.Sprintf("requires %s %s, group has %s", required, constraint, version)}
			}
		}
	}
	return nil
}

// validateReleases rejects yanked or rejected releases and empty commits.
func validateReleases(apps []appContext) error {
	for _, app := range apps {
		if app.Release == nil || app.Hash == "" {
			return &ValidationError{Kind: domain.BuildErrorInvalidRelease, App: app.App, Detail: "no pinned release"}
		}
		switch app.Release.Status {
		case domain.ReleaseStatusYanked, domain.ReleaseStatusRejected:
			return &ValidationError{Kind: domain.BuildErrorInvalidRelease, App: app.App, Detail: fmt.Sprintf("release %s is %s", app.Release.ID, app.Release.Status)}
		}
	}
	return nil
}
