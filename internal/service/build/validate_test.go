package build

import (
	"errors"
	"testing"

	"github.com/frappe/press-sub003/internal/domain"
)

func TestValidateNodeEngine(t *testing.T) {
	apps := []appContext{
		{App: "frontend", Package: &PackageManifest{Engines: map[string]string{"node": ">=18"}}},
		{App: "backend"},
	}
	if err := validateNodeEngine(apps, "20.11.0"); err != nil {
		t.Fatalf("node 20 satisfies >=18: %v", err)
	}
	err := validateNodeEngine(apps, "16.20.0")
	if err == nil {
		t.Fatal("node 16 must be rejected against >=18")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorNodeIncompatible {
		t.Fatalf("unexpected error: %v", err)
	}
	if verr.App != "frontend" {
		t.Fatalf("error should name the offending app, got %q", verr.App)
	}
}

func TestValidateNodeEngineSkipsWhenUnpinned(t *testing.T) {
	apps := []appContext{{App: "frontend", Package: &PackageManifest{Engines: map[string]string{"node": ">=18"}}}}
	if err := validateNodeEngine(apps, ""); err != nil {
		t.Fatalf("empty group pin skips the check: %v", err)
	}
}

func TestValidateNodeEngineBadConstraint(t *testing.T) {
	apps := []appContext{{App: "frontend", Package: &PackageManifest{Engines: map[string]string{"node": "not-a-range"}}}}
	err := validateNodeEngine(apps, "20.0.0")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorInvalidManifest {
		t.Fatalf("bad constraint should surface as invalid manifest, got %v", err)
	}
}

func TestValidatePython(t *testing.T) {
	apps := []appContext{{App: "reports", Deps: &DependencyManifest{Python: ">=3.10"}}}
	if err := validatePython(apps, "3.11.4"); err != nil {
		t.Fatalf("python 3.11 satisfies >=3.10: %v", err)
	}
	err := validatePython(apps, "3.8.10")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorPythonMismatch {
		t.Fatalf("python 3.8 must mismatch, got %v", err)
	}
}

func TestValidateAppCompat(t *testing.T) {
	apps := []appContext{{App: "widget", Deps: &DependencyManifest{Requires: map[string]string{"framework": ">=15"}}}}

	if err := validateAppCompat(apps, map[string]string{"framework": "15.2.0", "widget": "1.0.0"}); err != nil {
		t.Fatalf("framework 15.2 satisfies >=15: %v", err)
	}

	err := validateAppCompat(apps, map[string]string{"framework": "14.9.0", "widget": "1.0.0"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorAppIncompatible {
		t.Fatalf("framework 14 must be incompatible, got %v", err)
	}

	err = validateAppCompat(apps, map[string]string{"widget": "1.0.0"})
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorAppIncompatible {
		t.Fatalf("missing required app must fail, got %v", err)
	}
}

func TestValidateReleases(t *testing.T) {
	ok := []appContext{{
		App:     "frontend",
		Hash:    "abc123",
		Release: &domain.AppRelease{ID: "rel-1", Status: domain.ReleaseStatusApproved},
	}}
	if err := validateReleases(ok); err != nil {
		t.Fatalf("approved release should pass: %v", err)
	}

	yanked := []appContext{{
		App:     "frontend",
		Hash:    "abc123",
		Release: &domain.AppRelease{ID: "rel-2", Status: domain.ReleaseStatusYanked},
	}}
	err := validateReleases(yanked)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != domain.BuildErrorInvalidRelease {
		t.Fatalf("yanked release must fail, got %v", err)
	}

	missing := []appContext{{App: "frontend"}}
	if err := validateReleases(missing); err == nil {
		t.Fatal("app without a pinned release must fail")
	}
}

func TestEligibleForPullUpdate(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  bool
	}{
		{"templates only", []string{"templates/home.html", "public/app.css"}, true},
		{"mixed with python", []string{"templates/home.html", "api/handlers.py"}, false},
		{"lockfile touched", []string{"public/app.js", "yarn.lock"}, false},
		{"dependency manifest touched", []string{"dependencies.yaml"}, false},
		{"no changes", nil, false},
		{"frontend sources", []string{"src/App.vue", "src/store.ts", "locale/de.po"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EligibleForPullUpdate(tc.files); got != tc.want {
				t.Fatalf("EligibleForPullUpdate(%v) = %v, want %v", tc.files, got, tc.want)
			}
		})
	}
}

func TestParseOutputLine(t *testing.T) {
	line := parseOutputLine(`{"step":"apps-frontend","status":"Success","cached":true,"duration":1.5}`)
	if line.Step != "apps-frontend" || line.Status != "Success" || !line.Cached || line.Duration != 1.5 {
		t.Fatalf("unexpected parse: %+v", line)
	}

	raw := parseOutputLine("Step 4/12 : RUN yarn install")
	if raw.Output != "Step 4/12 : RUN yarn install" || raw.Step != "" {
		t.Fatalf("non-JSON lines become raw output: %+v", raw)
	}

	empty := parseOutputLine("   ")
	if empty != (outputLine{}) {
		t.Fatalf("blank line should parse to zero value: %+v", empty)
	}
}
