package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PackageManifest is the subset of package.json the pipeline cares about.
type PackageManifest struct {
	Name    string            `json:"name"`
	Engines map[string]string `json:"engines"`
}

// DependencyManifest is the per-app dependency declaration shipped in the
// repository root. OS packages end up in image layers; version pins feed
// the pre-build validations.
type DependencyManifest struct {
	Packages []string          `yaml:"packages"`
	Python   string            `yaml:"python,omitempty"`
	Node     string            `yaml:"node,omitempty"`
	Requires map[string]string `yaml:"requires,omitempty"`
}

// readPackageManifest parses package.json from a clone directory. A missing
// file is not an error; apps without a frontend have none.
func readPackageManifest(dir string) (*PackageManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var manifest PackageManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &manifest, nil
}

// readDependencyManifest parses the app's dependency manifest. Missing file
// means no extra dependencies.
func readDependencyManifest(dir string) (*DependencyManifest, error) {
	for _, name := range []string{"dependencies.yaml", "dependencies.yml"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var manifest DependencyManifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return &manifest, nil
	}
	return nil, nil
}

// maxPackageChunk keeps each aggregated package list inside one container
// layer instruction.
const maxPackageChunk = 140

// packageChunks deduplicates and sorts OS package names, then splits them
// into space-joined chunks no longer than maxPackageChunk characters.
func packageChunks(packages []string) []string {
	seen := make(map[string]bool)
	unique := make([]string, 0, len(packages))
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		unique = append(unique, pkg)
	}
	sort.Strings(unique)

	chunks := make([]string, 0)
	current := ""
	for _, pkg := range unique {
		candidate := pkg
		if current != "" {
			candidate = current + " " + pkg
		}
		if len(candidate) > maxPackageChunk && current != "" {
			chunks = append(chunks, current)
			current = pkg
			continue
		}
		current = candidate
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
