package build

import (
	"path"
	"strings"
)

// Pull updates swap files inside an existing layer instead of rebuilding
// it. Only changes confined to templates and static assets qualify; any
// touched dependency or build specification forces a rebuild.

var pullUpdateExtensions = map[string]bool{
	".html": true,
	".md":   true,
	".po":   true,
	".css":  true,
	".scss": true,
	".less": true,
	".js":   true,
	".ts":   true,
	".vue":  true,
	".json": true,
	".svg":  true,
	".png":  true,
	".jpg":  true,
}

var rebuildFiles = map[string]bool{
	"package.json":      true,
	"pyproject.toml":    true,
	"setup.py":          true,
	"requirements.txt":  true,
	"yarn.lock":         true,
	"package-lock.json": true,
	"dependencies.yaml": true,
	"dependencies.yml":  true,
}

// EligibleForPullUpdate reports whether a file diff between two releases
// allows a pull update of the app layer. Candidate creation consults it to
// mark apps whose layer can be refreshed instead of rebuilt.
func EligibleForPullUpdate(changedFiles []string) bool {
	if len(changedFiles) == 0 {
		return false
	}
	for _, file := range changedFiles {
		base := path.Base(file)
		if rebuildFiles[base] {
			return false
		}
		ext := strings.ToLower(path.Ext(file))
		if !pullUpdateExtensions[ext] {
			return false
		}
	}
	return true
}
