package domain

import "time"

// ReleaseGroup is a user-owned template pinning apps, OS packages and
// runtime versions. Benches are instantiations of it.
type ReleaseGroup struct {
	ID           string
	TeamID       string
	Title        string
	Version      string
	Public       bool
	Central      bool
	Enabled      bool
	AutoDeploy   bool
	Servers      []string
	Apps         []ReleaseGroupApp
	Dependencies []Dependency
	Environment  []EnvVar
	Packages     []string
	Workers      int
	CreatedAt    time.Time
}

// ReleaseGroupApp pins one app source at a version. The first app is
// always the framework app.
type ReleaseGroupApp struct {
	App      string
	SourceID string
	Version  string
}

// Dependency pins a runtime dependency version (node, python, ...).
type Dependency struct {
	Key   string
	Value string
}

// EnvVar is an environment variable applied to benches of the group.
type EnvVar struct {
	Key   string
	Value string
}

// FrameworkApp returns the framework app of the group.
func (g ReleaseGroup) FrameworkApp() (ReleaseGroupApp, bool) {
	if len(g.Apps) == 0 {
		return ReleaseGroupApp{}, false
	}
	return g.Apps[0], true
}

// Dependency returns the pinned value for key, or empty.
func (g ReleaseGroup) Dependency(key string) string {
	for _, d := range g.Dependencies {
		if d.Key == key {
			return d.Value
		}
	}
	return ""
}

// HasServer reports whether the group may run on the given server.
func (g ReleaseGroup) HasServer(serverID string) bool {
	for _, s := range g.Servers {
		if s == serverID {
			return true
		}
	}
	return false
}
