package github

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Cloner materialises pinned release commits on disk. Clones land in
// {root}/{app}/{source}/{hash[:10]}; a finished clone is immutable and
// reused across builds.
type Cloner struct {
	root   string
	client *Client
	logger *slog.Logger
}

// NewCloner builds a cloner rooted at dir.
func NewCloner(dir string, client *Client, logger *slog.Logger) *Cloner {
	return &Cloner{root: dir, client: client, logger: logger}
}

// CloneDir returns the on-disk location for a pinned commit.
func (c *Cloner) CloneDir(app, sourceID, hash string) string {
	short := hash
	if len(short) > 10 {
		short = short[:10]
	}
	return filepath.Join(c.root, app, sourceID, short)
}

// Clone fetches the pinned commit of a source repository. The work happens
// in a temporary sibling directory renamed into place on success, so a
// crashed clone never presents as complete.
func (c *Cloner) Clone(ctx context.Context, app, sourceID string, installationID int64, owner, repo, hash string) (string, error) {
	dest := c.CloneDir(app, sourceID, hash)
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return dest, nil
	}

	token, err := c.client.InstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("prepare clone dir: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".clone-")
	if err != nil {
		return "", fmt.Errorf("prepare clone dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	remote := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s", token, owner, repo)
	steps := [][]string{
		{"init"},
		{"remote", "add", "origin", remote},
		{"fetch", "--depth", "1", "origin", hash},
		{"checkout", "--force", hash},
	}
	for _, args := range steps {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = tmp
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, out)
		}
	}
	// Scrub the token from the stored remote.
	cmd := exec.CommandContext(ctx, "git", "remote", "set-url", "origin",
		fmt.Sprintf("https://github.com/%s/%s", owner, repo))
	cmd.Dir = tmp
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git remote set-url: %w: %s", err, out)
	}

	if err := os.Rename(tmp, dest); err != nil {
		if _, statErr := os.Stat(filepath.Join(dest, ".git")); statErr == nil {
			// A concurrent clone finished first.
			return dest, nil
		}
		return "", fmt.Errorf("finalize clone: %w", err)
	}
	c.logger.Info("cloned release", "app", app, "source", sourceID, "hash", hash)
	return dest, nil
}
