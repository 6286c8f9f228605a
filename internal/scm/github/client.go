// Package github talks to GitHub on behalf of the installed app:
// installation tokens, branch and commit lookups, webhook payload
// validation and repository clones.
package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v28/github"
	"golang.org/x/oauth2"
)

// ErrTokenUnavailable is returned when no installation token can be minted
// for a source, usually because the app was uninstalled.
var ErrTokenUnavailable = errors.New("github: installation token unavailable")

// Client mints installation tokens and performs repository lookups.
type Client struct {
	appID      int64
	privateKey *rsa.PrivateKey
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// New parses the app private key and returns a client.
func New(appID int64, privateKeyPEM []byte, logger *slog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app key: %w", err)
	}
	return &Client{
		appID:      appID,
		privateKey: key,
		logger:     logger,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// appJWT signs a short-lived RS256 token identifying the app itself.
func (c *Client) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", c.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}

// InstallationToken returns a token scoped to the installation, cached
// until shortly before expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > 2*time.Minute {
		return cached.value, nil
	}

	appToken, err := c.appJWT()
	if err != nil {
		return "", err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: appToken})
	appClient := gh.NewClient(oauth2.NewClient(ctx, ts))

	installation, _, err := appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		c.logger.Error("installation token request failed", "installation", installationID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	token := installation.GetToken()
	expiry := installation.GetExpiresAt()
	c.mu.Lock()
	c.tokens[installationID] = cachedToken{value: token, expiresAt: expiry}
	c.mu.Unlock()
	return token, nil
}

func (c *Client) apiClient(ctx context.Context, installationID int64) (*gh.Client, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gh.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// BranchHead returns the commit hash at the tip of a branch.
func (c *Client) BranchHead(ctx context.Context, installationID int64, owner, repo, branch string) (string, error) {
	client, err := c.apiClient(ctx, installationID)
	if err != nil {
		return "", err
	}
	b, _, err := client.Repositories.GetBranch(ctx, owner, repo, branch)
	if err != nil {
		return "", fmt.Errorf("get branch %s/%s@%s: %w", owner, repo, branch, err)
	}
	return b.GetCommit().GetSHA(), nil
}

// CommitInfo describes one commit for release bookkeeping.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
}

// Commit fetches commit metadata by hash.
func (c *Client) Commit(ctx context.Context, installationID int64, owner, repo, sha string) (*CommitInfo, error) {
	client, err := c.apiClient(ctx, installationID)
	if err != nil {
		return nil, err
	}
	commit, _, err := client.Repositories.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		return nil, fmt.Errorf("get commit %s/%s@%s: %w", owner, repo, sha, err)
	}
	info := &CommitInfo{Hash: commit.GetSHA()}
	if inner := commit.GetCommit(); inner != nil {
		info.Message = inner.GetMessage()
		if author := inner.GetAuthor(); author != nil {
			info.Author = author.GetName()
			info.Timestamp = author.GetDate()
		}
	}
	return info, nil
}

// ValidateWebhook verifies the HMAC signature and returns the raw payload
// and event type.
func ValidateWebhook(r *http.Request, secret []byte) (payload []byte, event string, err error) {
	payload, err = gh.ValidatePayload(r, secret)
	if err != nil {
		return nil, "", err
	}
	return payload, gh.WebHookType(r), nil
}

// PushEvent is the decoded push payload handed to webhook processing.
type PushEvent = gh.PushEvent

// ParsePushEvent decodes a push event payload.
func ParsePushEvent(payload []byte) (*gh.PushEvent, error) {
	event, err := gh.ParseWebHook("push", payload)
	if err != nil {
		return nil, fmt.Errorf("parse push event: %w", err)
	}
	push, ok := event.(*gh.PushEvent)
	if !ok {
		return nil, errors.New("github: payload is not a push event")
	}
	return push, nil
}
