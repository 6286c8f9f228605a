// Package agent is the HTTP client for the per-server agent daemon. Every
// managed server runs an agent; the control plane submits work to it and
// receives progress through callbacks or polling.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/frappe/press-sub003/internal/domain"
)

// ErrUnreachable wraps transport-level failures talking to an agent.
var ErrUnreachable = errors.New("agent: unreachable")

// ErrRejected is returned when the agent answers with a non-2xx status.
type ErrRejected struct {
	StatusCode int
	Body       string
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("agent: rejected with status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one server's agent.
type Client struct {
	baseURL    string
	secret     string
	budget     time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Dialer builds agent clients for servers on demand.
type Dialer struct {
	secret  string
	timeout time.Duration
	budget  time.Duration
	logger  *slog.Logger
}

// NewDialer constructs a dialer with the shared agent secret, per-request
// timeout and submission retry budget.
func NewDialer(secret string, timeout, budget time.Duration, logger *slog.Logger) *Dialer {
	if budget <= 0 {
		budget = time.Minute
	}
	return &Dialer{secret: secret, timeout: timeout, budget: budget, logger: logger}
}

// For returns a client bound to the server's agent URL.
func (d *Dialer) For(server *domain.Server) *Client {
	return &Client{
		baseURL:    server.AgentURL,
		secret:     d.secret,
		budget:     d.budget,
		httpClient: &http.Client{Timeout: d.timeout},
		logger:     d.logger.With("agent", server.AgentURL),
	}
}

// JobResponse is the agent's acknowledgement of accepted work. The agent
// assigns its own numeric job identifier.
type JobResponse struct {
	Job int64 `json:"job"`
}

// JobStatus is the agent's view of a job, returned by FetchJob.
type JobStatus struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"`
	Steps  []StepStatus    `json:"steps"`
	Data   json.RawMessage `json:"data,omitempty"`
	Start  *time.Time      `json:"start,omitempty"`
	End    *time.Time      `json:"end,omitempty"`
}

// StepStatus is one step inside a JobStatus.
type StepStatus struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Output    string     `json:"output,omitempty"`
	Traceback string     `json:"traceback,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// CreateBench asks the agent to assemble a bench from the given config.
func (c *Client) CreateBench(ctx context.Context, benchID string, config, benchConfig json.RawMessage) (int64, error) {
	payload := map[string]any{
		"name":         benchID,
		"config":       config,
		"bench_config": benchConfig,
	}
	return c.submit(ctx, http.MethodPost, "/benches", payload)
}

// ArchiveBench asks the agent to stop and remove a bench.
func (c *Client) ArchiveBench(ctx context.Context, benchID string) (int64, error) {
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/archive", benchID), nil)
}

// UpdateBenchInPlace switches a running bench to a new image without moving
// its sites.
func (c *Client) UpdateBenchInPlace(ctx context.Context, benchID, imageTag string, sites []string) (int64, error) {
	payload := map[string]any{
		"image": imageTag,
		"sites": sites,
	}
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/update_inplace", benchID), payload)
}

// RecoverUpdateInPlace rolls a bench back to its previous image after a
// failed in-place update.
func (c *Client) RecoverUpdateInPlace(ctx context.Context, benchID string) (int64, error) {
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/recover_update_inplace", benchID), nil)
}

// UpdateSite runs a site update on the agent. Migrate moves the site with a
// schema migration; otherwise the agent does a pull update.
func (c *Client) UpdateSite(ctx context.Context, benchID, siteID, destBenchID string, migrate, skipBackups bool) (int64, error) {
	verb := "pull"
	if migrate {
		verb = "migrate"
	}
	payload := map[string]any{
		"target":       destBenchID,
		"skip_backups": skipBackups,
	}
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/sites/%s/update/%s", benchID, siteID, verb), payload)
}

// MoveSite starts a cross-server site move from the destination side.
func (c *Client) MoveSite(ctx context.Context, benchID, siteID, sourceServer string) (int64, error) {
	payload := map[string]any{
		"source": sourceServer,
	}
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/sites/%s/move", benchID, siteID), payload)
}

// SyncBench asks the agent to report bench state back through the callback
// channel.
func (c *Client) SyncBench(ctx context.Context, benchID string) (int64, error) {
	return c.submit(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/sync", benchID), nil)
}

// DockerExecute runs a command in the bench container synchronously and
// returns its output. No job row is created for these.
func (c *Client) DockerExecute(ctx context.Context, benchID, command string) (string, error) {
	payload := map[string]any{"command": command}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/benches/%s/docker_execute", benchID), payload)
	if err != nil {
		return "", err
	}
	var result struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode docker execute response: %w", err)
	}
	return result.Output, nil
}

// ImageSize reports the pulled size of an image on the server, in bytes.
func (c *Client) ImageSize(ctx context.Context, imageTag string) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/images/size?tag="+imageTag, nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("decode image size response: %w", err)
	}
	return result.Size, nil
}

// FetchJob polls the agent for the current state of a job.
func (c *Client) FetchJob(ctx context.Context, externalID int64) (*JobStatus, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d", externalID), nil)
	if err != nil {
		return nil, err
	}
	var status JobStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &status, nil
}

// SubmitBuild streams a build context to the builder agent and returns the
// build token the agent will report progress under. The stream is the
// request body; build options travel in query parameters.
func (c *Client) SubmitBuild(ctx context.Context, imageTag, platform string, noCache, noPush bool, buildContext io.Reader) (string, error) {
	path := fmt.Sprintf("/builder/build?tag=%s&platform=%s&no_cache=%t&no_push=%t",
		url.QueryEscape(imageTag), url.QueryEscape(platform), noCache, noPush)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent"+path, buildContext)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "bearer "+c.secret)
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ErrRejected{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode build submission response: %w", err)
	}
	return result.Token, nil
}

// FetchBuildOutput returns builder output lines produced after the given
// cursor, for the polling path.
func (c *Client) FetchBuildOutput(ctx context.Context, token string, cursor int) ([]string, int, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/builder/build/%s/output?cursor=%d", token, cursor), nil)
	if err != nil {
		return nil, cursor, err
	}
	var result struct {
		Lines  []string `json:"lines"`
		Cursor int      `json:"cursor"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, cursor, fmt.Errorf("decode build output: %w", err)
	}
	return result.Lines, result.Cursor, nil
}

// CancelBuild aborts a running remote build.
func (c *Client) CancelBuild(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/builder/build/%s/cancel", token), nil)
	return err
}

// FreeDisk reports free bytes on the server's data volume.
func (c *Client) FreeDisk(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/server/disk-free", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Free int64 `json:"free"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("decode disk free response: %w", err)
	}
	return result.Free, nil
}

// Ping checks agent liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil)
	return err
}

// submit posts work to the agent with a bounded retry budget and returns
// the agent-assigned job id. Transport errors retry; rejections do not.
func (c *Client) submit(ctx context.Context, method, path string, payload any) (int64, error) {
	var jobID int64
	backoff := retry.WithMaxDuration(c.budget, retry.NewConstant(5*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := c.do(ctx, method, path, payload)
		if err != nil {
			var rejected *ErrRejected
			if errors.As(err, &rejected) {
				return err
			}
			c.logger.Warn("agent submission retry", "path", path, "error", err)
			return retry.RetryableError(err)
		}
		var response JobResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return fmt.Errorf("decode job response: %w", err)
		}
		jobID = response.Job
		return nil
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal agent request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/agent"+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "bearer "+c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ErrRejected{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
