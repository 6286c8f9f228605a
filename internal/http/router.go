// Package httpx is the control plane's HTTP surface: the dashboard API,
// inbound webhooks, agent callbacks and the build log stream.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
	"github.com/frappe/press-sub003/internal/scm/github"
	"github.com/frappe/press-sub003/internal/service/agentjob"
	"github.com/frappe/press-sub003/internal/service/build"
	"github.com/frappe/press-sub003/internal/service/deploy"
	"github.com/frappe/press-sub003/internal/service/notification"
	"github.com/frappe/press-sub003/internal/service/scheduler"
	"github.com/frappe/press-sub003/internal/service/scm"
	"github.com/frappe/press-sub003/internal/service/siteaction"
	"github.com/frappe/press-sub003/internal/service/team"
	"github.com/frappe/press-sub003/internal/service/webhookout"
	"github.com/frappe/press-sub003/internal/ws"
	"github.com/frappe/press-sub003/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	teams    *team.Service
	engine   *siteaction.Engine
	deploy   *deploy.Service
	trigger  *deploy.Trigger
	builder  *build.Service
	tracker  *agentjob.Tracker
	ingestor *scm.Service
	sched    *scheduler.Scheduler
	fanout   *webhookout.Service
	notify   *notification.Service

	groups  repository.GroupRepository
	actions repository.ActionRepository
	builds  repository.BuildRepository

	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	cfg      config.Config
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	agentCallbacks     *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitBootstrap = 5
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 600
	rateLimitCallback  = 1200
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	teams *team.Service,
	engine *siteaction.Engine,
	deploySvc *deploy.Service,
	trigger *deploy.Trigger,
	builder *build.Service,
	tracker *agentjob.Tracker,
	ingestor *scm.Service,
	sched *scheduler.Scheduler,
	fanout *webhookout.Service,
	notify *notification.Service,
	groups repository.GroupRepository,
	actions repository.ActionRepository,
	builds repository.BuildRepository,
	hub *ws.Hub,
	limiter RateLimiter,
	cfg config.Config,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		teams:    teams,
		engine:   engine,
		deploy:   deploySvc,
		trigger:  trigger,
		builder:  builder,
		tracker:  tracker,
		ingestor: ingestor,
		sched:    sched,
		fanout:   fanout,
		notify:   notify,
		groups:   groups,
		actions:  actions,
		builds:   builds,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		cfg:      cfg,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/teams", r.audit(r.withRateLimit(rateLimitBootstrap, rateWindowDefault, rateLimitKeyIP, r.handleTeams)))
	r.mux.HandleFunc("/api/groups", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleGroups)))
	r.mux.HandleFunc("/api/groups/", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleGroupSubroutes)))
	r.mux.HandleFunc("/api/sites/", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleSiteSubroutes)))
	r.mux.HandleFunc("/api/actions/", r.audit(r.handlerAuthRate(rateLimitRead, rateWindowDefault, r.handleActionSubroutes)))
	r.mux.HandleFunc("/api/builds/", r.audit(r.handlerAuthRate(rateLimitRead, rateWindowDefault, r.handleBuildSubroutes)))
	r.mux.HandleFunc("/api/benches/", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleBenchSubroutes)))
	r.mux.HandleFunc("/api/webhooks", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleWebhookSubscribe)))
	r.mux.HandleFunc("/api/notifications/", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleNotificationSubroutes)))
	r.mux.HandleFunc("/api/webhook/github", r.audit(r.withRateLimit(rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleGitHubWebhook)))
	r.mux.HandleFunc("/api/webhook/replay", r.audit(r.handlerAuthRate(rateLimitWrite, rateWindowDefault, r.handleWebhookReplay)))
	r.mux.HandleFunc("/api/method/press.agent.callback", r.audit(r.withRateLimit(rateLimitCallback, rateWindowDefault, rateLimitKeyIP, r.handleAgentCallback)))
	r.mux.HandleFunc("/ws/builds", r.audit(r.handlerAuthRate(rateLimitWebsocket, rateWindowRealtime, r.handleBuildLogsWS)))
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	tenant, err := r.teams.Create(req.Context(), payload.Name)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	token, err := r.teams.IssueToken("", tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"team":  map[string]any{"id": tenant.ID, "name": tenant.Name},
		"token": token,
	})
}

func (r *Router) handleGroups(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	switch req.Method {
	case http.MethodGet:
		groups, err := r.groups.ListGroupsByTeam(req.Context(), rc.TeamID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	case http.MethodPost:
		var group domain.ReleaseGroup
		if err := json.NewDecoder(req.Body).Decode(&group); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		group.TeamID = rc.TeamID
		if err := r.deploy.CreateGroup(req.Context(), &group); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"group": group})
	default:
		r.methodNotAllowed(w)
	}
}

// handleGroupSubroutes covers /api/groups/{id}/deploy.
func (r *Router) handleGroupSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	groupID, rest := splitResource(req.URL.Path, "/api/groups/")
	if groupID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	group, err := r.groups.GetGroupByID(req.Context(), groupID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	if group.TeamID != rc.TeamID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case rest == "deploy" && req.Method == http.MethodPost:
		candidateID, err := r.trigger.StartDeploy(req.Context(), groupID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"candidate": candidateID})
	case rest == "" && req.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"group": group})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleSiteSubroutes covers /api/sites/{id}/actions.
func (r *Router) handleSiteSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	siteID, rest := splitResource(req.URL.Path, "/api/sites/")
	if siteID == "" || rest != "actions" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ActionType    string            `json:"action_type"`
		Arguments     map[string]string `json:"arguments"`
		ScheduledTime *time.Time        `json:"scheduled_time,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action, err := r.engine.Create(req.Context(), rc.TeamID, siteID, payload.ActionType, payload.Arguments, payload.ScheduledTime)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"action": action})
}

// handleActionSubroutes covers /api/actions/{id} and /api/actions/{id}/cancel.
func (r *Router) handleActionSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	actionID, rest := splitResource(req.URL.Path, "/api/actions/")
	if actionID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	action, err := r.actions.GetActionByID(req.Context(), actionID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	if action.TeamID != rc.TeamID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case rest == "" && req.Method == http.MethodGet:
		steps, err := r.actions.ListActionSteps(req.Context(), actionID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": action, "steps": steps})
	case rest == "cancel" && req.Method == http.MethodPost:
		if err := r.engine.Cancel(req.Context(), actionID); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleBuildSubroutes covers /api/builds/{id} and /api/builds/{id}/cancel.
func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	buildID, rest := splitResource(req.URL.Path, "/api/builds/")
	if buildID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	record, err := r.builds.GetBuildByID(req.Context(), buildID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	if record.TeamID != rc.TeamID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case rest == "" && req.Method == http.MethodGet:
		steps, err := r.builds.ListBuildSteps(req.Context(), buildID)
		if err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"build": record, "steps": steps})
	case rest == "cancel" && req.Method == http.MethodPost:
		if err := r.builder.FailManually(req.Context(), buildID, "cancelled by user"); err != nil {
			r.writeRepoError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelled"})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleWebhookSubscribe(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		URL    string   `json:"url"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.URL == "" || len(payload.Events) == 0 {
		writeError(w, http.StatusBadRequest, "url and events are required")
		return
	}
	webhook, err := r.fanout.Subscribe(req.Context(), rc.TeamID, payload.URL, payload.Secret, payload.Events)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": map[string]any{"id": webhook.ID, "url": webhook.URL, "events": webhook.Events}})
}

// handleBenchSubroutes covers /api/benches/{id}/execute.
func (r *Router) handleBenchSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	benchID, rest := splitResource(req.URL.Path, "/api/benches/")
	if benchID == "" || rest != "execute" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	output, err := r.deploy.ExecuteOnBench(req.Context(), rc.TeamID, benchID, payload.Command)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": output})
}

// handleNotificationSubroutes covers /api/notifications/{id}/addressed.
func (r *Router) handleNotificationSubroutes(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	notificationID, rest := splitResource(req.URL.Path, "/api/notifications/")
	if notificationID == "" || rest != "addressed" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.notify.MarkAddressed(req.Context(), rc.TeamID, notificationID); err != nil {
		r.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "addressed"})
}

// handleGitHubWebhook persists the raw payload after signature validation
// and queues processing.
func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payload, event, err := github.ValidateWebhook(req, []byte(r.cfg.GitHubWebhookSecret))
	if err != nil {
		r.logger.Warn("github webhook rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	hookID, err := r.ingestor.Ingest(req.Context(), event, req.Header.Get("X-Hub-Signature"), payload)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	r.sched.EnqueueWebhookProcessing(req.Context(), hookID)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": hookID})
}

func (r *Router) handleWebhookReplay(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := r.ingestor.Replay(req.Context(), payload.ID); err != nil {
		r.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

// handleAgentCallback applies a progress report pushed by a server agent.
func (r *Router) handleAgentCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	secret := req.Header.Get("X-Press-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(r.cfg.CallbackSharedSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid callback secret")
		return
	}
	var payload struct {
		Server string             `json:"server"`
		JobID  int64              `json:"job_id"`
		Status string             `json:"status"`
		Steps  []agent.StepStatus `json:"steps"`
		Start  *time.Time         `json:"start,omitempty"`
		End    *time.Time         `json:"end,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Server == "" || payload.JobID == 0 {
		writeError(w, http.StatusBadRequest, "server and job_id are required")
		return
	}
	update := agentjob.CallbackUpdate{
		ExternalID: payload.JobID,
		Status:     payload.Status,
		Steps:      payload.Steps,
		StartedAt:  payload.Start,
		EndedAt:    payload.End,
	}
	if err := r.tracker.ApplyUpdate(req.Context(), payload.Server, update); err != nil {
		r.writeRepoError(w, err)
		return
	}
	r.recordAgentCallback(payload.Status)
	writeJSON(w, http.StatusOK, map[string]any{"status": "applied"})
}

// handleBuildLogsWS streams build output lines over a websocket.
func (r *Router) handleBuildLogsWS(w http.ResponseWriter, req *http.Request) {
	rc, ok := requestContextFrom(req.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	buildID := req.URL.Query().Get("build")
	if buildID == "" {
		writeError(w, http.StatusBadRequest, "build query parameter is required")
		return
	}
	record, err := r.builds.GetBuildByID(req.Context(), buildID)
	if err != nil {
		r.writeRepoError(w, err)
		return
	}
	if record.TeamID != rc.TeamID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(buildID, client)
	defer r.hub.Unregister(buildID, client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit logs every request with status, size, duration and actor.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if rc, ok := requestContextFrom(ctx); ok {
			actor = "team"
			fields = append(fields, "team_id", rc.TeamID)
		} else if strings.HasPrefix(req.URL.Path, "/api/method/") {
			actor = "agent"
		} else if strings.HasPrefix(req.URL.Path, "/api/webhook/") {
			actor = "provider"
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// writeRepoError maps repository sentinels onto HTTP statuses.
func (r *Router) writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// splitResource returns the resource id and the remainder of the path
// after the prefix, e.g. /api/groups/{id}/deploy -> (id, "deploy").
func splitResource(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", ""
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	if len(parts) == 1 {
		return id, ""
	}
	return id, parts[1]
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
