// Package httpx wires the daemon's HTTP surface: project provisioning,
// deployment triggers, history and status reads, the webhook endpoint, and
// the event stream. Dashboard CRUD beyond creation lives elsewhere; this
// surface is what the orchestrator itself exposes.
package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/deploy"
	"github.com/omdev04/nodepilot/internal/service/materialize"
	"github.com/omdev04/nodepilot/internal/service/project"
	"github.com/omdev04/nodepilot/internal/service/webhook"
	"github.com/omdev04/nodepilot/internal/ws"
)

const (
	maxUploadBytes     = 512 << 20 // generous ceiling for app archives
	maxWebhookBytes    = 1 << 20
	rateWindowDefault  = time.Minute
	rateLimitDeploy    = 12
	rateLimitRead      = 120
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	deploy    *deploy.Service
	provision project.Service
	webhook   webhook.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	apiToken  string
	dbHealth  func(context.Context) error

	webhookRateLimit int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, provisionSvc project.Service, webhookSvc webhook.Service, hub *ws.Hub, limiter RateLimiter, apiToken string, webhookRateLimit int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		deploy:    deploySvc,
		provision: provisionSvc,
		webhook:   webhookSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          limiter,
		apiToken:         strings.TrimSpace(apiToken),
		webhookRateLimit: webhookRateLimit,
		dbHealth:         dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
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
	r.mux.HandleFunc("GET /healthz", r.instrument("healthz", r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /projects", r.guarded("create", rateLimitDeploy, r.handleCreateProject))
	r.mux.HandleFunc("POST /projects/{id}/deploy", r.guarded("deploy", rateLimitDeploy, r.handleDeployZip))
	r.mux.HandleFunc("POST /projects/{id}/pull", r.guarded("pull", rateLimitDeploy, r.handlePull))
	r.mux.HandleFunc("POST /projects/{id}/rollback/{deploymentID}", r.guarded("rollback", rateLimitDeploy, r.handleRollback))
	r.mux.HandleFunc("GET /projects/{id}/deployments", r.guarded("history", rateLimitRead, r.handleHistory))
	r.mux.HandleFunc("GET /projects/{id}/status", r.guarded("status", rateLimitRead, r.handleStatus))
	r.mux.HandleFunc("POST /projects/{id}/start", r.guarded("start", rateLimitDeploy, r.handleStart))
	r.mux.HandleFunc("POST /projects/{id}/stop", r.guarded("stop", rateLimitDeploy, r.handleStop))
	r.mux.HandleFunc("POST /projects/{id}/restart", r.guarded("restart", rateLimitDeploy, r.handleRestart))
	r.mux.HandleFunc("DELETE /projects/{id}", r.guarded("delete", rateLimitDeploy, r.handleDelete))

	r.mux.HandleFunc("POST /webhook/{id}", r.instrument("webhook",
		r.withRateLimit(r.webhookRateLimit, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("GET /ws/events", r.requireToken(r.handleEventsWS))
}

// guarded is the standard wrapper stack for authenticated API routes.
func (r *Router) guarded(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return r.instrument(route, r.requireToken(r.withRateLimit(limit, rateWindowDefault, next)))
}

// requireToken enforces the static API token when one is configured. The
// comparison is constant time.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			next(w, req)
			return
		}
		provided := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(r.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateProject provisions a new project. For git projects the
// response carries the webhook secret in the clear; it is not retrievable
// afterwards.
func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var in project.Input
	if err := json.NewDecoder(io.LimitReader(req.Body, maxWebhookBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.provision.Create(req.Context(), in)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	payload := map[string]any{"project": projectPayload(*created.Project)}
	if created.WebhookSecret != "" {
		payload["webhook_secret"] = created.WebhookSecret
	}
	writeJSON(w, http.StatusCreated, payload)
}

// handleDeployZip accepts a multipart upload with a "code" zip archive and
// runs the pipeline synchronously; the caller gets the attempt's outcome.
func (r *Router) handleDeployZip(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := req.FormFile("code")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no code archive found")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "nodepilot-upload-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	tmp.Close()

	r.runTrigger(w, req, projectID, deploy.ZipSource(tmp.Name()))
}

func (r *Router) handlePull(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	r.runTrigger(w, req, projectID, deploy.PullSource())
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	deploymentID, ok := pathID(w, req, "deploymentID")
	if !ok {
		return
	}
	r.runTrigger(w, req, projectID, deploy.RollbackSource(deploymentID))
}

func (r *Router) runTrigger(w http.ResponseWriter, req *http.Request, projectID int64, source deploy.Source) {
	record, err := r.deploy.Trigger(req.Context(), projectID, source)
	if err != nil {
		if record != nil {
			// Pipeline ran and failed; the history row carries the detail.
			r.recordDeployOutcome(domain.DeployFailed)
			writeJSON(w, statusForError(err), map[string]any{
				"error":      err.Error(),
				"deployment": deploymentPayload(*record),
			})
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	r.recordDeployOutcome(record.Status)
	writeJSON(w, http.StatusOK, map[string]any{"deployment": deploymentPayload(*record)})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	records, err := r.deploy.History(req.Context(), projectID, limit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		payload = append(payload, deploymentPayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": payload})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	status, err := r.deploy.RuntimeStatus(req.Context(), projectID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	rollbackReady, err := r.deploy.RollbackReady(req.Context(), projectID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status.State,
		"cpu_percent":    status.CPUPercent,
		"memory_bytes":   status.MemoryBytes,
		"uptime_seconds": int64(status.Uptime.Seconds()),
		"restart_count":  status.RestartCount,
		"rollback_ready": rollbackReady,
	})
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	r.lifecycle(w, req, r.deploy.StartProject)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	r.lifecycle(w, req, r.deploy.StopProject)
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	r.lifecycle(w, req, r.deploy.RestartProject)
}

func (r *Router) lifecycle(w http.ResponseWriter, req *http.Request, op func(context.Context, int64) error) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	if err := op(req.Context(), projectID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	if err := r.deploy.DeleteProject(req.Context(), projectID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleWebhook verifies and acknowledges push notifications. Rejections are
// deliberately uninformative.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	projectID, ok := pathID(w, req, "id")
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Hub-Signature")
	}

	ack, err := r.webhook.Handle(req.Context(), projectID, payload, signature)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) || errors.Is(err, webhook.ErrNoSecret) {
			writeError(w, http.StatusUnauthorized, "rejected")
			return
		}
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// wsClient adapts a websocket connection to the hub's Subscriber interface.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) Close() {
	_ = c.conn.Close()
}

// handleEventsWS streams pipeline events for one project over a websocket.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	projectID, err := strconv.ParseInt(req.URL.Query().Get("project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		writeError(w, http.StatusBadRequest, "project_id required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	r.hub.Register(projectID, client)
	defer func() {
		r.hub.Unregister(projectID, client)
		client.Close()
	}()

	// Drain control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pathID(w http.ResponseWriter, req *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func projectPayload(p domain.Project) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"name":          p.Name,
		"display_name":  p.DisplayName,
		"deploy_method": p.DeployMethod,
		"status":        p.Status,
		"port":          p.Port,
		"created_at":    p.CreatedAt,
	}
}

func deploymentPayload(rec domain.Deployment) map[string]any {
	return map[string]any{
		"id":            rec.ID,
		"project_id":    rec.ProjectID,
		"version":       rec.Version,
		"deploy_method": rec.DeployMethod,
		"status":        rec.Status,
		"notes":         rec.Notes,
		"deployed_at":   rec.DeployedAt,
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, deploy.ErrDeploymentInProgress), errors.Is(err, project.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidName),
		errors.Is(err, project.ErrInvalidMethod),
		errors.Is(err, project.ErrMissingField):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrSourceMismatch), errors.Is(err, deploy.ErrNoRollbackSource):
		return http.StatusBadRequest
	case errors.Is(err, materialize.ErrArchiveCorrupt),
		errors.Is(err, materialize.ErrPathTraversal),
		errors.Is(err, materialize.ErrDirtyWorkingTree),
		errors.Is(err, materialize.ErrBranchNotFound),
		errors.Is(err, materialize.ErrInvalidBranch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
