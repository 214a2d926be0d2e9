package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/project"
	"github.com/splax/runway/api/internal/service/provision"
	"github.com/splax/runway/api/internal/service/rollback"
	"github.com/splax/runway/api/internal/ws"
	jwtpkg "github.com/splax/runway/pkg/jwt"
)

// Authenticator covers accounts, tokens and provider linkages.
type Authenticator interface {
	Signup(ctx context.Context, email, password string) (*domain.User, auth.TokenPair, error)
	Login(ctx context.Context, email, password string) (*domain.User, auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error)
	LinkAccount(ctx context.Context, userID, provider, accountName, accessToken string) (*domain.Linkage, error)
	UnlinkAccount(ctx context.Context, userID, provider string) error
	Linkages(ctx context.Context, userID string) ([]domain.Linkage, error)
}

// Provisioner runs provisioning sagas.
type Provisioner interface {
	Provision(ctx context.Context, userID string, req domain.ProvisioningRequest) (provision.Result, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]domain.ProvisionRun, error)
}

// RollbackRunner lists revisions and rolls services back.
type RollbackRunner interface {
	Rollback(ctx context.Context, userID, projectID string, req rollback.Request) (domain.RollbackResult, error)
	Revisions(ctx context.Context, userID, projectID string) ([]domain.Revision, error)
}

// ProjectStore reads the caller's ledger records.
type ProjectStore interface {
	List(ctx context.Context, userID string) ([]domain.ProjectRecord, error)
	Get(ctx context.Context, userID, projectID string) (*domain.ProjectRecord, error)
	Delete(ctx context.Context, userID, projectID string) error
	Verify(ctx context.Context, userID, projectID string) (project.Verification, error)
	Deployments(ctx context.Context, userID, projectID string, runID int64) (domain.DeploymentStatus, error)
}

// CloudInspector reports on the caller's Google linkage.
type CloudInspector interface {
	CloudProjects(ctx context.Context, userID string) ([]domain.CloudProject, error)
	CheckCloudConnection(ctx context.Context, userID string) (domain.CloudConnection, error)
}

// Dependencies wires a Router.
type Dependencies struct {
	Logger    *slog.Logger
	Auth      Authenticator
	Provision Provisioner
	Rollback  RollbackRunner
	Projects  ProjectStore
	Cloud     CloudInspector
	Hub       *ws.Hub
	Limiter   RateLimiter
	Metrics   *Metrics
	DBHealth  func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      Authenticator
	provision Provisioner
	rollback  RollbackRunner
	projects  ProjectStore
	cloud     CloudInspector
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	metrics   *Metrics
	dbHealth  func(context.Context) error
	heartbeat time.Duration
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitProvision = 10
	rateLimitRollback  = 10
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	defaultRunLimit    = 20
	maxRunLimit        = 100
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    deps.Logger,
		auth:      deps.Auth,
		provision: deps.Provision,
		rollback:  deps.Rollback,
		projects:  deps.Projects,
		cloud:     deps.Cloud,
		hub:       deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		dbHealth:  deps.DBHealth,
		heartbeat: 15 * time.Second,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
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
	r.handle("GET /healthz", "healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", r.metrics.Handler())

	r.handle("POST /auth/signup", "signup", r.withRateLimit("signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup))
	r.handle("POST /auth/login", "login", r.withRateLimit("login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin))
	r.handle("POST /auth/refresh", "refresh", r.withRateLimit("refresh", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleRefresh))

	r.handle("GET /me", "me", r.handlerAuthRate("me", rateLimitUserRead, rateWindowDefault, r.handleMe))
	r.handle("PUT /me/linkages/{provider}", "linkages", r.handlerAuthRate("linkages", rateLimitUserWrite, rateWindowDefault, r.handleLink))
	r.handle("DELETE /me/linkages/{provider}", "linkages", r.handlerAuthRate("linkages", rateLimitUserWrite, rateWindowDefault, r.handleUnlink))

	r.handle("POST /provision", "provision", r.handlerAuthRate("provision", rateLimitProvision, rateWindowDefault, r.handleProvision))
	r.handle("GET /provision/runs", "provision_runs", r.handlerAuthRate("provision_runs", rateLimitUserRead, rateWindowDefault, r.handleRuns))
	r.handle("GET /provision/stream", "provision_stream", r.handlerAuthRate("provision_stream", rateLimitStream, rateWindowRealtime, r.handleProvisionSSE))
	r.handle("GET /ws/provision", "provision_ws", r.handlerAuthRate("provision_ws", rateLimitStream, rateWindowRealtime, r.handleProvisionWS))

	r.handle("POST /rollback/{projectId}", "rollback", r.handlerAuthRate("rollback", rateLimitRollback, rateWindowDefault, r.handleRollback))
	r.handle("GET /revisions/{projectId}", "revisions", r.handlerAuthRate("revisions", rateLimitUserRead, rateWindowDefault, r.handleRevisions))

	r.handle("GET /projects", "projects", r.handlerAuthRate("projects", rateLimitUserRead, rateWindowDefault, r.handleProjects))
	r.handle("GET /projects/{projectId}", "project", r.handlerAuthRate("project", rateLimitUserRead, rateWindowDefault, r.handleProject))
	r.handle("DELETE /projects/{projectId}", "project", r.handlerAuthRate("project", rateLimitUserWrite, rateWindowDefault, r.handleDeleteProject))
	r.handle("POST /projects/{projectId}/verify", "project_verify", r.handlerAuthRate("project_verify", rateLimitUserWrite, rateWindowDefault, r.handleVerify))
	r.handle("GET /projects/{projectId}/deployments", "project_deployments", r.handlerAuthRate("project_deployments", rateLimitUserRead, rateWindowDefault, r.handleDeployments))

	r.handle("GET /cloud/connection", "cloud_connection", r.handlerAuthRate("cloud_connection", rateLimitUserRead, rateWindowDefault, r.handleCloudConnection))
	r.handle("GET /cloud/projects", "cloud_projects", r.handlerAuthRate("cloud_projects", rateLimitUserRead, rateWindowDefault, r.handleCloudProjects))
}

func (r *Router) handle(pattern, route string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(route, h))
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	var payload credentialsPayload
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		status := http.StatusBadRequest
		if statusFor(err) == http.StatusConflict {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":   user,
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload credentialsPayload
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   user,
		"tokens": tokens,
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	linkages, err := r.auth.Linkages(req.Context(), info.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if linkages == nil {
		linkages = []domain.Linkage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":     map[string]string{"id": info.UserID, "email": info.Email},
		"linkages": linkages,
	})
}

func (r *Router) handleLink(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		AccountName string `json:"account_name"`
		AccessToken string `json:"access_token"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	linkage, err := r.auth.LinkAccount(req.Context(), info.UserID, req.PathValue("provider"), payload.AccountName, payload.AccessToken)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, linkage)
}

func (r *Router) handleUnlink(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if err := r.auth.UnlinkAccount(req.Context(), info.UserID, req.PathValue("provider")); err != nil {
		status := statusFor(err)
		if errors.Is(err, auth.ErrLinkageMissing) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	var payload domain.ProvisioningRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.provision.Provision(req.Context(), info.UserID, payload)
	if err != nil {
		var sagaErr *provision.SagaError
		steps := result.Steps
		if errors.As(err, &sagaErr) && steps == nil {
			steps = sagaErr.Steps
		}
		writeSagaError(w, statusFor(err), result.RunID, err, steps)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	runs, err := r.provision.ListRuns(req.Context(), info.UserID, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if runs == nil {
		runs = []domain.ProvisionRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if req.ContentLength != 0 && !decodeJSON(w, req, &payload) {
		return
	}
	result, err := r.rollback.Rollback(req.Context(), info.UserID, req.PathValue("projectId"), rollback.Request{
		Actor:  info.Email,
		Reason: payload.Reason,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleRevisions(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	revisions, err := r.rollback.Revisions(req.Context(), info.UserID, req.PathValue("projectId"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if revisions == nil {
		revisions = []domain.Revision{}
	}
	writeJSON(w, http.StatusOK, revisions)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	records, err := r.projects.List(req.Context(), info.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if records == nil {
		records = []domain.ProjectRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	record, err := r.projects.Get(req.Context(), info.UserID, req.PathValue("projectId"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleDeleteProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if err := r.projects.Delete(req.Context(), info.UserID, req.PathValue("projectId")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleVerify(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	verification, err := r.projects.Verify(req.Context(), info.UserID, req.PathValue("projectId"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	var runID int64
	if raw := strings.TrimSpace(req.URL.Query().Get("run_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "run_id must be a positive integer")
			return
		}
		runID = id
	}
	status, err := r.projects.Deployments(req.Context(), info.UserID, req.PathValue("projectId"), runID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleCloudConnection(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if r.cloud == nil {
		writeError(w, http.StatusServiceUnavailable, "cloud inspection unavailable")
		return
	}
	conn, err := r.cloud.CheckCloudConnection(req.Context(), info.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (r *Router) handleCloudProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if r.cloud == nil {
		writeError(w, http.StatusServiceUnavailable, "cloud inspection unavailable")
		return
	}
	projects, err := r.cloud.CloudProjects(req.Context(), info.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (r *Router) handleProvisionWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	topic := ws.Topic(info.UserID, strings.TrimSpace(req.URL.Query().Get("repository")))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (r *Router) handleProvisionSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := ws.Topic(info.UserID, strings.TrimSpace(req.URL.Query().Get("repository")))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)
	defer client.Close()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
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

func (r *Router) authInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
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
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
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
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

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
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
