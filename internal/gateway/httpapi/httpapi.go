// Package httpapi implements the HTTP API gateway for Kazi.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Strict request validation before any sandbox work starts
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// TaskExecutor runs a pending task end to end. Implemented by
// orchestrator.Executor.
type TaskExecutor interface {
	Execute(ctx context.Context, taskID uuid.UUID, owner string) (*domain.Task, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → owner mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.

	// ReadyCheck reports whether downstream dependencies (storage,
	// sandbox backend) are reachable. Nil = always ready.
	ReadyCheck func(ctx context.Context) error
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	store   orchestrator.TaskStore
	exec    TaskExecutor
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Streaming support.
	sseEnabled bool // Enable the SSE task event endpoint.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, store orchestrator.TaskStore, exec TaskExecutor, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		store:  store,
		exec:   exec,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithSSE enables the SSE task event endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithRateLimiter bounds task submission per owner. Nil = unlimited.
func (g *Gateway) WithRateLimiter(l *ratelimit.Limiter) *Gateway {
	g.limiter = l
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Task endpoints.
	g.group.Post("/tasks", g.handleTaskCreate,
		okapi.DocSummary("Submit a code-change task for sandboxed execution"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(TaskCreateRequest{}),
		okapi.DocResponse(http.StatusAccepted, TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tasks", g.handleTaskList,
		okapi.DocSummary("List your tasks, newest first"),
		okapi.DocTags("Tasks"),
		okapi.DocResponse(TaskListResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/tasks/{id}", g.handleTaskGet,
		okapi.DocSummary("Fetch one task with its extracted result"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tasks/{id}/messages", g.handleTaskMessages,
		okapi.DocSummary("List the task's conversation log"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(MessageListResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// SSE event stream.
	if g.sseEnabled {
		g.group.Get("/tasks/{id}/events", g.handleTaskEvents,
			okapi.DocSummary("Stream task status transitions via SSE"),
			okapi.DocTags("Tasks"),
			okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		)
	}

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// TaskCreateRequest is the JSON body for POST /v1/tasks.
type TaskCreateRequest struct {
	RepoURL         string `json:"repo_url"`
	TargetBranch    string `json:"target_branch"`
	AgentClass      string `json:"agent_class,omitempty"` // Empty = "claude".
	Prompt          string `json:"prompt"`
	OpenPullRequest bool   `json:"open_pull_request,omitempty"`
}

// TaskResponse is the JSON representation of a task.
type TaskResponse struct {
	ID             string               `json:"id"`
	Status         string               `json:"status"`
	RepoURL        string               `json:"repo_url"`
	TargetBranch   string               `json:"target_branch"`
	AgentClass     string               `json:"agent_class"`
	Prompt         string               `json:"prompt"`
	CommitHash     string               `json:"commit_hash,omitempty"`
	DiffText       string               `json:"diff_text,omitempty"`
	PatchText      string               `json:"patch_text,omitempty"`
	ChangedFiles   []domain.ChangedFile `json:"changed_files,omitempty"`
	Error          string               `json:"error,omitempty"`
	PullRequestURL string               `json:"pull_request_url,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

// TaskListResponse is the JSON response for GET /v1/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

func taskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID.String(),
		Status:         string(t.Status),
		RepoURL:        t.RepoURL,
		TargetBranch:   t.TargetBranch,
		AgentClass:     string(t.AgentClass),
		Prompt:         t.Prompt,
		CommitHash:     t.CommitHash,
		DiffText:       t.DiffText,
		PatchText:      t.PatchText,
		ChangedFiles:   t.ChangedFiles,
		Error:          t.Error,
		PullRequestURL: t.PullRequestURL,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func (g *Gateway) handleTaskCreate(c *okapi.Context) error {
	owner := c.GetString("owner")
	if owner == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(owner); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req TaskCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	class := domain.AgentClass(req.AgentClass)
	if req.AgentClass == "" {
		class = domain.AgentClaude
	}

	task := &domain.Task{
		ID:              uuid.New(),
		Owner:           owner,
		RepoURL:         req.RepoURL,
		TargetBranch:    req.TargetBranch,
		AgentClass:      class,
		Prompt:          req.Prompt,
		Status:          domain.TaskPending,
		OpenPullRequest: req.OpenPullRequest,
		CreatedAt:       time.Now().UTC(),
	}
	if err := task.Validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	correlationID := newCorrelationID()

	if err := g.store.CreateTask(c.Context(), task); err != nil {
		g.logger.Error("task creation failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("task creation failed")
	}
	if err := g.store.AppendChatMessage(c.Context(), &domain.ChatMessage{
		ID:        uuid.New(),
		TaskID:    task.ID,
		Owner:     owner,
		Role:      domain.ChatRoleUser,
		Content:   task.Prompt,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		g.logger.Error("chat append failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	g.logger.Info("task accepted",
		slog.String("task_id", task.ID.String()),
		slog.String("owner", owner),
		slog.String("agent_class", string(class)),
		slog.String("correlation_id", correlationID),
	)

	// The run outlives the request. The executor persists every
	// transition, so the client polls or streams for the outcome.
	go func() {
		if _, err := g.exec.Execute(context.WithoutCancel(c.Context()), task.ID, owner); err != nil {
			g.logger.Error("task execution failed",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return c.JSON(http.StatusAccepted, taskResponse(task))
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	owner := c.GetString("owner")
	if owner == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	tasks, err := g.store.ListTasks(c.Context(), owner, limit)
	if err != nil {
		g.logger.Error("task listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("task listing failed")
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, len(tasks))}
	for i := range tasks {
		resp.Tasks[i] = taskResponse(&tasks[i])
	}
	return c.OK(resp)
}

// ownedTask loads a task scoped to the caller. The store treats a foreign
// task exactly like an unknown id, so ids are not probeable.
func (g *Gateway) ownedTask(c *okapi.Context, owner string) (*domain.Task, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.AbortBadRequest("invalid task ID")
	}

	task, err := g.store.GetTask(c.Context(), id, owner)
	if errors.Is(err, orchestrator.ErrTaskNotFound) {
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "task not found"})
	}
	if err != nil {
		g.logger.Error("task lookup failed",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()),
		)
		return nil, c.AbortInternalServerError("task lookup failed")
	}
	return task, nil
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	owner := c.GetString("owner")
	if owner == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	task, err := g.ownedTask(c, owner)
	if task == nil {
		return err
	}
	return c.OK(taskResponse(task))
}

// MessageResponse is one conversation log entry.
type MessageResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageListResponse is the JSON response for GET /v1/tasks/{id}/messages.
type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
}

func (g *Gateway) handleTaskMessages(c *okapi.Context) error {
	owner := c.GetString("owner")
	if owner == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	task, err := g.ownedTask(c, owner)
	if task == nil {
		return err
	}

	msgs, err := g.store.ListChatMessages(c.Context(), task.ID)
	if err != nil {
		g.logger.Error("message listing failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("message listing failed")
	}

	resp := MessageListResponse{Messages: make([]MessageResponse, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = MessageResponse{
			ID:        m.ID.String(),
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks downstream dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.ReadyCheck == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	if err := g.config.ReadyCheck(c.Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{Status: "unavailable"})
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Authentication ---

// authenticate validates the API key and resolves the owning account.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		owner := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				owner = name
			}
		}
		if owner == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("owner", owner)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
