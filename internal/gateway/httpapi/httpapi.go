// Package httpapi implements the HTTP API for operators and producers.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - All requests logged with correlation IDs
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

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/events"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/observability"
	"github.com/jkaninda/gatekeeper/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key -> actor recorded on decisions.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Approvals is the producer and decision API.
type Approvals interface {
	Submit(ctx context.Context, in approval.SubmitInput) (*approval.Request, error)
	Decide(ctx context.Context, id string, approve bool, actor, reason string) (*approval.Request, error)
	Get(ctx context.Context, id string) (*approval.Request, error)
	List(ctx context.Context, status approval.Status) ([]*approval.Request, error)
}

// AuditReader reads recent audit entries.
type AuditReader interface {
	RecentEntries(n int) ([]audit.Entry, error)
}

// EndpointHealth reports endpoint status.
type EndpointHealth interface {
	Snapshot() []health.EndpointStatus
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	approvals Approvals
	audit     AuditReader
	health    EndpointHealth
	events    EventSource
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event stream).
	extraRoutes []extraRoute
	okapi       *okapi.Okapi
	group       *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, am Approvals, ar AuditReader, eh EndpointHealth, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		approvals: am,
		audit:     ar,
		health:    eh,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithEvents enables the server-sent event stream.
func (g *Gateway) WithEvents(src EventSource) *Gateway {
	g.events = src
	return g
}

// WithOpenAPIDocs serves generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Gatekeeper",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// routes registers every endpoint. Called once by Start.
func (g *Gateway) routes() {
	mws := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append([]okapi.Middleware{observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)}, mws...)
	}
	g.group = g.okapi.Group("/v1", mws...)

	g.group.Get("/approvals", g.handleList,
		okapi.DocSummary("List approval requests in one state"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]approval.Request{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/approvals", g.handleSubmit,
		okapi.DocSummary("Submit a new approval request"),
		okapi.DocTags("Approvals"),
		okapi.DocRequestBody(approval.SubmitInput{}),
		okapi.DocResponse(http.StatusCreated, approval.Request{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/approvals/{id}", g.handleGet,
		okapi.DocSummary("Get an approval request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(approval.Request{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(approval.Request{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/reject", g.handleReject,
		okapi.DocSummary("Reject a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(approval.Request{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/audit", g.handleAudit,
		okapi.DocSummary("Most recent audit entries, newest first"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]audit.Entry{}),
	)
	g.group.Get("/endpoints", g.handleEndpoints,
		okapi.DocSummary("Tool endpoint health"),
		okapi.DocTags("Health"),
		okapi.DocResponse([]health.EndpointStatus{}),
	)
	if g.events != nil {
		g.group.Get("/events/sse", g.handleEventStream,
			okapi.DocSummary("Stream lifecycle events as server-sent events"),
			okapi.DocTags("Events"),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

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
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()
	if len(g.config.APIKeys) == 0 {
		g.logger.Warn("http api has no api key configured; /v1 rejects every request")
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// DecisionRequest is the JSON body for POST /v1/approvals/{id}/reject.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleList(c *okapi.Context) error {
	status := approval.StatusPending
	if s := c.Request().URL.Query().Get("status"); s != "" {
		parsed, err := approval.ParseStatus(s)
		if err != nil {
			return c.AbortBadRequest("unknown status")
		}
		status = parsed
	}
	reqs, err := g.approvals.List(c.Context(), status)
	if err != nil {
		return g.approvalError(c, err)
	}
	out := make([]*approval.Request, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Redacted())
	}
	return c.OK(out)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	req, err := g.approvals.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.approvalError(c, err)
	}
	return c.OK(req.Redacted())
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	actor := c.GetString("actor")
	if g.limiter != nil {
		if err := g.limiter.Allow(actor); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var in approval.SubmitInput
	if err := c.Bind(&in); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if in.Source == "" {
		in.Source = "http:" + actor
	}

	correlationID := newCorrelationID()
	req, err := g.approvals.Submit(c.Context(), in)
	if err != nil {
		g.logger.Warn("http submit refused",
			slog.String("correlation_id", correlationID),
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		return g.approvalError(c, err)
	}
	g.logger.Info("http submit",
		slog.String("correlation_id", correlationID),
		slog.String("actor", actor),
		slog.String("approval_id", req.ID),
	)
	return c.JSON(http.StatusCreated, req.Redacted())
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.decide(c, true, "")
}

func (g *Gateway) handleReject(c *okapi.Context) error {
	var body DecisionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}
	return g.decide(c, false, body.Reason)
}

func (g *Gateway) decide(c *okapi.Context, approve bool, reason string) error {
	actor := c.GetString("actor")
	if g.limiter != nil {
		if err := g.limiter.Allow(actor); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	id := c.Param("id")
	g.logger.Info("http decision",
		slog.String("actor", actor),
		slog.String("approval_id", id),
		slog.Bool("approve", approve),
	)
	req, err := g.approvals.Decide(c.Context(), id, approve, actor, reason)
	if err != nil {
		return g.approvalError(c, err)
	}
	return c.OK(req.Redacted())
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	if g.audit == nil {
		return c.AbortServiceUnavailable("audit log not configured")
	}
	limit := 50
	if s := c.Request().URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			return c.AbortBadRequest("limit must be between 1 and 1000")
		}
		limit = n
	}
	entries, err := g.audit.RecentEntries(limit)
	if err != nil {
		g.logger.Error("reading audit log", slog.String("error", err.Error()))
		return c.AbortInternalServerError("reading audit log failed")
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.OK(entries)
}

func (g *Gateway) handleEndpoints(c *okapi.Context) error {
	if g.health == nil {
		return c.OK([]health.EndpointStatus{})
	}
	return c.OK(g.health.Snapshot())
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped actor.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		actor := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				actor = name
			}
		}
		if actor == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("actor", actor)
		return next(c)
	}
}

// --- Helpers ---

// statusFor maps approval and taxonomy errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAuditWriteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) approvalError(c *okapi.Context, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("approval request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("approval error")
	}
	return c.JSON(code, ErrorBody{Error: err.Error()})
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
