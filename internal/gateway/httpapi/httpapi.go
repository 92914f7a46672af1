// Package httpapi implements the HTTP API gateway for opsgate.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/gateway"
	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string   // e.g., ":8090"
	EnableDocs     bool     // Serve OpenAPI docs.
	APIKeys        []string // Bearer tokens. Empty = no auth.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	orch      *agent.Orchestrator
	approvals *approval.Manager  // nil = approval endpoints report an empty queue.
	alerts    *alerting.AlertSet // nil = monitoring disabled.
	limiter   *ratelimit.Limiter // nil = unlimited.
	logger    *slog.Logger
	server    *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event hub).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway over the orchestrator.
func NewGateway(cfg Config, orch *agent.Orchestrator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		orch:    orch,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithApprovals exposes the approval queue.
func (g *Gateway) WithApprovals(m *approval.Manager) *Gateway {
	g.approvals = m
	return g
}

// WithAlerts exposes the monitor's active alerts.
func (g *Gateway) WithAlerts(a *alerting.AlertSet) *Gateway {
	g.alerts = a
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "opsgate",
			Version: version,
		},
	)
	return g
}

// routes registers every endpoint. Called once by Start.
func (g *Gateway) routes() {
	middlewares := []okapi.Middleware{}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	middlewares = append(middlewares, g.authenticate)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/operations", g.handleOperation,
		okapi.DocSummary("Run a natural-language operation"),
		okapi.DocTags("Operations"),
		okapi.DocRequestBody(OperationRequest{}),
		okapi.DocResponse(OperationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/batch", g.handleBatch,
		okapi.DocSummary("Run several operations concurrently"),
		okapi.DocTags("Operations"),
		okapi.DocRequestBody(BatchRequest{}),
		okapi.DocResponse(BatchResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/history", g.handleHistory,
		okapi.DocSummary("List recent operations, newest first"),
		okapi.DocTags("History"),
		okapi.DocResponse([]HistoryItem{}),
	)
	g.group.Post("/rollback", g.handleRollback,
		okapi.DocSummary("Roll back the newest operations"),
		okapi.DocTags("History"),
		okapi.DocRequestBody(RollbackRequest{}),
		okapi.DocResponse(RollbackResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List queued approvals"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]approval.PendingApproval{}),
	)
	g.group.Post("/approvals/{id}", g.handleApprovalDecision,
		okapi.DocSummary("Approve or deny a queued call"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(ApprovalDecisionRequest{}),
		okapi.DocResponse(approval.PendingApproval{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/alerts", g.handleAlerts,
		okapi.DocSummary("List active alerts"),
		okapi.DocTags("Monitoring"),
		okapi.DocResponse([]alerting.ActiveAlert{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List the tools the provider exposes"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/status", g.handleStatus,
		okapi.DocSummary("Pipeline status"),
		okapi.DocTags("Operations"),
		okapi.DocResponse(agent.Status{}),
	)

	// Extra handlers (e.g., WebSocket event hub). They authenticate themselves.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Operations may wait on a queued approval.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the client ID.
// With no keys configured, the client ID is the remote host.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", remoteHost(c.Request()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for i, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = fmt.Sprintf("key-%d", i)
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// allow applies the rate limit to the authenticated client.
func (g *Gateway) allow(c *okapi.Context) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow(c.GetString("clientID")) == nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
