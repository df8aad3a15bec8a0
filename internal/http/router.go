package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/sitegate/internal/service/access"
	"github.com/splax/sitegate/internal/service/auth"
	"github.com/splax/sitegate/internal/service/deploy"
	"github.com/splax/sitegate/internal/service/project"
	"github.com/splax/sitegate/internal/service/serve"
	"github.com/splax/sitegate/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	auth           auth.Service
	gate           access.Gate
	projects       project.Service
	deploy         deploy.Service
	resolver       serve.Resolver
	responder      serve.Responder
	hub            *ws.Hub
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	loginRule      rateRule
	apiRule        rateRule
	serveRule      rateRule
	maxUploadBytes int64
	health         func(context.Context) error
	gatherer       prometheus.Gatherer

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

// Deps groups the collaborators of a Router.
type Deps struct {
	Logger    *slog.Logger
	Auth      auth.Service
	Gate      access.Gate
	Projects  project.Service
	Deploy    deploy.Service
	Resolver  serve.Resolver
	Responder serve.Responder
	Hub       *ws.Hub
	// Limiter defaults to an in-memory limiter.
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	// MaxUploadBytes caps deployment request bodies. Zero means no cap.
	MaxUploadBytes int64
	Health         func(context.Context) error
	// Registerer and Gatherer default to the prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

const (
	rateWindowDefault  = time.Minute
	rateLimitLogin     = 12
	healthCheckTimeout = 2 * time.Second
	maxMultipartMemory = 32 << 20
	defaultListLimit   = 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      d.Auth,
		gate:      d.Gate,
		projects:  d.Projects,
		deploy:    d.Deploy,
		resolver:  d.Resolver,
		responder: d.Responder,
		hub:       d.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        d.Limiter,
		maxUploadBytes: d.MaxUploadBytes,
		health:         d.Health,
		gatherer:       d.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	window := d.RateWindow
	if window <= 0 {
		window = rateWindowDefault
	}
	r.loginRule = rateRule{name: "login", limit: rateLimitLogin, window: rateWindowDefault, key: keyByIP}
	r.apiRule = rateRule{name: "api", limit: d.RateLimit, window: window, key: keyByPrincipal}
	r.serveRule = rateRule{name: "serve", limit: d.RateLimit, window: window, key: keyByIP}
	reg := d.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(reg)
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
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("POST /auth/login", r.audit(r.throttle(r.loginRule, r.handleLogin)))

	r.mux.HandleFunc("POST /clients", r.admin(r.handleCreateClient))
	r.mux.HandleFunc("GET /clients", r.admin(r.handleListClients))
	r.mux.HandleFunc("GET /clients/{id}/projects", r.admin(r.handleListProjects))
	r.mux.HandleFunc("POST /projects", r.admin(r.handleCreateProject))
	r.mux.HandleFunc("POST /users", r.admin(r.handleCreateUser))

	r.mux.HandleFunc("POST /projects/{id}/deployments", r.admin(r.handleDeploy))
	r.mux.HandleFunc("GET /projects/{id}/deployments", r.admin(r.handleListDeployments))
	r.mux.HandleFunc("DELETE /projects/{id}/deployment", r.admin(r.handleUndeploy))
	r.mux.HandleFunc("POST /projects/{id}/type", r.admin(r.handleChangeType))
	r.mux.HandleFunc("GET /projects/{id}/access", r.admin(r.handleAccess))
	r.mux.HandleFunc("GET /deployments/{id}", r.admin(r.handleGetDeployment))
	r.mux.HandleFunc("GET /deployments/{id}/events", r.audit(r.handleDeploymentEvents))

	for _, segment := range []string{"dashboards", "dashboard", "addins"} {
		h := r.audit(r.throttle(r.serveRule, r.handleServe))
		r.mux.HandleFunc("GET /"+segment+"/{client}/{project}", h)
		r.mux.HandleFunc("GET /"+segment+"/{client}/{project}/{path...}", h)
	}
	r.mux.HandleFunc("GET /assets/{path...}", r.audit(r.throttle(r.serveRule, r.handleRefererAsset)))
}

// admin guards an API route with bearer authentication, the admin check and
// a per-principal rate limit.
func (r *Router) admin(next http.HandlerFunc) http.HandlerFunc {
	return r.audit(r.requireAdmin(r.throttle(r.apiRule, next)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

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
		r.recordRequestMetrics(req.Method, req.Pattern, status, duration)

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
		if p, ok := principalFromContext(ctx); ok {
			actor = string(p.Kind)
			fields = append(fields, "principal_id", p.ID)
			if p.ClientID != "" {
				fields = append(fields, "client_id", p.ClientID)
			}
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
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
