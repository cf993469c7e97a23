package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/service/auth"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/logs"
	"github.com/splax/launchpad/internal/service/project"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	projects project.Service
	builds   *build.Service
	relay    *logs.Relay
	upgrader websocket.Upgrader
	limiter  RateLimiter
	health   map[string]func(context.Context) error
	stream   StreamOptions

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

// StreamOptions tunes the live log transports.
type StreamOptions struct {
	SendBuffer   int
	SSEHeartbeat time.Duration
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitBuild      = 20
	rateLimitUserRead   = 120
	rateLimitRealtime   = 30
	healthCheckTimeout  = 2 * time.Second
	maxRequestBodyBytes = 1 << 20
)

// NewRouter assembles routes with dependencies. health maps component names
// to probes reported by /healthz.
func NewRouter(logger *slog.Logger, authSvc auth.Service, projectSvc project.Service, buildSvc *build.Service, relay *logs.Relay, limiter RateLimiter, stream StreamOptions, health map[string]func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		projects: projectSvc,
		builds:   buildSvc,
		relay:    relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		health:  health,
		stream:  stream,
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
	r.mux.HandleFunc("GET /healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /build-project", r.audit("/build-project", r.handlerAuthRate("/build-project", rateLimitBuild, rateWindowDefault, r.handleBuildProject)))
	r.mux.HandleFunc("GET /projects", r.audit("/projects", r.handlerAuthRate("/projects", rateLimitUserRead, rateWindowDefault, r.handleListProjects)))
	r.mux.HandleFunc("GET /projects/{slug}", r.audit("/projects/{slug}", r.handlerAuthRate("/projects/{slug}", rateLimitUserRead, rateWindowDefault, r.handleGetProject)))
	r.mux.HandleFunc("GET /projects/{slug}/builds", r.audit("/projects/{slug}/builds", r.handlerAuthRate("/projects/{slug}/builds", rateLimitUserRead, rateWindowDefault, r.handleListBuilds)))
	r.mux.HandleFunc("GET /builds/{id}", r.audit("/builds/{id}", r.handlerAuthRate("/builds/{id}", rateLimitUserRead, rateWindowDefault, r.handleGetBuild)))
	r.mux.HandleFunc("GET /api/check-slug", r.audit("/api/check-slug", r.handlerAuthRate("/api/check-slug", rateLimitUserRead, rateWindowDefault, r.handleCheckSlug)))

	r.mux.HandleFunc("GET /ws", r.audit("/ws", r.handlerStreamAuthRate("/ws", r.handleLogsWS)))
	r.mux.HandleFunc("GET /logs/{slug}/stream", r.audit("/logs/{slug}/stream", r.handlerStreamAuthRate("/logs/{slug}/stream", r.handleLogsSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	for name, probe := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := probe(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	if r.relay != nil && !r.relay.BrokerUp() {
		status = "degraded"
		components["relay"] = map[string]any{"status": "starved"}
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
		r.recordRequestMetrics(req.Method, route, status, duration)

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

// Hijack lets the websocket upgrader take over the connection. The status
// is recorded as 101 since nothing else will be written through us.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
