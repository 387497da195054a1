package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/agentsentry/internal/health"
	"github.com/loykin/agentsentry/internal/metrics"
	"github.com/loykin/agentsentry/internal/probe"
	"github.com/loykin/agentsentry/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the health surface.
// Endpoints:
//   GET {basePath}/         service identity, overall status, uptime, endpoint list
//   GET {basePath}/health   runs probes, triggers staleness auto-restart, returns state
//   GET {basePath}/status   returns the current state verbatim, no side effects
//   GET {basePath}/restart  triggers a manual worker restart
//   GET {basePath}/metrics  Prometheus metrics
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	deps     Deps
	basePath string
}

// Deps are the collaborators the handlers read and trigger. Getenv defaults
// to os.Getenv, RequiredEnv to probe.DefaultRequiredKeys.
type Deps struct {
	ServiceName string
	State       *health.State
	Supervisor  *supervisor.Supervisor
	Checker     probe.DependencyChecker
	RequiredEnv []string
	Getenv      func(string) string
	DepTimeout  time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if len(deps.RequiredEnv) == 0 {
		deps.RequiredEnv = probe.DefaultRequiredKeys
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "agentsentry"
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/", r.handleRoot)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/restart", r.handleRestart)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves this router in a background goroutine.
// A bind failure is returned immediately so the caller can exit non-zero.
func NewServer(addr, basePath string, deps Deps) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Uptime int64  `json:"uptime,omitempty"`
}

type restartResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type rootResp struct {
	Service   string   `json:"service"`
	Status    string   `json:"status"`
	Uptime    int64    `json:"uptime"`
	Endpoints []string `json:"endpoints"`
}

func (r *Router) handleRoot(c *gin.Context) {
	snap := r.deps.State.Snapshot()
	writeJSON(c, http.StatusOK, rootResp{
		Service:   r.deps.ServiceName,
		Status:    snap.Status.String(),
		Uptime:    int64(r.deps.State.Uptime().Seconds()),
		Endpoints: []string{"/health", "/status", "/restart", "/metrics"},
	})
}

// handleHealth evaluates both probes, gives the supervisor a chance to heal a
// stale worker, updates the shared record, and maps the probe outcome to the
// response code. Agent errors alone never force 503: the service keeps
// reporting 200 while it is still trying to recover the worker.
func (r *Router) handleHealth(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			writeJSON(c, http.StatusServiceUnavailable, errorResp{
				Status: health.StatusError.String(),
				Error:  fmt.Sprint(rec),
				Uptime: int64(r.deps.State.Uptime().Seconds()),
			})
		}
	}()

	dbStatus := probe.Dependency(c.Request.Context(), r.deps.Checker, r.deps.DepTimeout)
	metrics.IncProbeCheck("database", dbStatus)

	envStatus := probe.Environment(r.deps.Getenv, r.deps.RequiredEnv)
	if envStatus == probe.StatusHealthy {
		metrics.IncProbeCheck("environment", probe.StatusHealthy)
	} else {
		metrics.IncProbeCheck("environment", probe.StatusUnhealthy)
	}

	r.deps.Supervisor.MaybeAutoRestart()

	r.deps.State.SetProbeResults(dbStatus, envStatus, time.Now())

	probesHealthy := dbStatus == probe.StatusHealthy && envStatus == probe.StatusHealthy
	if probesHealthy && !r.deps.Supervisor.Exhausted() {
		r.deps.State.SetStatus(health.StatusHealthy)
	} else {
		r.deps.State.SetStatus(health.StatusUnhealthy)
	}

	code := http.StatusOK
	if !probesHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, r.deps.State.Snapshot())
}

// handleStatus returns the state verbatim: no probes, no mutation, so
// repeated calls with no other activity return identical bodies.
func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.State.Snapshot())
}

func (r *Router) handleRestart(c *gin.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{
				Status: health.StatusError.String(),
				Error:  fmt.Sprint(rec),
			})
		}
	}()

	r.deps.Supervisor.ManualRestart()
	writeJSON(c, http.StatusOK, restartResp{
		Status:  "success",
		Message: "agent restart initiated",
	})
}
