// Package agentsentry supervises one long-running worker task and exposes
// its health over HTTP for an external orchestrator to poll. Embedders
// inject their own Worker; the supervisor contains its failures, restarts it
// with bounded backoff, and the health surface reports the outcome.
package agentsentry

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/agentsentry/internal/config"
	"github.com/loykin/agentsentry/internal/health"
	"github.com/loykin/agentsentry/internal/history"
	"github.com/loykin/agentsentry/internal/history/factory"
	"github.com/loykin/agentsentry/internal/logger"
	"github.com/loykin/agentsentry/internal/metrics"
	"github.com/loykin/agentsentry/internal/probe"
	"github.com/loykin/agentsentry/internal/server"
	"github.com/loykin/agentsentry/internal/supervisor"
	"github.com/loykin/agentsentry/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Worker = worker.Worker

type WorkerFunc = worker.Func

type State = health.State

type Snapshot = health.Snapshot

type Status = health.Status

type AgentPhase = health.AgentPhase

type Supervisor = supervisor.Supervisor

type SupervisorOptions = supervisor.Options

type DependencyChecker = probe.DependencyChecker

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = config.Config

type LogConfig = logger.Config

type ServerDeps = server.Deps

// NewState creates the shared health record with status "starting".
func NewState() *State { return health.NewState() }

// NewSupervisor builds the supervision state machine for w.
func NewSupervisor(state *State, w Worker, opts SupervisorOptions) *Supervisor {
	return supervisor.New(state, w, opts)
}

// NewDatabaseChecker opens a PostgreSQL connectivity checker for dsn.
func NewDatabaseChecker(dsn string) (*probe.DatabaseChecker, error) {
	return probe.NewDatabaseChecker(dsn)
}

// NewRouter returns an embeddable health router; mount Handler() in any mux.
func NewRouter(deps ServerDeps, basePath string) *server.Router {
	return server.NewRouter(deps, basePath)
}

// NewHTTPServer binds addr and serves the health surface in the background.
func NewHTTPServer(addr, basePath string, deps ServerDeps) (*http.Server, error) {
	return server.NewServer(addr, basePath, deps)
}

// NewHistorySink builds a lifecycle-event sink from a DSN
// (sqlite://, postgres://, clickhouse://).
func NewHistorySink(dsn string) (HistorySink, error) {
	return factory.NewSinkFromDSN(dsn)
}

// LoadConfig resolves configuration from an optional TOML file plus env vars.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// SetupLogger installs the default slog logger per cfg.
func SetupLogger(cfg LogConfig) { logger.Setup(cfg) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. The health router already serves /metrics; this is for
// embedders who want it on a separate listener.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return srv.ListenAndServe()
}

// EnvironmentStatus runs the environment probe against the OS environment.
func EnvironmentStatus(required []string) string {
	if len(required) == 0 {
		required = probe.DefaultRequiredKeys
	}
	return probe.Environment(os.Getenv, required)
}

// Shutdown stops the supervisor's worker, bounded by ctx.
func Shutdown(ctx context.Context, s *Supervisor) error { return s.Shutdown(ctx) }
