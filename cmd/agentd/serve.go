package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"github.com/prometheus/client_golang/prometheus"
)

func runServe(flags *ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Port > 0 {
		cfg.Port = flags.Port
	}

	logger.Setup(cfg.Log)
	slog.Info("starting agentd", "version", version, "port", cfg.Port)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("failed to register metrics", "error", err)
	}

	state := health.NewState()

	// Validate environment up front. A failure does not exit: the health
	// server still runs so the orchestrator can see what is missing.
	envStatus := probe.Environment(os.Getenv, cfg.RequiredEnv)
	envOK := envStatus == probe.StatusHealthy
	if !envOK {
		slog.Error("environment check failed", "status", envStatus)
		state.SetStatus(health.StatusUnhealthy)
		state.SetProbeResults("unknown", envStatus, time.Now())
	}

	var checker probe.DependencyChecker
	if cfg.DatabaseURL != "" {
		dbc, err := probe.NewDatabaseChecker(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database checker", "error", err)
		} else {
			defer func() { _ = dbc.Close() }()
			checker = dbc
		}
	}

	var sinks []history.Sink
	if cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			slog.Warn("failed to open history sink", "dsn", cfg.HistoryDSN, "error", err)
		} else {
			defer func() { _ = sink.Close() }()
			sinks = append(sinks, sink)
		}
	}

	sup := supervisor.New(state, agentWorker(), supervisor.Options{
		MaxRetries:         cfg.Supervisor.MaxRetries,
		RetryDelay:         cfg.Supervisor.RetryDelay,
		BackoffFactor:      cfg.Supervisor.BackoffFactor,
		MaxRetryDelay:      cfg.Supervisor.MaxRetryDelay,
		StalenessThreshold: cfg.Supervisor.StalenessThreshold,
		StopWait:           cfg.Supervisor.StopWait,
		JoinWait:           cfg.Supervisor.JoinWait,
		Sinks:              sinks,
	})

	if envOK && !flags.NoAgent {
		sup.Start()
		slog.Info("agent worker started")
	}

	srv, err := server.NewServer(cfg.ListenAddr(), cfg.BasePath, server.Deps{
		ServiceName: cfg.ServiceName,
		State:       state,
		Supervisor:  sup,
		Checker:     checker,
		RequiredEnv: cfg.RequiredEnv,
		DepTimeout:  cfg.Supervisor.DependencyTimeout,
	})
	if err != nil {
		// Bind failure is fatal: without the health surface the orchestrator
		// cannot observe anything, so exit non-zero.
		return fmt.Errorf("failed to bind health server on %s: %w", cfg.ListenAddr(), err)
	}
	slog.Info("health server listening", "addr", cfg.ListenAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		slog.Warn("worker did not stop before deadline", "error", err)
	}
	return srv.Shutdown(ctx)
}

// agentWorker is the built-in placeholder worker: it idles until canceled.
// Deployments embed the module and inject the real agent through the facade;
// the standalone binary only proves out supervision and the health surface.
func agentWorker() worker.Worker {
	return worker.Func(func(ctx context.Context) error {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				slog.Debug("agent worker heartbeat")
			}
		}
	})
}
