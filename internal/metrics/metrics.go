package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentsentry",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker runner starts (initial and restarts).",
		},
	)
	workerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentsentry",
			Subsystem: "worker",
			Name:      "failures_total",
			Help:      "Number of worker failures caught by the supervisor.",
		},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentsentry",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of worker restarts by trigger (backoff, stale, manual).",
		}, []string{"trigger"},
	)
	retryExhausted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentsentry",
			Subsystem: "worker",
			Name:      "retry_exhausted",
			Help:      "1 when the retry budget is exhausted and manual restart is required.",
		},
	)
	probeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentsentry",
			Subsystem: "probe",
			Name:      "checks_total",
			Help:      "Number of probe evaluations by probe name and result.",
		}, []string{"probe", "status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerFailures, workerRestarts, retryExhausted, probeChecks}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncWorkerStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncWorkerFailure() {
	if regOK.Load() {
		workerFailures.Inc()
	}
}

func IncWorkerRestart(trigger string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(trigger).Inc()
	}
}

func SetRetryExhausted(exhausted bool) {
	if regOK.Load() {
		if exhausted {
			retryExhausted.Set(1)
		} else {
			retryExhausted.Set(0)
		}
	}
}

func IncProbeCheck(probe, status string) {
	if regOK.Load() {
		probeChecks.WithLabelValues(probe, status).Inc()
	}
}
