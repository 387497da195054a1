package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/agentsentry/internal/health"
	"github.com/loykin/agentsentry/internal/history"
	"github.com/loykin/agentsentry/internal/metrics"
	"github.com/loykin/agentsentry/internal/worker"
)

// Default retry/backoff policy.
const (
	DefaultMaxRetries         = 5
	DefaultRetryDelay         = 30 * time.Second
	DefaultBackoffFactor      = 1.5
	DefaultMaxRetryDelay      = 300 * time.Second
	DefaultStalenessThreshold = 300 * time.Second
	DefaultStopWait           = 2 * time.Second
	DefaultJoinWait           = 10 * time.Second
)

// Options configures the supervision policy. Zero values take the defaults above.
type Options struct {
	MaxRetries         int           // consecutive failures before requiring manual restart
	RetryDelay         time.Duration // initial backoff delay
	BackoffFactor      float64       // multiplicative backoff growth
	MaxRetryDelay      time.Duration // backoff cap
	StalenessThreshold time.Duration // downtime before the poll-driven auto restart re-arms
	StopWait           time.Duration // grace period for the old worker to observe cancellation
	JoinWait           time.Duration // bounded wait for the old runner goroutine to finish
	Sinks              []history.Sink
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.StalenessThreshold <= 0 {
		o.StalenessThreshold = DefaultStalenessThreshold
	}
	if o.StopWait <= 0 {
		o.StopWait = DefaultStopWait
	}
	if o.JoinWait <= 0 {
		o.JoinWait = DefaultJoinWait
	}
	return o
}

// Supervisor owns the background runner that executes the worker, contains
// its failures, and applies the retry/backoff policy. Worker failures are
// never fatal to the process; only retry exhaustion converts "temporarily
// unhealthy" into "requires manual restart".
//
// Lock hierarchy: mu protects the counters and the runner handle; the shared
// health.State has its own lock and is never touched while mu is held in a
// way that nests the two. Counter-update-and-decide sequences run under mu so
// ManualRestart, MaybeAutoRestart, and the runner cannot double-spawn or
// corrupt the retry count.
//
// Cancellation is cooperative. A worker that ignores its ctx past StopWait is
// abandoned: its goroutine keeps running until the worker returns, and a new
// runner starts regardless. Two workers can therefore be transiently active.
type Supervisor struct {
	mu    sync.Mutex
	state *health.State
	w     worker.Worker
	opts  Options

	retryCount  int
	retryDelay  time.Duration
	lastRestart time.Time
	running     bool

	// current runner handle; replaced wholesale on every spawn
	cancel context.CancelFunc
	done   chan struct{}

	// sleep is the interruptible backoff wait; swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds a Supervisor around the shared health record and the worker.
func New(state *health.State, w worker.Worker, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		state:      state,
		w:          w,
		opts:       opts,
		retryDelay: opts.RetryDelay,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start spawns the worker runner if none is live and the retry budget is not
// exhausted. It is idempotent: calling it while a runner is live is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.retryCount >= s.opts.MaxRetries {
		return
	}
	s.spawnLocked()
}

// spawnLocked replaces the runner handle and launches a fresh runner.
// Caller must hold mu.
func (s *Supervisor) spawnLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running = true
	s.lastRestart = time.Now()
	go s.run(ctx, done)
}

// isCurrent reports whether done still identifies the active runner. Stale,
// abandoned runners fail this check and must not mutate shared state.
func (s *Supervisor) isCurrent(done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done == done
}

// run is the supervised loop: execute the worker, count failures, back off,
// restart in place until clean exit, cancellation, or retry exhaustion.
func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		s.mu.Lock()
		attempt := s.retryCount + 1
		maxRetries := s.opts.MaxRetries
		s.mu.Unlock()

		if s.isCurrent(done) {
			s.state.SetAgentPhase(health.PhaseRunning)
		}
		slog.Info("starting worker", "attempt", attempt, "max_retries", maxRetries)
		metrics.IncWorkerStart()
		s.emit(history.EventStart, health.PhaseRunning.String(), "")

		err := s.w.Run(ctx)

		if ctx.Err() != nil {
			// External cancellation: terminate without touching the counters.
			if s.isCurrent(done) {
				s.state.SetAgentPhase(health.PhaseStopped)
			}
			slog.Info("worker canceled")
			return
		}

		if err == nil {
			if s.isCurrent(done) {
				s.state.SetAgentPhase(health.PhaseStopped)
			}
			slog.Info("worker stopped normally")
			s.emit(history.EventStop, health.PhaseStopped.String(), "")
			return
		}

		s.mu.Lock()
		s.retryCount++
		failures := s.retryCount
		delay := s.retryDelay
		s.lastRestart = time.Now()
		s.mu.Unlock()

		if s.isCurrent(done) {
			s.state.RecordWorkerFailure(err.Error())
			s.state.SetAgentPhase(health.PhaseStopped)
		}
		metrics.IncWorkerFailure()
		s.emit(history.EventFail, health.PhaseStopped.String(), err.Error())
		slog.Error("worker failed", "attempt", failures, "max_retries", maxRetries, "error", err)

		if failures >= maxRetries {
			slog.Error("maximum retry attempts reached, worker will not restart automatically")
			metrics.SetRetryExhausted(true)
			s.emit(history.EventExhausted, health.PhaseStopped.String(), err.Error())
			return
		}

		slog.Info("restarting worker", "delay", delay)
		if !s.sleep(ctx, delay) {
			if s.isCurrent(done) {
				s.state.SetAgentPhase(health.PhaseStopped)
			}
			return
		}

		s.mu.Lock()
		next := time.Duration(float64(s.retryDelay) * s.opts.BackoffFactor)
		if next > s.opts.MaxRetryDelay {
			next = s.opts.MaxRetryDelay
		}
		s.retryDelay = next
		s.mu.Unlock()

		metrics.IncWorkerRestart("backoff")
		s.emit(history.EventRestart, health.PhaseStarting.String(), "backoff")
	}
}

// MaybeAutoRestart is the self-healing path, called opportunistically on
// every health poll. It re-arms only while the retry budget is not exhausted:
// once retryCount reaches MaxRetries, only ManualRestart recovers the worker.
func (s *Supervisor) MaybeAutoRestart() {
	s.mu.Lock()
	// A zero lastRestart (worker never started, e.g. env validation failed at
	// boot) counts as stale, so polling can bring the worker up later.
	eligible := !s.running &&
		s.retryCount < s.opts.MaxRetries &&
		time.Since(s.lastRestart) > s.opts.StalenessThreshold
	old := s.done
	s.mu.Unlock()
	if !eligible {
		return
	}

	slog.Info("restarting worker after extended downtime")
	s.reap(old, s.opts.JoinWait)

	s.mu.Lock()
	// Re-check under the lock; another poll or a manual restart may have won.
	if s.running || s.retryCount >= s.opts.MaxRetries {
		s.mu.Unlock()
		return
	}
	s.spawnLocked()
	s.mu.Unlock()

	metrics.IncWorkerRestart("stale")
	s.emit(history.EventRestart, health.PhaseStarting.String(), "stale")
}

// ManualRestart unconditionally resets the retry budget and error state,
// stops the current worker (best-effort, bounded waits), and spawns a fresh
// runner. It always succeeds from the caller's perspective; the outcome is
// observable via subsequent health polls.
func (s *Supervisor) ManualRestart() {
	slog.Info("manual worker restart requested")

	s.mu.Lock()
	s.retryCount = 0
	s.retryDelay = s.opts.RetryDelay
	cancel := s.cancel
	old := s.done
	s.mu.Unlock()

	s.state.ResetErrors()
	metrics.SetRetryExhausted(false)

	if cancel != nil {
		cancel()
		// Give the worker time to observe cancellation before reaping.
		s.waitDone(old, s.opts.StopWait)
	}
	s.reap(old, s.opts.JoinWait)

	s.mu.Lock()
	if old == s.done {
		s.spawnLocked()
	}
	s.mu.Unlock()

	metrics.IncWorkerRestart("manual")
	s.emit(history.EventRestart, health.PhaseStarting.String(), "manual")
}

// Shutdown cancels the runner and waits for it until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a runner is currently live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Exhausted reports whether the retry budget is spent.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount >= s.opts.MaxRetries
}

// reap waits up to wait for an old runner handle. Failure to join is logged
// and ignored: the old instance is abandoned, never forcibly terminated.
func (s *Supervisor) reap(old chan struct{}, wait time.Duration) {
	if old == nil {
		return
	}
	if !s.waitDone(old, wait) {
		slog.Warn("previous worker did not stop in time, abandoning it", "wait", wait)
	}
}

func (s *Supervisor) waitDone(old chan struct{}, wait time.Duration) bool {
	if old == nil {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-old:
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) emit(t history.EventType, phase, detail string) {
	s.mu.Lock()
	sinks := s.opts.Sinks
	count := s.retryCount
	s.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Phase: phase, ErrorCount: count, Detail: detail}
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			slog.Warn("history sink send failed", "error", err)
		}
	}
}
