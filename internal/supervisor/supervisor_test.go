package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/agentsentry/internal/health"
	"github.com/loykin/agentsentry/internal/worker"
)

// recordSleeps replaces the backoff wait with an instant, recording hook.
func recordSleeps(s *Supervisor) *[]time.Duration {
	var mu sync.Mutex
	delays := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err() == nil
	}
	return delays
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runnerDone(s *Supervisor) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func TestStartIdempotent(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return nil
	})
	s := New(state, w, Options{})
	s.Start()
	s.Start()
	s.Start()

	waitFor(t, time.Second, func() bool { return state.AgentPhase() == health.PhaseRunning })
	if got := runs.Load(); got != 1 {
		t.Errorf("expected exactly one worker instance, got %d", got)
	}
	if !s.Running() {
		t.Error("expected Running=true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestFailuresUnderBudget(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	failuresWanted := int32(3)
	w := worker.Func(func(ctx context.Context) error {
		n := runs.Add(1)
		if n <= failuresWanted {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})
	s := New(state, w, Options{MaxRetries: 5})
	delays := recordSleeps(s)
	s.Start()

	waitFor(t, time.Second, func() bool { return runs.Load() == failuresWanted+1 })
	if got := state.ErrorCount(); got != int(failuresWanted) {
		t.Errorf("error_count = %d, want %d", got, failuresWanted)
	}
	if s.Exhausted() {
		t.Error("budget should not be exhausted")
	}
	if len(*delays) != int(failuresWanted) {
		t.Fatalf("expected %d backoff waits, got %d", failuresWanted, len(*delays))
	}
	for i := 1; i < len(*delays); i++ {
		if (*delays)[i] < (*delays)[i-1] {
			t.Errorf("backoff delay decreased: %v then %v", (*delays)[i-1], (*delays)[i])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}

func TestDefaultBackoffSchedule(t *testing.T) {
	state := health.NewState()
	w := worker.Func(func(ctx context.Context) error {
		return errors.New("always fails")
	})
	s := New(state, w, Options{})
	delays := recordSleeps(s)
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exhaust retries in time")
	}

	if got := state.ErrorCount(); got != DefaultMaxRetries {
		t.Errorf("error_count = %d, want %d", got, DefaultMaxRetries)
	}
	if !s.Exhausted() {
		t.Error("expected exhausted budget")
	}

	// Backoff waits happen between failures 1..4; the fifth failure ends the loop.
	want := []time.Duration{
		30 * time.Second,
		45 * time.Second,
		67500 * time.Millisecond,
		101250 * time.Millisecond,
	}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d backoff waits, got %d (%v)", len(want), len(*delays), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	state := health.NewState()
	w := worker.Func(func(ctx context.Context) error {
		return errors.New("always fails")
	})
	s := New(state, w, Options{MaxRetries: 12})
	delays := recordSleeps(s)
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exhaust retries in time")
	}

	last := (*delays)[len(*delays)-1]
	if last != DefaultMaxRetryDelay {
		t.Errorf("final delay = %v, want cap %v", last, DefaultMaxRetryDelay)
	}
	for _, d := range *delays {
		if d > DefaultMaxRetryDelay {
			t.Errorf("delay %v exceeds cap %v", d, DefaultMaxRetryDelay)
		}
	}
}

func TestCancellationNotCounted(t *testing.T) {
	state := health.NewState()
	w := worker.Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := New(state, w, Options{})
	s.Start()
	waitFor(t, time.Second, func() bool { return state.AgentPhase() == health.PhaseRunning })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := state.ErrorCount(); got != 0 {
		t.Errorf("cancellation incremented error_count to %d", got)
	}
	if state.AgentPhase() != health.PhaseStopped {
		t.Errorf("agent phase = %s, want stopped", state.AgentPhase())
	}
}

func TestCancellationDuringBackoff(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	// Real interruptible sleep with a long delay; Shutdown must cut it short.
	s := New(state, w, Options{RetryDelay: time.Hour})
	s.Start()
	waitFor(t, time.Second, func() bool { return state.ErrorCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("worker ran %d times, want 1", got)
	}
	if got := state.ErrorCount(); got != 1 {
		t.Errorf("error_count = %d, want 1", got)
	}
}

func TestManualRestartResetsAndSpawnsOnce(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	var failing atomic.Bool
	failing.Store(true)
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		if failing.Load() {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})
	s := New(state, w, Options{MaxRetries: 2, StopWait: 10 * time.Millisecond, JoinWait: 100 * time.Millisecond})
	recordSleeps(s)
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exhaust retries in time")
	}
	if !s.Exhausted() {
		t.Fatal("expected exhausted budget")
	}
	if got := state.ErrorCount(); got != 2 {
		t.Fatalf("error_count = %d, want 2", got)
	}

	before := runs.Load()
	failing.Store(false)
	s.ManualRestart()

	waitFor(t, time.Second, func() bool { return s.Running() })
	if got := state.ErrorCount(); got != 0 {
		t.Errorf("error_count after manual restart = %d, want 0", got)
	}
	if s.Exhausted() {
		t.Error("manual restart must reset the retry budget")
	}
	if got := runs.Load() - before; got != 1 {
		t.Errorf("manual restart spawned %d worker instances, want 1", got)
	}
	if snap := state.Snapshot(); snap.LastError != "" {
		t.Errorf("last_error not cleared: %q", snap.LastError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}

func TestAutoRestartAfterStaleness(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return nil // clean stop: the runner loop ends without restarting
		}
		<-ctx.Done()
		return nil
	})
	s := New(state, w, Options{StalenessThreshold: 10 * time.Millisecond, JoinWait: 100 * time.Millisecond})
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not finish in time")
	}

	time.Sleep(20 * time.Millisecond)
	s.MaybeAutoRestart()
	waitFor(t, time.Second, func() bool { return s.Running() })
	if got := runs.Load(); got != 2 {
		t.Errorf("worker ran %d times, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}

func TestAutoRestartWithinStalenessWindow(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s := New(state, w, Options{StalenessThreshold: time.Hour})
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not finish in time")
	}

	s.MaybeAutoRestart()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("restart fired inside the staleness window, runs = %d", got)
	}
}

func TestExhaustedNeverRearms(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	s := New(state, w, Options{MaxRetries: 2})
	recordSleeps(s)
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exhaust retries in time")
	}

	// Force the restart to look arbitrarily stale; exhaustion must still win.
	s.mu.Lock()
	s.lastRestart = time.Now().Add(-24 * time.Hour)
	s.mu.Unlock()

	before := runs.Load()
	s.MaybeAutoRestart()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != before {
		t.Errorf("exhausted supervisor re-armed: runs went from %d to %d", before, got)
	}
	if !s.Exhausted() {
		t.Error("expected exhausted budget")
	}
}

func TestStartAfterExhaustionIsNoOp(t *testing.T) {
	state := health.NewState()
	var runs atomic.Int32
	w := worker.Func(func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	s := New(state, w, Options{MaxRetries: 1})
	recordSleeps(s)
	s.Start()

	done := runnerDone(s)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exhaust retries in time")
	}

	before := runs.Load()
	s.Start()
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != before {
		t.Errorf("Start after exhaustion spawned a runner: runs %d -> %d", before, got)
	}
}
