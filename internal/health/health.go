package health

import (
	"sync"
	"time"
)

// Status is the overall service health classification.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusError     Status = "error"
)

func (s Status) String() string { return string(s) }

// AgentPhase tracks the supervised worker's lifecycle as seen by pollers.
type AgentPhase string

const (
	PhaseStarting AgentPhase = "starting"
	PhaseRunning  AgentPhase = "running"
	PhaseStopped  AgentPhase = "stopped"
)

func (p AgentPhase) String() string { return string(p) }

// Snapshot is a point-in-time copy of the shared health record, serialized
// as the JSON body of the /health and /status endpoints.
type Snapshot struct {
	Status        Status     `json:"status"`
	Database      string     `json:"database"`
	Environment   string     `json:"environment"`
	Agent         AgentPhase `json:"agent"`
	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastCheck     string     `json:"last_check,omitempty"`
	UptimeSeconds int64      `json:"uptime"`
}

// State is the mutable shared health record. It is created once at process
// start and mutated concurrently by the supervisor goroutine and HTTP
// handlers; all access goes through the mutex.
//
// Fields are not transactionally consistent as a group: a reader may observe
// database and agent fields from slightly different moments. Each /health
// poll re-evaluates the probes before reading, so this is acceptable.
type State struct {
	mu          sync.RWMutex
	status      Status
	database    string
	environment string
	agent       AgentPhase
	errorCount  int
	lastError   string
	lastCheck   time.Time
	startedAt   time.Time
	uptimeSecs  int64
}

// NewState returns a State in the "starting" phase with startedAt fixed to now.
func NewState() *State {
	return &State{
		status:      StatusStarting,
		database:    "unknown",
		environment: "unknown",
		agent:       PhaseStarting,
		startedAt:   time.Now(),
	}
}

// Snapshot copies the current record. The uptime field is the value stamped
// by the last probe evaluation, not a live reading: this keeps repeated
// /status responses identical when nothing else is happening. Use Uptime for
// a live value.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Status:        s.status,
		Database:      s.database,
		Environment:   s.environment,
		Agent:         s.agent,
		ErrorCount:    s.errorCount,
		LastError:     s.lastError,
		UptimeSeconds: s.uptimeSecs,
	}
	if !s.lastCheck.IsZero() {
		snap.LastCheck = s.lastCheck.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	return snap
}

func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetProbeResults records the outcome of one probe evaluation and stamps
// lastCheck and uptime. Only the /health path calls this; /status never
// moves the clock.
func (s *State) SetProbeResults(database, environment string, now time.Time) {
	s.mu.Lock()
	s.database = database
	s.environment = environment
	s.lastCheck = now
	s.uptimeSecs = int64(now.Sub(s.startedAt).Seconds())
	s.mu.Unlock()
}

// SetAgentPhase is called only by the supervisor.
func (s *State) SetAgentPhase(p AgentPhase) {
	s.mu.Lock()
	s.agent = p
	s.mu.Unlock()
}

func (s *State) AgentPhase() AgentPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// RecordWorkerFailure increments the consecutive-failure counter and stores
// the failure message. Only worker-failure events call this.
func (s *State) RecordWorkerFailure(msg string) {
	s.mu.Lock()
	s.errorCount++
	s.lastError = msg
	s.mu.Unlock()
}

// ResetErrors clears the failure counter and last error. Only the manual
// restart path calls this; automatic restarts never do.
func (s *State) ResetErrors() {
	s.mu.Lock()
	s.errorCount = 0
	s.lastError = ""
	s.mu.Unlock()
}

func (s *State) ErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorCount
}

func (s *State) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Uptime returns the elapsed time since process start.
func (s *State) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startedAt)
}
