// Package circuitbreaker guards model-provider calls against cascading
// failures. One breaker exists per (provider, model) pair.
//
// State machine: CLOSED → OPEN → HALF_OPEN → CLOSED. Only health failures
// (connection refused, timeout, 5xx) count toward opening the circuit;
// client errors and provider rate limits do not, because they say nothing
// about provider health.
package circuitbreaker

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FailureClass is the error taxonomy fed into the breaker.
type FailureClass int

const (
	// FailureNone marks a success.
	FailureNone FailureClass = iota
	// FailureHealth covers connection refused, timeout, and 5xx. Only these
	// count toward opening the circuit.
	FailureHealth
	// FailureDomain covers 4xx, 429, rate_limited, auth_error: the provider
	// answered, so it is healthy even though the request failed.
	FailureDomain
)

// ClassifyStatus maps an HTTP status to a failure class.
func ClassifyStatus(status int) FailureClass {
	switch {
	case status >= 200 && status < 300:
		return FailureNone
	case status >= 500:
		return FailureHealth
	default:
		// 400, 401, 403, 404, 429 and the rest of the 4xx family.
		return FailureDomain
	}
}

// Config holds breaker thresholds. Zero values take defaults.
type Config struct {
	// UnhealthyThreshold is the consecutive health-failure count that trips
	// CLOSED → OPEN.
	UnhealthyThreshold int
	// RecoveryThreshold is the consecutive-success count that restores
	// HALF_OPEN → CLOSED.
	RecoveryThreshold int
	// RecoveryBase is the base OPEN duration before probing.
	RecoveryBase time.Duration
	// JitterPct spreads recovery_at by ±RecoveryBase·JitterPct so a fleet
	// does not probe in lockstep.
	JitterPct float64

	// OnStateChange observes transitions; optional.
	OnStateChange func(key string, from, to State)

	// Clock and Rand are test seams.
	Clock func() time.Time
	Rand  func() float64
}

func (c *Config) fillDefaults() {
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = 5
	}
	if c.RecoveryThreshold == 0 {
		c.RecoveryThreshold = 1
	}
	if c.RecoveryBase == 0 {
		c.RecoveryBase = 60 * time.Second
	}
	if c.JitterPct == 0 {
		c.JitterPct = 0.25
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// entry is the per-(provider,model) record.
type entry struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastError            string
	recoveryAt           time.Time
}

// Snapshot is a read-only copy of one breaker entry for observability.
type Snapshot struct {
	Key                  string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastError            string
	RecoveryAt           time.Time
}

// Manager holds the breaker map. State lives in process memory only; it is
// rebuilt from observed outcomes and need not survive restarts.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	logger  *slog.Logger
}

// NewManager creates a breaker manager with the given config.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
	}
}

// Key builds the canonical breaker key.
func Key(provider, model string) string { return provider + "/" + model }

// IsHealthy reports whether requests to (provider, model) may proceed.
// An unknown key is optimistically healthy. The OPEN → HALF_OPEN transition
// happens here when wall-clock passes recovery_at.
func (m *Manager) IsHealthy(provider, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(provider, model)
	e, ok := m.entries[key]
	if !ok {
		return true
	}
	if e.state == StateOpen && !m.cfg.Clock().Before(e.recoveryAt) {
		m.transitionLocked(key, e, StateHalfOpen)
		e.consecutiveSuccesses = 0
	}
	return e.state != StateOpen
}

// RecordSuccess counts a successful call.
func (m *Manager) RecordSuccess(provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(provider, model)
	e := m.entryLocked(key)
	e.consecutiveFailures = 0
	e.consecutiveSuccesses++
	if e.state == StateHalfOpen && e.consecutiveSuccesses >= m.cfg.RecoveryThreshold {
		m.transitionLocked(key, e, StateClosed)
		e.lastError = ""
	}
}

// RecordFailure counts a failed call. Domain failures reset the success
// streak but never open the circuit.
func (m *Manager) RecordFailure(provider, model string, class FailureClass, errMsg string) {
	if class == FailureNone {
		m.RecordSuccess(provider, model)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(provider, model)
	e := m.entryLocked(key)
	e.consecutiveSuccesses = 0
	e.lastError = errMsg

	if class != FailureHealth {
		return
	}

	switch e.state {
	case StateHalfOpen:
		// Failed probe: back to OPEN with a fresh recovery window.
		m.transitionLocked(key, e, StateOpen)
		e.recoveryAt = m.recoveryDeadlineLocked()
		e.consecutiveFailures = 1
	case StateClosed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= m.cfg.UnhealthyThreshold {
			m.transitionLocked(key, e, StateOpen)
			e.recoveryAt = m.recoveryDeadlineLocked()
		}
	case StateOpen:
		e.consecutiveFailures++
	}
}

// SnapshotAll returns a copy of every breaker entry.
func (m *Manager) SnapshotAll() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.entries))
	for key, e := range m.entries {
		out = append(out, Snapshot{
			Key:                  key,
			State:                e.state,
			ConsecutiveFailures:  e.consecutiveFailures,
			ConsecutiveSuccesses: e.consecutiveSuccesses,
			LastError:            e.lastError,
			RecoveryAt:           e.recoveryAt,
		})
	}
	return out
}

// StateOf returns the current state for a key without side effects.
func (m *Manager) StateOf(provider, model string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Key(provider, model)]
	if !ok {
		return StateClosed
	}
	return e.state
}

func (m *Manager) entryLocked(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		m.entries[key] = e
	}
	return e
}

// recoveryDeadlineLocked computes now + base ± base·jitter.
func (m *Manager) recoveryDeadlineLocked() time.Time {
	base := m.cfg.RecoveryBase
	jitter := time.Duration(float64(base) * m.cfg.JitterPct * (m.cfg.Rand()*2 - 1))
	return m.cfg.Clock().Add(base + jitter)
}

func (m *Manager) transitionLocked(key string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	m.logger.Info("circuit breaker transition",
		"key", key, "from", from.String(), "to", to.String(),
		"consecutive_failures", e.consecutiveFailures,
		"last_error", e.lastError)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(key, from, to)
	}
}
