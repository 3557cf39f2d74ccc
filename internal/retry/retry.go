// Package retry classifies failures, budgets retries, and suppresses retry
// storms with a circuit breaker.
//
// The breaker is a three-state machine:
//
//	closed ──(failure_threshold consecutive failures)──▶ open
//	open ──(reset_timeout elapsed)──▶ half-open
//	half-open ──(success_threshold consecutive successes)──▶ closed
//	half-open ──(any failure)──▶ open
//
// While open, attempts are rejected without touching the wire. Opening and
// closing the circuit, and every attempt made through Do, are published on a
// structured event stream that observability consumes; the move from open
// to half-open publishes no event.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/josedab/pocket-go/internal/observe"
)

// State of the circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// EventKind identifies a retry event.
type EventKind string

const (
	EventAttempt      EventKind = "attempt"
	EventSuccess      EventKind = "success"
	EventExhausted    EventKind = "exhausted"
	EventCircuitOpen  EventKind = "circuit-open"
	EventCircuitClose EventKind = "circuit-close"
)

// Event is one entry on the retry event stream.
type Event struct {
	Kind    EventKind `json:"kind"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	State   State     `json:"state"`
	At      time.Time `json:"at"`
}

// ErrCircuitOpen is returned when the breaker rejects an attempt outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Permanent marks err as non-retriable: Do stops immediately and the error
// is returned as-is. Transport-fatal conditions (bad auth, unsupported
// version) use this.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Policy is the per-call retry budget. The sync engine builds it from its
// configured retry delay and attempt count.
type Policy struct {
	InitialDelay time.Duration
	MaxAttempts  int
}

// Monitor is the retry monitor and circuit breaker.
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	openedAt             time.Time

	events *observe.Observable[Event]
	now    func() time.Time
}

// NewMonitor creates a closed breaker.
func NewMonitor(cfg Config) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		state:  StateClosed,
		events: observe.New[Event](),
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *Monitor) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Events subscribes to the retry event stream.
func (m *Monitor) Events() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// State returns the current circuit state, applying the open→half-open
// transition if the reset timeout has elapsed.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeHalfOpenLocked()
	return m.state
}

// CanAttempt reports whether a request may be issued right now.
func (m *Monitor) CanAttempt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeHalfOpenLocked()
	return m.state != StateOpen
}

// RecordSuccess feeds a successful attempt into the breaker.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	var closeEvent bool
	if m.state == StateHalfOpen {
		m.consecutiveSuccesses++
		if m.consecutiveSuccesses >= m.cfg.SuccessThreshold {
			m.state = StateClosed
			m.consecutiveSuccesses = 0
			closeEvent = true
		}
	}
	at := m.now()
	state := m.state
	m.mu.Unlock()

	if closeEvent {
		m.events.Publish(Event{Kind: EventCircuitClose, State: state, At: at})
	}
}

// RecordFailure feeds a failed attempt into the breaker.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	m.consecutiveSuccesses = 0
	m.consecutiveFailures++
	m.lastFailureAt = m.now()

	var openEvent bool
	switch m.state {
	case StateHalfOpen:
		// A probe failed: straight back to open.
		m.state = StateOpen
		m.openedAt = m.now()
		openEvent = true
	case StateClosed:
		if m.consecutiveFailures >= m.cfg.FailureThreshold {
			m.state = StateOpen
			m.openedAt = m.now()
			openEvent = true
		}
	}
	at := m.now()
	state := m.state
	m.mu.Unlock()

	if openEvent {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		m.events.Publish(Event{Kind: EventCircuitOpen, Error: msg, State: state, At: at})
	}
}

// ConsecutiveFailures reports the current failure run length.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// LastFailureAt reports when the most recent failure happened.
func (m *Monitor) LastFailureAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailureAt
}

func (m *Monitor) maybeHalfOpenLocked() {
	if m.state == StateOpen && m.now().Sub(m.openedAt) >= m.cfg.ResetTimeout {
		m.state = StateHalfOpen
		m.consecutiveSuccesses = 0
	}
}

// Do runs op under the breaker with exponential jittered backoff.
//
// Every attempt consults the breaker first; an open circuit aborts without
// touching op. Failures feed the breaker and back off (the delay starts at
// the policy's initial delay and grows by the backoff library's default
// factor of 1.5, ±30% jitter) until the policy's attempt budget is spent.
// A Permanent error stops retrying immediately.
func (m *Monitor) Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0 // the attempt budget bounds us, not wall time

	attempt := 0
	operation := func() error {
		if !m.CanAttempt() {
			return backoff.Permanent(ErrCircuitOpen)
		}
		attempt++
		m.events.Publish(Event{Kind: EventAttempt, Attempt: attempt, State: m.State(), At: m.now()})

		err := op(ctx)
		if err == nil {
			m.RecordSuccess()
			m.events.Publish(Event{Kind: EventSuccess, Attempt: attempt, State: m.State(), At: m.now()})
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			m.RecordFailure(perm.Unwrap())
			return err
		}
		m.RecordFailure(err)
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))
	if err != nil {
		m.events.Publish(Event{
			Kind:    EventExhausted,
			Attempt: attempt,
			Error:   err.Error(),
			State:   m.State(),
			At:      m.now(),
		})
	}
	return err
}
