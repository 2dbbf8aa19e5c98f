// Package circuitbreaker stops a failing channel provider from consuming the
// retry budget of every due notification at full network latency.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open      consecutive failures reach MaxFailures
//	Open     -> HalfOpen  RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed    a probe succeeded
//	HalfOpen -> Open      a probe failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling the provider while the
// breaker rejects traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name labels logs and metrics, usually the provider ("ses", "sns", "inbox").
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange is invoked under the breaker lock after every transition.
	// It must not call back into the breaker.
	OnStateChange func(name string, to State)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state           State
	failures        int
	probes          int
	lastFailure     time.Time
	lastStateChange time.Time

	stats counters
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may proceed. Every allowed call must be
// followed by RecordSuccess, RecordFailure or RecordIgnored.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.requests++

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.stats.rejected++
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
		cb.stats.rejected++
		return false
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.successes++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
		cb.logger.Info("circuit breaker closed")
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.failures++
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.Int("failures", cb.failures),
				zap.Duration("recovery_timeout", cb.cfg.RecoveryTimeout),
			)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.logger.Warn("circuit breaker probe failed, reopening")
	}
}

// RecordIgnored closes out an allowed call whose outcome says nothing about
// the provider. A half-open probe slot is handed back for the next call.
func (cb *CircuitBreaker) RecordIgnored() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failures,
		TotalRequests:   cb.stats.requests,
		TotalFailures:   cb.stats.failures,
		TotalSuccesses:  cb.stats.successes,
		TotalRejected:   cb.stats.rejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failures = 0
	cb.logger.Info("circuit breaker reset")
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.probes = 0

	cb.logger.Debug("circuit breaker transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.cfg.Name, cb.state, cb.failures, cb.cfg.MaxFailures)
}
