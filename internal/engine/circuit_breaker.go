package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// CircuitState is the state of one downstream host's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls are rejected
	CircuitHalfOpen                     // a single trial call is allowed through
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker thresholds.
// A FailureThreshold of zero disables breaking entirely.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trials              int
}

// CircuitBreakers tracks one breaker per downstream host. Only transient
// failures count against a host; permanent 4xx answers prove it is alive.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time

	// OnStateChange, if set, is called after a transition with the breaker unlocked.
	OnStateChange func(host string, from, to CircuitState)
}

func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a call to host may proceed, or a CIRCUIT_OPEN error.
func (r *CircuitBreakers) Allow(host string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(host)
	cb.mu.Lock()

	switch cb.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(cb.openedAt)
		if remaining > 0 {
			failures := cb.consecutiveFailures
			cb.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for host %q after %d consecutive failures", host, failures).
				WithDetails(map[string]any{
					"host":               host,
					"cooldown_remaining": remaining.String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.trials = 1
		cb.mu.Unlock()
		r.notify(host, CircuitOpen, CircuitHalfOpen)
		return nil

	case CircuitHalfOpen:
		if cb.trials >= r.config.HalfOpenMax {
			cb.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for host %q: trial call in flight", host)
		}
		cb.trials++
	}
	cb.mu.Unlock()
	return nil
}

// RecordSuccess closes the breaker for host.
func (r *CircuitBreakers) RecordSuccess(host string) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	cb := r.get(host)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.trials = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	if from != CircuitClosed {
		r.notify(host, from, CircuitClosed)
	}
}

// RecordFailure counts a transient failure and returns the resulting state.
func (r *CircuitBreakers) RecordFailure(host string) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.get(host)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		r.notify(host, from, to)
	}
	return to
}

// State returns the current state for host.
func (r *CircuitBreakers) State(host string) CircuitState {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns host → state for every host seen so far, sorted by host.
func (r *CircuitBreakers) Snapshot() []map[string]any {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.breakers))
	for h := range r.breakers {
		hosts = append(hosts, h)
	}
	r.mu.Unlock()
	sort.Strings(hosts)

	out := make([]map[string]any, 0, len(hosts))
	for _, h := range hosts {
		cb := r.get(h)
		cb.mu.Lock()
		out = append(out, map[string]any{
			"host":                 h,
			"state":                cb.state.String(),
			"consecutive_failures": cb.consecutiveFailures,
		})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakers) notify(host string, from, to CircuitState) {
	if r.OnStateChange != nil {
		r.OnStateChange(host, from, to)
	}
}

func (r *CircuitBreakers) get(host string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[host] = cb
	}
	return cb
}
