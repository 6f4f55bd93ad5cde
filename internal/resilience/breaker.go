package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's lifecycle state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many requests in half-open state")
)

// BreakerConfig configures trip/recovery behavior for one upstream.
type BreakerConfig struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from, to BreakerState)
}

// GitLabBreakerConfig trips on the unrecoverable-error set the GitLab
// adapter classifies (rate_limited, timeout, server_error, network_error):
// five requests with a failure ratio above 50% opens the circuit for 30s,
// mirroring the spec's "unrecoverable errors stop the batch" posture
// applied at the transport layer instead of the per-item layer.
func GitLabBreakerConfig(baseURL string) *BreakerConfig {
	return &BreakerConfig{
		Name:        baseURL,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to BreakerState) {
			slog.Warn("gitlab adapter circuit breaker state change", "base_url", name, "from", from, "to", to)
		},
	}
}

// Counts tracks request outcomes within one generation of the breaker.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker guards one upstream (one GitLab base_url) against
// cascading retries once it starts failing consistently.
type CircuitBreaker struct {
	cfg *BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

func NewBreaker(cfg *BreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = GitLabBreakerConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, lastStateTime: time.Now()}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Allow reports whether a call may proceed without executing anything;
// the caller records the outcome afterward via Record.
func (cb *CircuitBreaker) Allow() (generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(time.Now())
	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return generation, nil
}

// Record reports the outcome of a call previously admitted by Allow.
func (cb *CircuitBreaker) Record(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGen := cb.currentState(now)
	if generation != currentGen {
		return // stale result from a prior generation, ignore
	}
	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state BreakerState, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state BreakerState, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (BreakerState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state BreakerState, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.lastStateTime = now
	cb.toNewGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// BreakerRegistry keys one CircuitBreaker per GitLab base_url, created on
// first use.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker)}
}

func (r *BreakerRegistry) Get(baseURL string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[baseURL]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[baseURL]; ok {
		return cb
	}
	cb = NewBreaker(GitLabBreakerConfig(baseURL))
	r.breakers[baseURL] = cb
	return cb
}
