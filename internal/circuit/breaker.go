// Package circuit stops calling a tier that keeps failing with transport errors and
// lets a few probe calls through once the open period has passed.
package circuit

import (
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed passes every call through
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout expires
	StateOpen
	// StateHalfOpen admits HalfOpenRequests probe calls
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls when a tier's breaker trips.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is the number of probe calls admitted while half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// DefaultConfig returns a disabled breaker with usable thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Counts holds the numbers of requests and their outcomes since the last state change
type Counts struct {
	Requests            uint32 `json:"requests"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	// onChange is called with mu held.
	onChange func(name string, from, to State)

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker fills zero config fields from DefaultConfig.
func NewBreaker(name string, config Config, onChange func(name string, from, to State)) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	return &Breaker{name: name, config: config, now: time.Now, onChange: onChange}
}

// Allow reports whether a call may proceed and, if so, counts it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.counts.Requests >= b.config.HalfOpenRequests {
			return false
		}
	}
	b.counts.Requests++
	return true
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if !failed {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// release returns an admission that was never used.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.OpenTimeout)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(b.name, prev, state)
	}
}
