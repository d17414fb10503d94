// Package breaker implements keyed circuit breakers guarding tool and
// server targets. A breaker stops traffic to a target after repeated
// failures and probes for recovery once a cooldown has elapsed.
package breaker

import (
	"sync"
	"time"
)

// State of a circuit breaker.
type State int

const (
	// Closed allows all requests.
	Closed State = iota
	// Open rejects all requests until the cooldown elapses.
	Open
	// HalfOpen allows probe requests to test recovery.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultTimeout          = 60 * time.Second
)

// Breaker is one circuit. All methods are safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	lastFailure      time.Time
	now              func() time.Time
}

// Option configures a Breaker (and every Breaker created by a Set).
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the probe successes needed to re-close.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithTimeout sets the open-state cooldown before probing resumes.
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New constructs a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		timeout:          DefaultTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may proceed. An open breaker whose cooldown
// has elapsed transitions to half-open and allows the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) > b.timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess drives recovery: half-open successes accumulate toward the
// close threshold; a closed-state success decays the failure count by one so
// sporadic failures do not ratchet toward the threshold forever.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure drives opening: the failure threshold opens a closed circuit,
// and any failure while half-open re-opens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set lazily creates one Breaker per key. Keys are free-form; callers use
// tool names or tool:failure-type pairs depending on the granularity needed.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewSet constructs a Set whose breakers all share opts.
func NewSet(opts ...Option) *Set {
	return &Set{breakers: make(map[string]*Breaker), opts: opts}
}

// Get returns the breaker for key, creating it on first use.
func (s *Set) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = New(s.opts...)
		s.breakers[key] = b
	}
	return b
}

// Allow reports whether a request for key may proceed.
func (s *Set) Allow(key string) bool { return s.Get(key).Allow() }

// RecordSuccess records a success for key.
func (s *Set) RecordSuccess(key string) { s.Get(key).RecordSuccess() }

// RecordFailure records a failure for key.
func (s *Set) RecordFailure(key string) { s.Get(key).RecordFailure() }

// States returns a snapshot of every breaker's state, for diagnostics.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = b.State()
	}
	return out
}
