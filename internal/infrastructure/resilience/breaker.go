package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probes in half-open state")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the number of consecutive counted failures that
	// opens the circuit
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before allowing probes
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of probes allowed (and successes
	// required) in half-open state
	HalfOpenProbes uint32
	// IsFailure decides whether an error counts against the circuit.
	// Errors it rejects are passed through without tripping the breaker.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state changes, outside the lock
	OnStateChange func(name string, from State, to State)
	// Now is the clock; defaults to time.Now
	Now func() time.Time
}

// Counts holds the statistics for the circuit breaker
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker tracks the health of a transport and short-circuits calls while
// it is considered down
type Breaker struct {
	name     string
	settings Settings

	mu         sync.Mutex
	state      State
	counts     Counts
	openedAt   time.Time
	generation uint64
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenProbes == 0 {
		settings.HalfOpenProbes = 1
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	state, notify := b.currentState()
	b.mu.Unlock()
	notify()
	return state
}

// Counts returns a copy of the internal counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Do runs fn if the circuit accepts it and records the outcome
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.afterRequest(generation, errPanic)
			panic(e)
		}
	}()

	err = fn()
	b.afterRequest(generation, err)
	return err
}

// Reset closes the circuit and clears counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.setState(StateClosed)
	b.mu.Unlock()
	notify()
}

var errPanic = errors.New("panic")

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	state, notify := b.currentState()
	defer notify()
	defer b.mu.Unlock()

	if state == StateOpen {
		return b.generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.settings.HalfOpenProbes {
		return b.generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) afterRequest(before uint64, err error) {
	b.mu.Lock()
	state, notify := b.currentState()

	// Outcome belongs to an earlier generation; it no longer counts
	if b.generation != before {
		b.mu.Unlock()
		notify()
		return
	}

	var changed func()
	if err != nil && b.settings.IsFailure(err) {
		changed = b.onFailure(state)
	} else {
		changed = b.onSuccess(state)
	}
	b.mu.Unlock()
	notify()
	changed()
}

func (b *Breaker) onSuccess(state State) func() {
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.HalfOpenProbes {
		return b.setState(StateClosed)
	}
	return func() {}
}

func (b *Breaker) onFailure(state State) func() {
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		return b.setState(StateOpen)
	}
	return func() {}
}

// currentState promotes open to half-open once the timeout has passed.
// Must hold lock; the returned func fires the callback and must be called
// after unlocking.
func (b *Breaker) currentState() (State, func()) {
	if b.state == StateOpen && !b.settings.Now().Before(b.openedAt.Add(b.settings.OpenTimeout)) {
		return StateHalfOpen, b.setState(StateHalfOpen)
	}
	return b.state, func() {}
}

// setState changes state, starting a new generation. Must hold lock.
func (b *Breaker) setState(state State) func() {
	if b.state == state {
		return func() {}
	}

	prev := b.state
	b.state = state
	b.generation++
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.settings.Now()
	}

	cb := b.settings.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(b.name, prev, state) }
}
