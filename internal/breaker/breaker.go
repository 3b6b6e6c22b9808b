package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned when a strategy's breaker is short-circuiting
// execution attempts.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Config tunes when a breaker opens and how it recovers.
type Config struct {
	FailureThreshold int           // failures within the window that open the circuit
	WindowSize       int           // sliding window of most recent attempts
	MinRequests      int           // attempts required before the circuit may open
	Cooldown         time.Duration // OPEN duration before a trial is permitted
}

// DefaultConfig mirrors the production tuning: five failures across the last
// ten attempts opens the circuit for a minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		WindowSize:       10,
		MinRequests:      3,
		Cooldown:         60 * time.Second,
	}
}

// Breaker tracks the failure rate of one strategy and short-circuits
// execution when the strategy is failing repeatedly, so one misbehaving
// strategy cannot keep hammering a rejecting broker account.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          string
	window         []bool // true = success, most recent last
	trialInFlight  bool
	lastFailure    time.Time
	stateChangedAt time.Time

	totalRequests int64
	blocked       int64
}

func newBreaker(name string, cfg Config) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// Allow reports whether an execution attempt may proceed. In OPEN state it
// returns ErrCircuitOpen until the cooldown elapses, then admits exactly one
// trial (HALF_OPEN); further attempts are blocked until the trial reports.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.Cooldown {
			b.blocked++
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.blocked++
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful attempt. A successful HALF_OPEN trial
// closes the circuit and resets the window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateClosed)
		b.window = nil
		log.Info().Str("breaker", b.name).Msg("circuit breaker closed, strategy recovered")
		return
	}
	b.push(true)
}

// RecordFailure reports a failed attempt. A failed HALF_OPEN trial reopens
// the circuit and restarts the cooldown; in CLOSED state the failure counts
// toward the window threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateOpen)
		log.Warn().Str("breaker", b.name).Msg("circuit breaker trial failed, reopening")
		return
	}

	b.push(false)
	if b.shouldOpen() {
		b.setState(StateOpen)
		log.Warn().Str("breaker", b.name).Int("window_size", len(b.window)).
			Msg("circuit breaker opened, short-circuiting strategy")
	}
}

// CancelTrial returns an unused HALF_OPEN trial permit without deciding the
// circuit's state. Called when an admitted attempt resolves to no attempt at
// all, such as a skip, so the next real attempt can still take the trial.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) push(success bool) {
	b.window = append(b.window, success)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[1:]
	}
}

func (b *Breaker) shouldOpen() bool {
	if b.state != StateClosed || len(b.window) < b.cfg.MinRequests {
		return false
	}
	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	return failures >= b.cfg.FailureThreshold
}

func (b *Breaker) setState(state string) {
	b.state = state
	b.stateChangedAt = time.Now()
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	WindowFailures int       `json:"window_failures"`
	WindowSize     int       `json:"window_size"`
	TotalRequests  int64     `json:"total_requests"`
	Blocked        int64     `json:"requests_blocked"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// Stats returns the breaker's current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := 0
	for _, ok := range b.window {
		if !ok {
			failures++
		}
	}
	return Stats{
		Name:           b.name,
		State:          b.state,
		WindowFailures: failures,
		WindowSize:     len(b.window),
		TotalRequests:  b.totalRequests,
		Blocked:        b.blocked,
		StateChangedAt: b.stateChangedAt,
	}
}

// reset forces the breaker closed. Admin operation.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.window = nil
	b.trialInFlight = false
}

// Manager holds one breaker per strategy.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager creates a breaker manager applying cfg to every new breaker.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a strategy, creating it on first use.
func (m *Manager) Get(strategyID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[strategyID]
	if !ok {
		b = newBreaker(strategyID, m.cfg)
		m.breakers[strategyID] = b
	}
	return b
}

// Stats returns snapshots for all known breakers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}

// Reset forces a strategy's breaker closed. Returns false when the strategy
// has no breaker yet.
func (m *Manager) Reset(strategyID string) bool {
	m.mu.Lock()
	b, ok := m.breakers[strategyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	b.reset()
	log.Info().Str("breaker", strategyID).Msg("circuit breaker manually reset")
	return true
}
