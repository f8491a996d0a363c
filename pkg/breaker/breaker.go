package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/log"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - normal operation, calls allowed
	StateClosed State = iota
	// StateOpen - failing, calls rejected
	StateOpen
	// StateHalfOpen - probing whether the dependency recovered
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

// Config configures circuit breaker behavior
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before a probe
	ResetTimeout time.Duration
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker wraps calls to an external dependency. After FailureThreshold
// consecutive failures calls fail fast with service_unavailable until
// ResetTimeout elapses; then a single probe is admitted.
type Breaker struct {
	name   string
	config Config
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailure  time.Time
	lastChange   time.Time
}

// New creates a circuit breaker
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:       name,
		config:     cfg,
		logger:     log.WithComponent("breaker"),
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Do runs fn under circuit breaker protection
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.mark(err)
	return err
}

// allow decides whether a call may proceed
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return errdefs.Ef(errdefs.KindServiceUnavailable,
			"circuit open for %s, retrying in %v",
			b.name, b.config.ResetTimeout-time.Since(b.lastFailure)).WithRef(b.name)
	default: // StateHalfOpen
		return nil
	}
}

// mark records a call outcome
func (b *Breaker) mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
			b.logger.Info().Str("name", b.name).Msg("circuit closed, dependency recovered")
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
			b.logger.Warn().Str("name", b.name).Int("failures", b.failures).Msg("circuit opened")
		}
	case StateHalfOpen:
		// Probe failed, back to open
		b.setState(StateOpen)
		b.successes = 0
		b.logger.Warn().Str("name", b.name).Msg("circuit reopened, probe failed")
	}
}

func (b *Breaker) setState(state State) {
	b.state = state
	b.lastChange = time.Now()
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
}
