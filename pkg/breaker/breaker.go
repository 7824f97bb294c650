package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"codeberg.org/groupherd/groupherd/pkg/provider"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type Config struct {
	FailureThreshold int           `yaml:"failureThreshold" json:"failureThreshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls" json:"halfOpenMaxCalls"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

type Stats struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failureCount"`
	LastFailureTime *time.Time `json:"lastFailureTime,omitempty"`
	HalfOpenCalls   int        `json:"halfOpenCalls"`
}

// Operation is a guarded provider call. The breaker counts a call as failed
// when the operation errors or returns a transient result; permanent,
// unauthorized and not-found outcomes say nothing about the dependency's
// health and leave the breaker untouched.
type Operation func(ctx context.Context) (*provider.OperationResult, error)

// Breaker guards one named external dependency. State changes happen only
// through Call outcomes and Reset.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	halfOpenCalls int
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// Call runs the operation under the breaker's admission rules and feeds the
// outcome back into the state machine. A rejected call returns ErrOpen
// without touching the underlying operation.
func (b *Breaker) Call(ctx context.Context, op Operation) (*provider.OperationResult, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := op(ctx)

	failed := err != nil || (result != nil && result.Retryable())
	b.record(failed)

	return result, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		fallthrough

	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenCalls++
		return nil
	}

	return nil
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		b.halfOpenCalls--
		if failed {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.lastFailure = time.Now()
			return
		}
		b.state = StateClosed
		b.failures = 0
	}
}

// Reset forces the breaker closed with a clean failure count. Operator
// override only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.openedAt = time.Time{}
}

func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failures,
		HalfOpenCalls: b.halfOpenCalls,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		stats.LastFailureTime = &t
	}
	return stats
}
