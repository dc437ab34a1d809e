// Package breaker guards calls to the sandbox provider with per-operation
// circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// State
// =============================================================================

// State is the position of one circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen matches any *OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned without invoking the operation while its circuit is open.
type OpenError struct {
	Op        string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry in %s", e.Op, e.Remaining.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Kind maps to the persisted error classification.
func (e *OpenError) Kind() domain.ErrorKind {
	return domain.ErrorKindCircuitOpen
}

// CallError wraps a failed operation with the circuit state observed when it
// was admitted. It unwraps to the operation's own error.
type CallError struct {
	Op           string
	State        State
	FailureCount int
	Err          error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed (circuit %s, %d consecutive failures): %v", e.Op, e.State, e.FailureCount, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Config
// =============================================================================

// Config holds the thresholds shared by every circuit.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	// Default: 3.
	FailureThreshold int `mapstructure:"failure_threshold"`

	// CooldownPeriod is how long an open circuit rejects calls.
	// Default: 30 seconds.
	CooldownPeriod time.Duration `mapstructure:"cooldown"`

	// HalfOpenSuccesses is the number of consecutive trial successes that closes it.
	// Default: 2.
	HalfOpenSuccesses int `mapstructure:"half_open_successes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		CooldownPeriod:    30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Snapshot is a copy of one circuit's state.
type Snapshot struct {
	Op                string    `json:"op"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	LastFailureTime   time.Time `json:"last_failure_time,omitempty"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	TransitionCount   int       `json:"transition_count"`
}

// StateChangeFunc observes circuit transitions. It runs outside the breaker lock.
type StateChangeFunc func(op string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithOnStateChange registers a transition hook.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// =============================================================================
// Breaker
// =============================================================================

// Breaker tracks one circuit per operation name. It is safe for concurrent use.
type Breaker struct {
	config   Config
	now      func() time.Time
	onChange StateChangeFunc
	logger   *slog.Logger

	mu       sync.Mutex
	circuits map[string]*Snapshot
}

// New creates a Breaker. Zero config values take their defaults.
func New(config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = def.CooldownPeriod
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = def.HalfOpenSuccesses
	}

	b := &Breaker{
		config:   config,
		now:      time.Now,
		circuits: make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "breaker")
	return b
}

type transition struct {
	op       string
	from, to State
}

// Execute runs fn under the circuit for op.
//
// While the circuit is open and cooling down, fn is not called and an
// *OpenError is returned. Errors from fn are returned as *CallError. A
// context.Canceled error caused by the caller's own context is passed through
// without counting against the circuit.
func (b *Breaker) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	state, t, err := b.admit(op)
	b.fire(t)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	var failures int
	switch {
	case callErr == nil:
		failures, t = b.onSuccess(op)
	case errors.Is(callErr, context.Canceled) && ctx.Err() != nil:
		failures = b.Snapshot(op).FailureCount
		t = nil
	default:
		failures, t = b.onFailure(op)
	}
	b.fire(t)

	if callErr != nil {
		return &CallError{Op: op, State: state, FailureCount: failures, Err: callErr}
	}
	return nil
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// admit decides whether a call may run and returns the state it runs under.
func (b *Breaker) admit(op string) (State, *transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(op)
	if c.State != StateOpen {
		return c.State, nil, nil
	}

	elapsed := b.now().Sub(c.LastFailureTime)
	if elapsed < b.config.CooldownPeriod {
		return c.State, nil, &OpenError{Op: op, Remaining: b.config.CooldownPeriod - elapsed}
	}

	t := b.move(c, StateHalfOpen)
	c.HalfOpenSuccesses = 0
	return c.State, t, nil
}

func (b *Breaker) onSuccess(op string) (int, *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(op)
	switch c.State {
	case StateClosed:
		c.FailureCount = 0
	case StateHalfOpen:
		c.HalfOpenSuccesses++
		if c.HalfOpenSuccesses >= b.config.HalfOpenSuccesses {
			t := b.move(c, StateClosed)
			c.FailureCount = 0
			c.HalfOpenSuccesses = 0
			return c.FailureCount, t
		}
	}
	// A late result for a circuit that has since opened changes nothing.
	return c.FailureCount, nil
}

func (b *Breaker) onFailure(op string) (int, *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(op)
	switch c.State {
	case StateClosed:
		c.FailureCount++
		c.LastFailureTime = b.now()
		if c.FailureCount >= b.config.FailureThreshold {
			return c.FailureCount, b.move(c, StateOpen)
		}
	case StateHalfOpen:
		c.FailureCount++
		c.LastFailureTime = b.now()
		c.HalfOpenSuccesses = 0
		return c.FailureCount, b.move(c, StateOpen)
	}
	return c.FailureCount, nil
}

// circuit returns the state for op, creating it closed. Caller holds mu.
func (b *Breaker) circuit(op string) *Snapshot {
	c, ok := b.circuits[op]
	if !ok {
		c = &Snapshot{Op: op, State: StateClosed}
		b.circuits[op] = c
	}
	return c
}

// move changes state and counts the transition. Caller holds mu.
func (b *Breaker) move(c *Snapshot, to State) *transition {
	from := c.State
	c.State = to
	c.TransitionCount++
	return &transition{op: c.Op, from: from, to: to}
}

func (b *Breaker) fire(t *transition) {
	if t == nil {
		return
	}
	b.logger.Info("circuit state changed", "op", t.op, "from", t.from, "to", t.to)
	if b.onChange != nil {
		b.onChange(t.op, t.from, t.to)
	}
}

// Snapshot returns a copy of the circuit for op. Unknown operations report closed.
func (b *Breaker) Snapshot(op string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[op]; ok {
		return *c
	}
	return Snapshot{Op: op, State: StateClosed}
}

// Snapshots returns every known circuit ordered by operation name.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	out := make([]Snapshot, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, *c)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}
