// Package admission bounds how many provisioning workflows run at once,
// globally and per owner, queueing excess demand in priority bands.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// Config holds the ceilings enforced by a Controller.
type Config struct {
	// MaxGlobal is the maximum number of slots held at once.
	// Default: 10.
	MaxGlobal int `mapstructure:"max_global"`

	// MaxPerOwner is the maximum number of slots one owner may hold.
	// Default: 2.
	MaxPerOwner int `mapstructure:"max_per_owner"`

	// MaxQueueDepth is the total number of waiters across all bands.
	// Default: 100.
	MaxQueueDepth int `mapstructure:"max_queue_depth"`

	// RetryAfter is the hint returned with a queue-full rejection.
	// Default: 10 seconds.
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxGlobal:     10,
		MaxPerOwner:   2,
		MaxQueueDepth: 100,
		RetryAfter:    10 * time.Second,
	}
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Active       int                       `json:"active"`
	Queued       int                       `json:"queued"`
	QueuedByBand [domain.PriorityBands]int `json:"queued_by_band"`
	Owners       int                       `json:"owners"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnChange registers a hook that receives stats after every change.
// It runs outside the controller lock.
func WithOnChange(fn func(Stats)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// WithOnRelease registers a hook that receives the owner and hold time of
// every released slot. It runs outside the controller lock.
func WithOnRelease(fn func(owner string, held time.Duration)) Option {
	return func(c *Controller) {
		c.onRelease = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller hands out slots. It is safe for concurrent use.
type Controller struct {
	config    Config
	onChange  func(Stats)
	onRelease func(owner string, held time.Duration)
	logger    *slog.Logger

	mu       sync.Mutex
	active   int
	perOwner map[string]int
	queues   [domain.PriorityBands][]*Ticket
	queued   int
}

// New creates a Controller. Zero config values take their defaults.
func New(config Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if config.MaxGlobal <= 0 {
		config.MaxGlobal = def.MaxGlobal
	}
	if config.MaxPerOwner <= 0 {
		config.MaxPerOwner = def.MaxPerOwner
	}
	if config.MaxQueueDepth < 0 {
		config.MaxQueueDepth = def.MaxQueueDepth
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = def.RetryAfter
	}

	c := &Controller{
		config:   config,
		perOwner: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "admission")
	return c
}

// Request asks for a slot without blocking. The returned ticket is either
// already granted or queued. A full queue fails immediately with
// *domain.AdmissionRejectedError.
func (c *Controller) Request(owner string, priority domain.Priority) (*Ticket, error) {
	t := &Ticket{
		c:     c,
		owner: owner,
		band:  priority.Band(),
		ready: make(chan struct{}),
	}

	c.mu.Lock()
	switch {
	case c.hasHeadroom(owner):
		c.grant(t)
	case c.queued >= c.config.MaxQueueDepth:
		queued := c.queued
		c.mu.Unlock()
		c.logger.Warn("admission rejected", "owner_id", owner, "queued", queued)
		return nil, &domain.AdmissionRejectedError{
			Reason:     "provisioning queue is full",
			RetryAfter: c.config.RetryAfter,
		}
	default:
		c.queues[t.band] = append(c.queues[t.band], t)
		c.queued++
	}
	stats := c.statsLocked()
	c.mu.Unlock()

	c.notify(stats)
	return t, nil
}

// Acquire is Request followed by Wait.
func (c *Controller) Acquire(ctx context.Context, owner string, priority domain.Priority) (*Slot, error) {
	t, err := c.Request(owner, priority)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// RetryAfter returns the back-off hint attached to admission rejections.
func (c *Controller) RetryAfter() time.Duration {
	return c.config.RetryAfter
}

// Stats returns current counts.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// OwnerActive returns the number of slots held by owner.
func (c *Controller) OwnerActive(owner string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perOwner[owner]
}

// hasHeadroom reports whether owner may take a slot now. Caller holds mu.
func (c *Controller) hasHeadroom(owner string) bool {
	return c.active < c.config.MaxGlobal && c.perOwner[owner] < c.config.MaxPerOwner
}

// grant gives t a slot. Caller holds mu.
func (c *Controller) grant(t *Ticket) {
	c.active++
	c.perOwner[t.owner]++
	t.slot = &Slot{c: c, owner: t.owner, grantedAt: time.Now()}
	close(t.ready)
}

// dispatch serves waiters by band, then FIFO, skipping owners at their
// ceiling. Caller holds mu.
func (c *Controller) dispatch() {
	for band := range c.queues {
		if c.active >= c.config.MaxGlobal {
			return
		}
		q := c.queues[band]
		kept := q[:0]
		for _, t := range q {
			if c.hasHeadroom(t.owner) {
				c.queued--
				c.grant(t)
				continue
			}
			kept = append(kept, t)
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		c.queues[band] = kept
	}
}

// withdraw removes a queued ticket. Caller holds mu.
func (c *Controller) withdraw(t *Ticket) bool {
	q := c.queues[t.band]
	for i, w := range q {
		if w == t {
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			c.queues[t.band] = q[:len(q)-1]
			c.queued--
			return true
		}
	}
	return false
}

func (c *Controller) release(s *Slot) {
	held := s.Held()

	c.mu.Lock()
	c.active--
	if n := c.perOwner[s.owner] - 1; n > 0 {
		c.perOwner[s.owner] = n
	} else {
		delete(c.perOwner, s.owner)
	}
	c.dispatch()
	stats := c.statsLocked()
	c.mu.Unlock()

	c.notify(stats)
	if c.onRelease != nil {
		c.onRelease(s.owner, held)
	}
}

func (c *Controller) statsLocked() Stats {
	s := Stats{Active: c.active, Queued: c.queued, Owners: len(c.perOwner)}
	for i, q := range c.queues {
		s.QueuedByBand[i] = len(q)
	}
	return s
}

func (c *Controller) notify(s Stats) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

// =============================================================================
// Ticket and Slot
// =============================================================================

// Ticket is a pending or granted request for a slot.
type Ticket struct {
	c     *Controller
	owner string
	band  int
	ready chan struct{}

	// slot is set under c.mu before ready is closed.
	slot *Slot
}

// Granted reports whether the ticket already holds a slot.
func (t *Ticket) Granted() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the ticket is granted or ctx is done. On ctx done the
// ticket is withdrawn; a grant that raced with the withdrawal is released.
func (t *Ticket) Wait(ctx context.Context) (*Slot, error) {
	select {
	case <-t.ready:
		return t.slot, nil
	case <-ctx.Done():
	}

	t.Cancel()
	return nil, ctx.Err()
}

// Cancel withdraws a queued ticket or releases a granted one.
func (t *Ticket) Cancel() {
	c := t.c
	c.mu.Lock()
	if c.withdraw(t) {
		stats := c.statsLocked()
		c.mu.Unlock()
		c.notify(stats)
		return
	}
	slot := t.slot
	c.mu.Unlock()

	if slot != nil {
		slot.Release()
	}
}

// Slot is one unit of provisioning concurrency.
type Slot struct {
	c         *Controller
	owner     string
	grantedAt time.Time
	once      sync.Once
}

// Owner returns the owner the slot is counted against.
func (s *Slot) Owner() string {
	return s.owner
}

// Held returns how long the slot has been held.
func (s *Slot) Held() time.Duration {
	return time.Since(s.grantedAt)
}

// Release returns the slot. Calls after the first are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.c.release(s)
	})
}
