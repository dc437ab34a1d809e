// Package workers runs background maintenance loops.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// Deployments is the orchestrator surface the reconciler drives.
type Deployments interface {
	// IsActive reports whether a live workflow owns the deployment.
	IsActive(id string) bool

	// ReleaseTeardown retries a teardown flagged as pending.
	ReleaseTeardown(ctx context.Context, d *domain.Deployment) error

	// Interrupt tears down and fails an orphaned in-flight deployment.
	Interrupt(ctx context.Context, d *domain.Deployment, reason string) error
}

// ReconcilerConfig configures the reconciliation worker.
type ReconcilerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
}

// DefaultReconcilerConfig returns default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:      time.Minute,
		StaleAfter:    15 * time.Minute,
		MaxConcurrent: 5,
		InitialDelay:  10 * time.Second,
		CycleTimeout:  2 * time.Minute,
	}
}

// SweepResult counts what one reconciliation pass did.
type SweepResult struct {
	TornDown        int `json:"torn_down"`
	TeardownFailed  int `json:"teardown_failed"`
	Interrupted     int `json:"interrupted"`
	InterruptFailed int `json:"interrupt_failed"`
}

// Reconciler retries pending teardowns and fails deployments whose workflow
// disappeared, for example because the process restarted mid-deployment.
type Reconciler struct {
	store       store.Store
	deployments Deployments
	config      ReconcilerConfig
	logger      *slog.Logger
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewReconciler creates a new reconciliation worker.
func NewReconciler(s store.Store, d Deployments, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	def := DefaultReconcilerConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.CycleTimeout == 0 {
		config.CycleTimeout = def.CycleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:       s,
		deployments: d,
		config:      config,
		logger:      logger.With("component", "reconciler"),
		now:         time.Now,
	}
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run()
	r.logger.Info("reconciler started", "interval", r.config.Interval, "stale_after", r.config.StaleAfter)
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	select {
	case <-r.ctx.Done():
		return
	case <-time.After(r.config.InitialDelay):
	}
	r.runCycle()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

func (r *Reconciler) runCycle() {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.CycleTimeout)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconciliation failed", "error", err)
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		result                       SweepResult
		tornDown, teardownFailed     atomic.Int64
		interrupted, interruptFailed atomic.Int64
	)

	pending, err := r.store.ListTeardownPending(ctx)
	if err != nil {
		return result, err
	}

	var stale []domain.Deployment
	cutoff := r.now().Add(-r.config.StaleAfter)
	for _, status := range domain.InFlightStatuses() {
		list, err := r.store.ListByStatus(ctx, status)
		if err != nil {
			return result, err
		}
		for _, d := range list {
			if d.UpdatedAt.Before(cutoff) && !r.deployments.IsActive(d.ID) {
				stale = append(stale, d)
			}
		}
	}

	if len(pending) == 0 && len(stale) == 0 {
		return result, nil
	}
	r.logger.Debug("reconciling", "teardown_pending", len(pending), "stale", len(stale))

	var g errgroup.Group
	g.SetLimit(r.config.MaxConcurrent)

	for i := range pending {
		d := &pending[i]
		g.Go(func() error {
			if err := r.deployments.ReleaseTeardown(ctx, d); err != nil {
				teardownFailed.Add(1)
				r.logger.Warn("teardown retry failed",
					"deployment_id", d.ID, "handle", d.ProviderHandle, "error", err)
				return nil
			}
			tornDown.Add(1)
			r.logger.Info("pending teardown completed", "deployment_id", d.ID)
			return nil
		})
	}

	for i := range stale {
		d := &stale[i]
		g.Go(func() error {
			step := d.Status
			if err := r.deployments.Interrupt(ctx, d, "workflow interrupted while "+string(step)); err != nil {
				interruptFailed.Add(1)
				r.logger.Warn("failed to interrupt orphaned deployment",
					"deployment_id", d.ID, "step", step, "error", err)
				return nil
			}
			interrupted.Add(1)
			r.logger.Info("orphaned deployment failed", "deployment_id", d.ID, "step", step)
			return nil
		})
	}

	_ = g.Wait()

	result.TornDown = int(tornDown.Load())
	result.TeardownFailed = int(teardownFailed.Load())
	result.Interrupted = int(interrupted.Load())
	result.InterruptFailed = int(interruptFailed.Load())
	return result, nil
}
