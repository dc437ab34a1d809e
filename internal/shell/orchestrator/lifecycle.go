package orchestrator

import (
	"context"
	"fmt"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// =============================================================================
// Queries
// =============================================================================

// Get returns the persisted deployment. Unknown ids return store.ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return o.store.Get(ctx, id)
}

// Transitions returns the status history of a deployment, oldest first.
func (o *Orchestrator) Transitions(ctx context.Context, id string) ([]store.Transition, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListTransitions(ctx, id)
}

// List returns the deployments of one owner, newest first.
func (o *Orchestrator) List(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Deployment, error) {
	return o.store.ListByOwner(ctx, ownerID, opts.Normalize())
}

// IsActive reports whether a workflow goroutine currently owns the deployment.
func (o *Orchestrator) IsActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.workflows[id]
	return ok
}

// Wait blocks until the workflow for id has exited. It returns at once when
// no workflow owns the deployment.
func (o *Orchestrator) Wait(id string) {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	o.mu.Unlock()
	if ok {
		<-wf.done
	}
}

// =============================================================================
// Control
// =============================================================================

// Cancel asks the workflow for id to stop. The workflow observes the request
// at its next step boundary; a provider call already in flight runs to
// completion so that any sandbox it allocated is known and torn down. The
// workflow then fails with kind cancelled.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	wf, ok := o.workflows[id]
	o.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	wf.cancel(domain.ErrCancelled)
	o.logger.Info("deployment cancel requested", "deployment_id", id)
	return nil
}

// Stop tears down the sandbox of a running or failed deployment and marks it
// stopped. A teardown failure leaves the record stopped with TeardownPending
// set for the reconciler.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	if o.IsActive(id) {
		return nil, ErrWorkflowActive
	}
	d, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := o.teardownTo(ctx, d, domain.StatusStopping, domain.StatusStopped); err != nil {
		return nil, err
	}
	return d, nil
}

// Destroy removes the sandbox and soft-deletes the record (status destroyed).
// A deployment that is still provisioning is cancelled first. Destroying an
// already destroyed deployment is a no-op.
func (o *Orchestrator) Destroy(ctx context.Context, id string) (*domain.Deployment, error) {
	if err := o.Cancel(id); err == nil {
		if err := o.waitCtx(ctx, id); err != nil {
			return nil, err
		}
	}

	d, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.StatusDestroyed {
		return d, nil
	}

	if err := o.teardownTo(ctx, d, domain.StatusDestroying, domain.StatusDestroyed); err != nil {
		return nil, err
	}
	return d, nil
}

// teardownTo runs the two-step teardown transition around a Destroy call.
func (o *Orchestrator) teardownTo(ctx context.Context, d *domain.Deployment, during, after domain.DeploymentStatus) error {
	log := o.logger.With("deployment_id", d.ID, "owner_id", d.OwnerID)

	if err := domain.ValidateTransition(d.Status, during); err != nil {
		return err
	}
	if err := o.advance(ctx, d, during); err != nil {
		return err
	}

	if d.ProviderHandle != "" {
		if err := o.destroySandbox(ctx, during, sandbox.Handle(d.ProviderHandle)); err != nil {
			d.TeardownPending = true
			log.Error("teardown failed, flagged for reconciliation", "handle", d.ProviderHandle, "error", err)
		} else {
			d.TeardownPending = false
		}
	}

	if err := o.advance(ctx, d, after); err != nil {
		return err
	}
	log.Info("deployment torn down", "status", d.Status, "teardown_pending", d.TeardownPending)
	return nil
}

// Retry submits a new deployment with the configuration of a failed one.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*domain.Deployment, error) {
	prev, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: deployment %s is %s", ErrNotRetryable, id, prev.Status)
	}

	cfg := prev.Config.Clone()
	return o.submit(ctx, SubmitRequest{
		OwnerID:  prev.OwnerID,
		Files:    cfg.Files,
		Env:      cfg.Env,
		Port:     cfg.Port,
		Timeout:  cfg.Timeout,
		Priority: cfg.Priority,
	}, prev.ID)
}

// ReleaseTeardown retries the sandbox teardown of a deployment flagged with
// TeardownPending and clears the flag on success.
func (o *Orchestrator) ReleaseTeardown(ctx context.Context, d *domain.Deployment) error {
	if !d.TeardownPending {
		return nil
	}
	if d.ProviderHandle != "" {
		if err := o.destroySandbox(ctx, d.Status, sandbox.Handle(d.ProviderHandle)); err != nil {
			return err
		}
	}
	d.TeardownPending = false
	return o.persist(ctx, d, d.Status)
}

// Interrupt fails a deployment left in an in-flight status by a workflow that
// no longer exists, tearing its sandbox down first.
func (o *Orchestrator) Interrupt(ctx context.Context, d *domain.Deployment, reason string) error {
	if o.IsActive(d.ID) {
		return ErrWorkflowActive
	}
	if !d.Status.IsInFlight() {
		return nil
	}

	log := o.logger.With("deployment_id", d.ID, "owner_id", d.OwnerID)
	res := &workflowResources{o: o, d: d, handle: sandbox.Handle(d.ProviderHandle)}
	step := d.Status

	if err := res.teardown(ctx); err != nil {
		d.TeardownPending = true
		log.Error("teardown failed, flagged for reconciliation", "handle", d.ProviderHandle, "error", err)
	}
	if err := d.Fail(&domain.DeploymentError{
		Kind:      domain.ErrorKindInterrupted,
		Message:   reason,
		Step:      step,
		Retryable: true,
	}); err != nil {
		return err
	}
	return o.persist(ctx, d, step)
}

// Shutdown stops accepting submissions, cancels running workflows and waits
// for them to finish their cleanup.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.baseCancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workflows: %w", ctx.Err())
	}
}

func (o *Orchestrator) waitCtx(ctx context.Context, id string) error {
	done := make(chan struct{})
	go func() {
		o.Wait(id)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
