package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/admission"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
)

// Breaker circuit names, one per provider operation.
const (
	OpCreate         = "sandbox.create"
	OpWriteFiles     = "sandbox.write_files"
	OpRunCommand     = "sandbox.run_command"
	OpPublicEndpoint = "sandbox.public_endpoint"
	OpDestroy        = "sandbox.destroy"
)

// =============================================================================
// Workflow Resources
// =============================================================================

// workflowResources owns what a workflow acquires. Each resource is given back
// at most once, whichever path ends the workflow.
type workflowResources struct {
	o      *Orchestrator
	d      *domain.Deployment
	ticket *admission.Ticket
	handle sandbox.Handle

	teardownOnce sync.Once
	releaseOnce  sync.Once
}

// teardown destroys the sandbox, if one was created.
func (r *workflowResources) teardown(ctx context.Context) error {
	var err error
	r.teardownOnce.Do(func() {
		if r.handle == "" {
			return
		}
		err = r.o.destroySandbox(ctx, r.d.Status, r.handle)
	})
	return err
}

// release returns the admission slot or withdraws the queued ticket.
func (r *workflowResources) release() {
	r.releaseOnce.Do(func() {
		if r.ticket != nil {
			r.ticket.Cancel()
		}
	})
}

// =============================================================================
// Workflow
// =============================================================================

func (o *Orchestrator) run(
	ctx context.Context,
	wf *workflow,
	d *domain.Deployment,
	ticket *admission.Ticket,
	files []domain.FileEntry,
	plan startPlan,
	log *slog.Logger,
) {
	started := time.Now()
	defer o.wg.Done()
	defer o.unregister(d.ID, wf)

	res := &workflowResources{o: o, d: d, ticket: ticket}

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.fail(ctx, res, context.Cause(ctx), log)
		o.finished(d, started)
		return
	}

	budget := d.Config.Timeout
	if budget <= 0 {
		budget = o.config.WorkflowTimeout
	}
	budget = min(budget, o.config.MaxWorkflowTimeout)
	timeout := &domain.TimeoutError{Step: "workflow", Budget: budget}
	ctx, cancel := context.WithTimeoutCause(ctx, budget, timeout)
	defer cancel()

	// Provider calls run on work, which carries the deadline but not Cancel or
	// Shutdown. A call that allocated a sandbox must return its handle so the
	// failure path can destroy it.
	deadline, _ := ctx.Deadline()
	work, cancelWork := context.WithDeadlineCause(context.WithoutCancel(ctx), deadline, timeout)
	defer cancelWork()

	if err := o.execute(ctx, work, res, files, plan, log); err != nil {
		o.fail(ctx, res, err, log)
	} else {
		res.release()
		log.Info("deployment running", "endpoint", d.Endpoint, "elapsed", time.Since(started))
	}
	o.finished(d, started)
}

func (o *Orchestrator) finished(d *domain.Deployment, started time.Time) {
	if o.hooks.OnFinished != nil {
		o.hooks.OnFinished(d.Clone(), time.Since(started))
	}
}

// execute runs every asynchronous step. ctx is checked at step boundaries;
// work is handed to the provider. It returns the first error; the caller runs
// the failure path.
func (o *Orchestrator) execute(ctx, work context.Context, res *workflowResources, files []domain.FileEntry, plan startPlan, log *slog.Logger) error {
	d := res.d
	port := o.port(d)
	env := o.commandEnv(d)

	// Admission
	waitCtx, cancelWait := context.WithTimeoutCause(ctx, o.config.AdmissionTimeout, &domain.AdmissionRejectedError{
		Reason:     fmt.Sprintf("no provisioning slot within %s", o.config.AdmissionTimeout),
		RetryAfter: o.admission.RetryAfter(),
	})
	_, err := res.ticket.Wait(waitCtx)
	cause := context.Cause(waitCtx)
	cancelWait()
	if err != nil {
		return cause
	}
	log.Debug("admission granted")

	// Provisioning
	if err := o.enter(ctx, d, domain.StatusProvisioning); err != nil {
		return err
	}
	handle, err := providerValue(work, o, domain.StatusProvisioning, OpCreate, func(ctx context.Context) (sandbox.Handle, error) {
		return o.provider.Create(ctx, sandbox.CreateRequest{
			DeploymentID: d.ID,
			OwnerID:      d.OwnerID,
			Runtime:      plan.Runtime,
			Port:         port,
			Env:          env,
		})
	})
	if err != nil {
		return interrupted(ctx, err)
	}
	res.handle = handle
	d.ProviderHandle = handle.String()
	if err := o.persist(ctx, d, d.Status); err != nil {
		return err
	}

	// Configuring
	if err := o.enter(ctx, d, domain.StatusConfiguring); err != nil {
		return err
	}
	err = o.providerCall(work, domain.StatusConfiguring, OpWriteFiles, func(ctx context.Context) error {
		return o.provider.WriteFiles(ctx, handle, files)
	})
	if err != nil {
		return interrupted(ctx, err)
	}

	// Starting
	if err := o.enter(ctx, d, domain.StatusStarting); err != nil {
		return err
	}
	if plan.Install != nil {
		if err := o.runForeground(work, handle, plan.Install, env); err != nil {
			return interrupted(ctx, err)
		}
	}
	err = o.providerCall(work, domain.StatusStarting, OpRunCommand, func(ctx context.Context) error {
		_, err := o.provider.RunCommand(ctx, handle, sandbox.Command{Cmd: plan.Run, Env: env, Background: true})
		return err
	})
	if err != nil {
		return interrupted(ctx, err)
	}

	// HealthChecking
	if err := o.enter(ctx, d, domain.StatusHealthChecking); err != nil {
		return err
	}
	endpoint, err := providerValue(work, o, domain.StatusHealthChecking, OpPublicEndpoint, func(ctx context.Context) (string, error) {
		return o.provider.PublicEndpoint(ctx, handle, port)
	})
	if err != nil {
		return interrupted(ctx, err)
	}
	if err := o.waitHealthy(ctx, work, endpoint); err != nil {
		return err
	}

	// Running
	if err := checkpoint(ctx); err != nil {
		return err
	}
	from := d.Status
	if err := d.MarkRunning(endpoint); err != nil {
		return &domain.InternalError{Op: "mark running", Err: err}
	}
	return o.persist(ctx, d, from)
}

// enter checks for cancellation, then advances to the next step.
func (o *Orchestrator) enter(ctx context.Context, d *domain.Deployment, to domain.DeploymentStatus) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	return o.advance(ctx, d, to)
}

// checkpoint returns the cancellation cause once the workflow context is done.
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// interrupted prefers a pending cancellation over the error of the step that
// was running when it arrived.
func interrupted(ctx context.Context, err error) error {
	if cause := checkpoint(ctx); cause != nil {
		return cause
	}
	return err
}

func (o *Orchestrator) runForeground(ctx context.Context, h sandbox.Handle, cmd []string, env map[string]string) error {
	result, err := providerValue(ctx, o, domain.StatusStarting, OpRunCommand, func(ctx context.Context) (*sandbox.CommandResult, error) {
		return o.provider.RunCommand(ctx, h, sandbox.Command{Cmd: cmd, Env: env})
	})
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		msg := fmt.Sprintf("%s exited with %d", strings.Join(cmd, " "), result.ExitCode)
		if tail := strings.TrimSpace(result.Stderr); tail != "" {
			msg += ": " + tail
		}
		return sandbox.NewProviderError("run_command", sandbox.ClassPermanent, h, msg, sandbox.ErrCommandFailed)
	}
	return nil
}

// waitHealthy probes endpoint with exponential backoff until it answers.
// Probes run on work; ctx is checked before each attempt.
func (o *Orchestrator) waitHealthy(ctx, work context.Context, endpoint string) error {
	url := strings.TrimRight(endpoint, "/") + o.config.HealthCheckPath

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.HealthCheckInterval
	b.MaxInterval = o.config.RetryMaxInterval

	attempts := 0
	var lastErr error
	_, err := backoff.Retry(work, func() (struct{}, error) {
		if err := checkpoint(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		lastErr = o.prober.Probe(work, url)
		return struct{}{}, lastErr
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.config.HealthCheckAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	if cause := checkpoint(ctx); cause != nil {
		return cause
	}
	if cause := checkpoint(work); cause != nil {
		return cause
	}
	return &HealthCheckError{Endpoint: url, Attempts: attempts, Err: lastErr}
}

// =============================================================================
// Provider Calls
// =============================================================================

// providerCall runs fn through the breaker under the step timeout. Transient
// provider errors are retried with exponential backoff; permanent errors and
// open circuits end the step at once.
func (o *Orchestrator) providerCall(ctx context.Context, step domain.DeploymentStatus, op string, fn func(ctx context.Context) error) error {
	budget := o.config.StepTimeout
	stepCtx, cancel := context.WithTimeoutCause(ctx, budget, &domain.TimeoutError{Step: string(step), Budget: budget})
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.RetryInitialInterval
	b.MaxInterval = o.config.RetryMaxInterval

	var lastErr error
	_, err := backoff.Retry(stepCtx, func() (struct{}, error) {
		err := o.breaker.Execute(stepCtx, op, fn)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if stepCtx.Err() != nil || !sandbox.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.config.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("retrying provider call", "op", op, "step", step, "backoff", next, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	if stepCtx.Err() != nil {
		cause := context.Cause(stepCtx)
		var timeout *domain.TimeoutError
		if errors.As(cause, &timeout) && timeout.Err == nil {
			return &domain.TimeoutError{Step: timeout.Step, Budget: timeout.Budget, Err: lastErr}
		}
		return cause
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

func providerValue[T any](ctx context.Context, o *Orchestrator, step domain.DeploymentStatus, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := o.providerCall(ctx, step, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// destroySandbox tears a sandbox down detached from the caller's cancellation.
func (o *Orchestrator) destroySandbox(ctx context.Context, step domain.DeploymentStatus, h sandbox.Handle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.CleanupTimeout)
	defer cancel()

	return o.providerCall(ctx, step, OpDestroy, func(ctx context.Context) error {
		return o.provider.Destroy(ctx, h)
	})
}

// =============================================================================
// Failure Path
// =============================================================================

// fail tears down, releases the slot and then persists Failed. A teardown
// failure is flagged for reconciliation; it never replaces the original cause.
func (o *Orchestrator) fail(ctx context.Context, res *workflowResources, err error, log *slog.Logger) {
	d := res.d
	step := d.Status
	cause := classify(err, step)

	if terr := res.teardown(ctx); terr != nil {
		d.TeardownPending = true
		log.Error("teardown failed, flagged for reconciliation", "handle", res.handle, "error", terr)
	}
	res.release()

	if ferr := d.Fail(cause); ferr != nil {
		log.Error("cannot record failure", "step", step, "error", ferr)
		return
	}
	if perr := o.persist(ctx, d, step); perr != nil {
		log.Error("failed to persist failure", "error", perr)
	}
	log.Warn("deployment failed", "step", step, "kind", cause.Kind, "error", err)
}

func (o *Orchestrator) unregister(id string, wf *workflow) {
	o.mu.Lock()
	if o.workflows[id] == wf {
		delete(o.workflows, id)
	}
	o.mu.Unlock()
	wf.cancel(nil)
	close(wf.done)
}
