// Package orchestrator drives a deployment from submitted files to a running,
// health-checked sandbox.
//
// Submit runs the cheap synchronous steps (analysis, generation, admission
// request) and hands the rest to a workflow goroutine. Every status change is
// persisted before the next step starts. A failing workflow tears its sandbox
// down and releases its admission slot before the failure is persisted.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/appspec"
	"github.com/Jackwwg83/coderunner2-sub002/internal/core/detect"
	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/admission"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/breaker"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// Hooks observe workflow progress. They run on the workflow goroutine.
type Hooks struct {
	// OnTransition fires after a status change has been persisted.
	OnTransition func(from, to domain.DeploymentStatus)

	// OnFinished fires when a workflow goroutine ends, with the final record.
	OnFinished func(d *domain.Deployment, elapsed time.Duration)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProber replaces the HTTP health prober.
func WithProber(p Prober) Option {
	return func(o *Orchestrator) {
		o.prober = p
	}
}

// WithHooks registers progress hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs deployment workflows.
type Orchestrator struct {
	config    Config
	provider  sandbox.Client
	store     store.Store
	breaker   *breaker.Breaker
	admission *admission.Controller
	prober    Prober
	hooks     Hooks
	logger    *slog.Logger

	sem        chan struct{}
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu        sync.Mutex
	workflows map[string]*workflow
	closed    bool
}

// workflow is the registry entry of one running workflow goroutine.
type workflow struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New creates an Orchestrator. Zero config values take their defaults.
func New(
	config Config,
	provider sandbox.Client,
	s store.Store,
	b *breaker.Breaker,
	ac *admission.Controller,
	opts ...Option,
) *Orchestrator {
	config = config.withDefaults()

	o := &Orchestrator{
		config:    config,
		provider:  provider,
		store:     s,
		breaker:   b,
		admission: ac,
		sem:       make(chan struct{}, config.MaxWorkflows),
		workflows: make(map[string]*workflow),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prober == nil {
		o.prober = NewHTTPProber(5 * time.Second)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	o.baseCtx, o.baseCancel = context.WithCancelCause(context.Background())
	return o
}

// =============================================================================
// Submit
// =============================================================================

// Submit validates the request, persists a pending deployment, analyzes it and
// generates code for spec projects, then requests admission and starts the
// workflow.
//
// Invalid requests that never became a deployment return a ValidationError and
// a nil deployment. Failures after the deployment exists (an invalid spec, a
// full admission queue) are persisted as Failed and returned together with the
// failed record.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Deployment, error) {
	return o.submit(ctx, req, "")
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest, retryOf string) (*domain.Deployment, error) {
	if o.isClosed() {
		return nil, ErrShuttingDown
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}

	d, err := domain.NewDeployment(req.OwnerID, req.config())
	if err != nil {
		return nil, err
	}
	d.RetryOf = retryOf
	log := o.logger.With("deployment_id", d.ID, "owner_id", d.OwnerID)

	if err := o.persist(ctx, d, ""); err != nil {
		return nil, err
	}

	files, plan, err := o.prepare(ctx, d, log)
	if err != nil {
		o.failSync(ctx, d, err, log)
		return d.Clone(), err
	}

	ticket, err := o.admission.Request(d.OwnerID, d.Config.Priority)
	if err != nil {
		o.failSync(ctx, d, err, log)
		return d.Clone(), err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		ticket.Cancel()
		o.failSync(ctx, d, ErrShuttingDown, log)
		return d.Clone(), ErrShuttingDown
	}
	wctx, cancel := context.WithCancelCause(o.baseCtx)
	wf := &workflow{cancel: cancel, done: make(chan struct{})}
	o.workflows[d.ID] = wf
	o.wg.Add(1)
	o.mu.Unlock()

	snapshot := d.Clone()
	go o.run(wctx, wf, d, ticket, files, plan, log)

	log.Info("deployment submitted",
		"status", snapshot.Status,
		"kind", snapshot.ProjectKind,
		"framework", snapshot.Framework,
		"priority", snapshot.Config.Priority,
		"queued", !ticket.Granted(),
	)
	return snapshot, nil
}

// prepare runs Analyzing and, for spec projects, Generating. It returns the
// file set to upload and how to start it.
func (o *Orchestrator) prepare(ctx context.Context, d *domain.Deployment, log *slog.Logger) ([]domain.FileEntry, startPlan, error) {
	if err := o.advance(ctx, d, domain.StatusAnalyzing); err != nil {
		return nil, startPlan{}, err
	}

	result := detect.Classify(d.Config.Files)
	d.ProjectKind = result.Kind
	d.Framework = result.Framework
	if err := o.persist(ctx, d, d.Status); err != nil {
		return nil, startPlan{}, err
	}
	log.Debug("project classified", "kind", result.Kind, "framework", result.Framework, "evidence", result.Evidence)

	files := d.Config.Files
	if result.Kind == domain.KindSpec {
		if err := o.advance(ctx, d, domain.StatusGenerating); err != nil {
			return nil, startPlan{}, err
		}

		source, ok := fileAt(d.Config.Files, result.SpecPath)
		if !ok {
			return nil, startPlan{}, &domain.InternalError{Op: "generate", Err: fmt.Errorf("spec file %s vanished", result.SpecPath)}
		}
		generated, err := appspec.Generate(source.Content)
		if err != nil {
			return nil, startPlan{}, err
		}
		for _, w := range generated.Warnings {
			log.Warn("spec warning", "location", w.Location, "message", w.Message)
		}
		files = appspec.Merge(generated.Files, d.Config.Files)
	}

	port := o.port(d)
	files = appspec.Merge([]domain.FileEntry{envFile(o.commandEnv(d))}, files)

	plan, err := planFor(d.ProjectKind, d.Framework, files, port)
	if err != nil {
		return nil, startPlan{}, err
	}
	return files, plan, nil
}

// failSync records a failure that happened before any sandbox existed.
func (o *Orchestrator) failSync(ctx context.Context, d *domain.Deployment, err error, log *slog.Logger) {
	cause := classify(err, d.Status)
	from := d.Status
	if ferr := d.Fail(cause); ferr != nil {
		log.Error("cannot record failure", "status", from, "error", ferr)
		return
	}
	if perr := o.persist(ctx, d, from); perr != nil {
		log.Error("failed to persist failure", "error", perr)
	}
	log.Warn("deployment rejected", "step", from, "kind", cause.Kind, "error", err)
	if o.hooks.OnFinished != nil {
		o.hooks.OnFinished(d.Clone(), 0)
	}
}

// =============================================================================
// Persistence
// =============================================================================

// advance moves d to the next status and persists it.
func (o *Orchestrator) advance(ctx context.Context, d *domain.Deployment, to domain.DeploymentStatus) error {
	from := d.Status
	if err := d.Transition(to); err != nil {
		return &domain.InternalError{Op: "transition", Err: err}
	}
	return o.persist(ctx, d, from)
}

// persist writes d. Writes are detached from cancellation so a cancelled
// workflow can still record its outcome.
func (o *Orchestrator) persist(ctx context.Context, d *domain.Deployment, from domain.DeploymentStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer cancel()

	if err := o.store.Upsert(ctx, d); err != nil {
		return fmt.Errorf("persist %s: %w", d.Status, err)
	}
	if from != d.Status && o.hooks.OnTransition != nil {
		o.hooks.OnTransition(from, d.Status)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) port(d *domain.Deployment) int {
	if d.Config.Port > 0 {
		return d.Config.Port
	}
	return o.config.DefaultPort
}

// commandEnv is the environment every sandbox process receives.
func (o *Orchestrator) commandEnv(d *domain.Deployment) map[string]string {
	env := make(map[string]string, len(d.Config.Env)+1)
	for k, v := range d.Config.Env {
		env[k] = v
	}
	env["PORT"] = fmt.Sprint(o.port(d))
	return env
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func fileAt(files []domain.FileEntry, p string) (domain.FileEntry, bool) {
	for _, f := range files {
		if clean, err := domain.CleanPath(f.Path); err == nil && clean == p {
			return f, true
		}
	}
	return domain.FileEntry{}, false
}
