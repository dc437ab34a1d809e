package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/admission"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/breaker"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/metrics"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/orchestrator"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/workers"
)

// Exit codes for different failure modes.
const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitCommandError    = 5
)

// statusRefreshInterval is how often the per-status gauge is recomputed.
const statusRefreshInterval = 30 * time.Second

// =============================================================================
// Application
// =============================================================================

// app holds the components shared by the serve and reconcile commands.
type app struct {
	config       *Config
	store        store.Store
	provider     *sandbox.DockerProvider
	metrics      *metrics.Metrics
	breaker      *breaker.Breaker
	admission    *admission.Controller
	orchestrator *orchestrator.Orchestrator
	reconciler   *workers.Reconciler
	logger       *slog.Logger
}

// newApp opens the store and the Docker provider and wires the
// orchestrator on top of them.
func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "open_database", Err: err, ExitCode: ExitDatabaseError}
	}
	logger.Info("database initialized", "dsn", cfg.Database.DSN)

	provider, err := sandbox.NewDockerProvider(cfg.Sandbox, logger)
	if err != nil {
		st.Close()
		return nil, &ServerError{Op: "create_docker_client", Err: err, ExitCode: ExitDockerError}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Ping(pingCtx); err != nil {
		provider.Close()
		st.Close()
		return nil, &ServerError{Op: "ping_docker", Err: err, ExitCode: ExitDockerError}
	}
	logger.Info("docker client initialized")

	m := metrics.New(cfg.Metrics)

	b := breaker.New(cfg.Breaker,
		breaker.WithOnStateChange(m.RecordBreakerTransition),
		breaker.WithLogger(logger),
	)
	ac := admission.New(cfg.Admission,
		admission.WithOnChange(m.SetAdmissionStats),
		admission.WithOnRelease(m.RecordSlotReleased),
		admission.WithLogger(logger),
	)
	orch := orchestrator.New(cfg.Orchestrator, provider, st, b, ac,
		orchestrator.WithHooks(orchestrator.Hooks{
			OnTransition: m.RecordTransition,
			OnFinished:   m.RecordWorkflowFinished,
		}),
		orchestrator.WithLogger(logger),
	)

	return &app{
		config:       cfg,
		store:        st,
		provider:     provider,
		metrics:      m,
		breaker:      b,
		admission:    ac,
		orchestrator: orch,
		reconciler:   workers.NewReconciler(st, orch, cfg.Reconciler, logger),
		logger:       logger,
	}, nil
}

// close drains workflows and releases clients.
func (rt *app) close(ctx context.Context) error {
	var errs []error
	if err := rt.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if err := rt.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("docker client close: %w", err))
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Server
// =============================================================================

// Server is the main application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	app        *app
	logger     *slog.Logger
}

// NewServer creates a new server with all dependencies initialized.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	rt, err := newApp(cfg, logger)
	if err != nil {
		return nil, err
	}

	var metricsHandler http.Handler
	if rt.metrics.Enabled() {
		metricsHandler = rt.metrics.Handler()
	}

	handler := api.SetupAPI(api.Config{
		Deployments: rt.orchestrator,
		Logger:      logger,
		Metrics:     metricsHandler,
		ReadyChecks: map[string]api.ReadyCheck{
			"docker": rt.provider.Ping,
			"database": func(ctx context.Context) error {
				_, err := rt.store.CountByStatus(ctx)
				return err
			},
		},
		SharedSecret:   cfg.Auth.SharedSecret,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		app:        rt,
		logger:     logger,
	}, nil
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.app.reconciler.Start()

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go s.refreshStatusCounts(refreshCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	case err, ok := <-errCh:
		if ok && err != nil {
			s.shutdown()
			return &ServerError{Op: "http_server", Err: err, ExitCode: ExitHTTPServerError}
		}
	}

	return s.shutdown()
}

// shutdown stops accepting requests, then drains workflows and closes clients.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", s.config.Server.ShutdownTimeout)

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	s.app.reconciler.Stop()
	if err := s.app.close(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		s.logger.Error("shutdown completed with errors", "errors", errs)
		return errors.Join(errs...)
	}
	s.logger.Info("server shutdown complete")
	return nil
}

func (s *Server) refreshStatusCounts(ctx context.Context) {
	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()

	for {
		counts, err := s.app.store.CountByStatus(ctx)
		if err == nil {
			s.app.metrics.SetStatusCounts(counts)
		} else if ctx.Err() == nil {
			s.logger.Warn("failed to count deployments", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Errors
// =============================================================================

// ServerError represents a server startup or runtime error.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
