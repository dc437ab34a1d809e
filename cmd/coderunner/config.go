package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/admission"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/breaker"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/metrics"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/orchestrator"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/workers"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Database     DatabaseConfig           `mapstructure:"database"`
	Log          LogConfig                `mapstructure:"log"`
	Auth         AuthConfig               `mapstructure:"auth"`
	Sandbox      sandbox.Config           `mapstructure:"sandbox"`
	Orchestrator orchestrator.Config      `mapstructure:"orchestrator"`
	Breaker      breaker.Config           `mapstructure:"breaker"`
	Admission    admission.Config         `mapstructure:"admission"`
	Reconciler   workers.ReconcilerConfig `mapstructure:"reconciler"`
	Metrics      metrics.Config           `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds gateway authentication configuration.
type AuthConfig struct {
	// SharedSecret is an optional secret the gateway sends in X-Gateway-Secret.
	// If empty, secret validation is skipped.
	SharedSecret string `mapstructure:"shared_secret"`
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Admission.MaxGlobal < 1 {
		return fmt.Errorf("admission.max_global must be at least 1")
	}
	if c.Admission.MaxPerOwner < 1 {
		return fmt.Errorf("admission.max_per_owner must be at least 1")
	}
	// A stale threshold inside a live workflow's lifetime lets the reconciler
	// fail deployments that are still being provisioned.
	if longest := c.Orchestrator.LongestWorkflow(); c.Reconciler.StaleAfter <= longest {
		return fmt.Errorf("reconciler.stale_after (%s) must exceed orchestrator.max_workflow_timeout plus cleanup_timeout (%s)",
			c.Reconciler.StaleAfter, longest)
	}
	return nil
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "45s")
	v.SetDefault("database.dsn", "./data/coderunner.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.shared_secret", "")

	sb := sandbox.DefaultConfig()
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.image", sb.Image)
	v.SetDefault("sandbox.images", sb.Images)
	v.SetDefault("sandbox.public_host", sb.PublicHost)
	v.SetDefault("sandbox.bind_address", "")
	v.SetDefault("sandbox.memory_mb", sb.MemoryMB)
	v.SetDefault("sandbox.cpus", 0)
	v.SetDefault("sandbox.workdir", sb.WorkDir)
	v.SetDefault("sandbox.name_prefix", sb.NamePrefix)

	oc := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.default_port", oc.DefaultPort)
	v.SetDefault("orchestrator.step_timeout", oc.StepTimeout)
	v.SetDefault("orchestrator.workflow_timeout", oc.WorkflowTimeout)
	v.SetDefault("orchestrator.max_workflow_timeout", oc.WorkflowTimeout)
	v.SetDefault("orchestrator.admission_timeout", oc.AdmissionTimeout)
	v.SetDefault("orchestrator.cleanup_timeout", oc.CleanupTimeout)
	v.SetDefault("orchestrator.store_timeout", oc.StoreTimeout)
	v.SetDefault("orchestrator.max_retries", oc.MaxRetries)
	v.SetDefault("orchestrator.retry_initial_interval", oc.RetryInitialInterval)
	v.SetDefault("orchestrator.retry_max_interval", oc.RetryMaxInterval)
	v.SetDefault("orchestrator.health_check_attempts", oc.HealthCheckAttempts)
	v.SetDefault("orchestrator.health_check_interval", oc.HealthCheckInterval)
	v.SetDefault("orchestrator.health_check_path", oc.HealthCheckPath)
	v.SetDefault("orchestrator.max_workflows", oc.MaxWorkflows)

	bc := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", bc.FailureThreshold)
	v.SetDefault("breaker.cooldown", bc.CooldownPeriod)
	v.SetDefault("breaker.half_open_successes", bc.HalfOpenSuccesses)

	ac := admission.DefaultConfig()
	v.SetDefault("admission.max_global", ac.MaxGlobal)
	v.SetDefault("admission.max_per_owner", ac.MaxPerOwner)
	v.SetDefault("admission.max_queue_depth", ac.MaxQueueDepth)
	v.SetDefault("admission.retry_after", ac.RetryAfter)

	rc := workers.DefaultReconcilerConfig()
	v.SetDefault("reconciler.interval", rc.Interval)
	v.SetDefault("reconciler.stale_after", rc.StaleAfter)
	v.SetDefault("reconciler.max_concurrent", rc.MaxConcurrent)
	v.SetDefault("reconciler.initial_delay", rc.InitialDelay)
	v.SetDefault("reconciler.cycle_timeout", rc.CycleTimeout)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "coderunner")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a malformed one is fatal.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CODERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
