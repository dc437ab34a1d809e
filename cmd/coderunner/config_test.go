package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/coderunner.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, 10, cfg.Admission.MaxGlobal)
	assert.Equal(t, 2, cfg.Admission.MaxPerOwner)
	assert.Equal(t, 10*time.Second, cfg.Admission.RetryAfter)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.CooldownPeriod)
	assert.Equal(t, 3000, cfg.Orchestrator.DefaultPort)
	assert.Equal(t, "/health", cfg.Orchestrator.HealthCheckPath)
	assert.Equal(t, time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, "node:20-slim", cfg.Sandbox.Image)
	assert.Equal(t, "/app", cfg.Sandbox.WorkDir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "coderunner", cfg.Metrics.Namespace)
	assert.Empty(t, cfg.Auth.SharedSecret)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  read_timeout: 60s
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

admission:
  max_global: 4
  max_per_owner: 1
  retry_after: 3s

breaker:
  failure_threshold: 5
  cooldown: 1m

orchestrator:
  step_timeout: 90s
  max_retries: 0

sandbox:
  memory_mb: 1024
  images:
    node: node:22-slim
    python: python:3.13-slim
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, 4, cfg.Admission.MaxGlobal)
	assert.Equal(t, 1, cfg.Admission.MaxPerOwner)
	assert.Equal(t, 3*time.Second, cfg.Admission.RetryAfter)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.CooldownPeriod)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, 0, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, int64(1024), cfg.Sandbox.MemoryMB)
	assert.Equal(t, "node:22-slim", cfg.Sandbox.Images["node"])
	assert.Equal(t, "python:3.13-slim", cfg.Sandbox.Images["python"])
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("CODERUNNER_SERVER_HOST", "192.168.1.1")
	t.Setenv("CODERUNNER_SERVER_PORT", "3000")
	t.Setenv("CODERUNNER_DATABASE_DSN", "/custom/path.db")
	t.Setenv("CODERUNNER_LOG_LEVEL", "warn")
	t.Setenv("CODERUNNER_LOG_FORMAT", "text")
	t.Setenv("CODERUNNER_AUTH_SHARED_SECRET", "s3cret")
	t.Setenv("CODERUNNER_ADMISSION_MAX_PER_OWNER", "5")
	t.Setenv("CODERUNNER_RECONCILER_STALE_AFTER", "5m")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "s3cret", cfg.Auth.SharedSecret)
	assert.Equal(t, 5, cfg.Admission.MaxPerOwner)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.StaleAfter)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port out of range", "CODERUNNER_SERVER_PORT", "70000"},
		{"unknown log format", "CODERUNNER_LOG_FORMAT", "xml"},
		{"zero global ceiling", "CODERUNNER_ADMISSION_MAX_GLOBAL", "0"},
		{"zero owner ceiling", "CODERUNNER_ADMISSION_MAX_PER_OWNER", "0"},
		{"stale threshold inside workflow lifetime", "CODERUNNER_RECONCILER_STALE_AFTER", "5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9090", ServerConfig{Host: "127.0.0.1", Port: 9090}.Address())
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level  string
		format string
	}{
		{"info", "json"},
		{"info", "text"},
		{"debug", "json"},
		{"warn", "json"},
		{"error", "text"},
		{"invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.level+"_"+tt.format, func(t *testing.T) {
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level, Format: tt.format}})
			assert.NotNil(t, logger)
		})
	}
}

// =============================================================================
// Server Error Tests
// =============================================================================

func TestServerError(t *testing.T) {
	inner := os.ErrNotExist
	err := &ServerError{Op: "open_database", Err: inner, ExitCode: ExitDatabaseError}

	assert.Equal(t, "open_database: file does not exist", err.Error())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CODERUNNER_") {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}
