package orchestrator

import "time"

// Config holds the budgets and limits of the deployment workflow.
type Config struct {
	// DefaultPort is used when a deployment does not set one.
	// Default: 3000.
	DefaultPort int `mapstructure:"default_port"`

	// StepTimeout bounds one provider step including its retries.
	// Default: 2 minutes.
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// WorkflowTimeout is the aggregate budget when a deployment sets none.
	// Default: 10 minutes.
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout"`

	// MaxWorkflowTimeout caps the budget a deployment may request. It must stay
	// below the reconciler's stale threshold.
	// Default: WorkflowTimeout.
	MaxWorkflowTimeout time.Duration `mapstructure:"max_workflow_timeout"`

	// AdmissionTimeout bounds the wait for a provisioning slot.
	// Default: 2 minutes.
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`

	// CleanupTimeout bounds teardown, which runs detached from the workflow.
	// Default: 1 minute.
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`

	// StoreTimeout bounds each persistence write.
	// Default: 5 seconds.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	// MaxRetries is the number of retries after a transient provider failure.
	// Default: 3.
	MaxRetries int `mapstructure:"max_retries"`

	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`

	// HealthCheckAttempts is the number of probes before giving up.
	// Default: 10.
	HealthCheckAttempts int `mapstructure:"health_check_attempts"`

	// HealthCheckInterval is the initial delay between probes; it grows
	// exponentially.
	// Default: 2 seconds.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	// HealthCheckPath is appended to the public endpoint when probing.
	// Default: "/health".
	HealthCheckPath string `mapstructure:"health_check_path"`

	// MaxWorkflows bounds concurrently running workflow goroutines.
	// Default: 64.
	MaxWorkflows int `mapstructure:"max_workflows"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultPort:          3000,
		StepTimeout:          2 * time.Minute,
		WorkflowTimeout:      10 * time.Minute,
		AdmissionTimeout:     2 * time.Minute,
		CleanupTimeout:       time.Minute,
		StoreTimeout:         5 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		HealthCheckAttempts:  10,
		HealthCheckInterval:  2 * time.Second,
		HealthCheckPath:      "/health",
		MaxWorkflows:         64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultPort <= 0 {
		c.DefaultPort = def.DefaultPort
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = def.WorkflowTimeout
	}
	if c.MaxWorkflowTimeout < c.WorkflowTimeout {
		c.MaxWorkflowTimeout = c.WorkflowTimeout
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = def.AdmissionTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = def.CleanupTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = def.RetryMaxInterval
	}
	if c.HealthCheckAttempts <= 0 {
		c.HealthCheckAttempts = def.HealthCheckAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = def.HealthCheckPath
	}
	if c.MaxWorkflows <= 0 {
		c.MaxWorkflows = def.MaxWorkflows
	}
	return c
}

// LongestWorkflow is the most time a workflow can own a deployment without
// persisting a change: the largest budget plus the detached teardown.
func (c Config) LongestWorkflow() time.Duration {
	c = c.withDefaults()
	return c.MaxWorkflowTimeout + c.CleanupTimeout
}
