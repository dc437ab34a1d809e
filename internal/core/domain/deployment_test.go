package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() DeploymentConfig {
	return DeploymentConfig{
		Files: []FileEntry{
			{Path: "package.json", Content: `{"name":"app"}`},
			{Path: "index.js", Content: "console.log('hi')"},
		},
		Env: map[string]string{"NODE_ENV": "production"},
	}
}

// =============================================================================
// Deployment Creation Tests
// =============================================================================

func TestNewDeployment_ValidInput(t *testing.T) {
	d, err := NewDeployment("owner-1", validConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "owner-1", d.OwnerID)
	assert.Equal(t, StatusPending, d.Status)
	assert.Empty(t, d.Endpoint)
	assert.Nil(t, d.Error)
	assert.NotZero(t, d.CreatedAt)
}

func TestNewDeployment_MissingOwner(t *testing.T) {
	_, err := NewDeployment("", validConfig())
	assert.ErrorIs(t, err, ErrOwnerRequired)
}

func TestNewDeployment_ConfigIsCopied(t *testing.T) {
	cfg := validConfig()
	d, err := NewDeployment("owner-1", cfg)
	require.NoError(t, err)

	cfg.Files[0].Content = "mutated"
	cfg.Env["NODE_ENV"] = "mutated"

	assert.Equal(t, `{"name":"app"}`, d.Config.Files[0].Content)
	assert.Equal(t, "production", d.Config.Env["NODE_ENV"])
}

func TestNewDeployment_InvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Files = append(cfg.Files, FileEntry{Path: "index.js"})

	_, err := NewDeployment("owner-1", cfg)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "files[2]", verr.Location)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestDeploymentConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *DeploymentConfig)
		loc    string
	}{
		{"no files", func(c *DeploymentConfig) { c.Files = nil }, "files"},
		{"absolute path", func(c *DeploymentConfig) { c.Files[0].Path = "/etc/passwd" }, "files[0]"},
		{"parent traversal", func(c *DeploymentConfig) { c.Files[1].Path = "src/../../x" }, "files[1]"},
		{"empty path", func(c *DeploymentConfig) { c.Files[0].Path = " " }, "files[0]"},
		{"equivalent duplicate", func(c *DeploymentConfig) { c.Files[1].Path = "./package.json" }, "files[1]"},
		{"port out of range", func(c *DeploymentConfig) { c.Port = 70000 }, "port"},
		{"negative timeout", func(c *DeploymentConfig) { c.Timeout = -1 }, "timeout"},
		{"bad env key", func(c *DeploymentConfig) { c.Env["1BAD"] = "x" }, "env"},
		{"bad priority", func(c *DeploymentConfig) { c.Priority = "urgent" }, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.loc, verr.Location)
			assert.Equal(t, ErrorKindValidation, verr.Kind())
		})
	}
}

func TestPriority_Band(t *testing.T) {
	assert.Equal(t, 0, PriorityCritical.Band())
	assert.Equal(t, 1, PriorityHigh.Band())
	assert.Equal(t, 2, PriorityNormal.Band())
	assert.Equal(t, 2, Priority("").Band())
	assert.Equal(t, 3, PriorityLow.Band())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.True(t, IsValidation(err))
}

// =============================================================================
// Status Transition Tests
// =============================================================================

func TestDeployment_HappyPath(t *testing.T) {
	d, err := NewDeployment("owner-1", validConfig())
	require.NoError(t, err)

	for _, s := range []DeploymentStatus{
		StatusAnalyzing, StatusGenerating, StatusProvisioning,
		StatusConfiguring, StatusStarting, StatusHealthChecking,
	} {
		require.NoError(t, d.Transition(s), "transition to %s", s)
	}

	require.NoError(t, d.MarkRunning("http://localhost:32768"))
	assert.Equal(t, StatusRunning, d.Status)
	assert.Equal(t, "http://localhost:32768", d.Endpoint)
}

func TestDeployment_RunningRequiresEndpoint(t *testing.T) {
	d := &Deployment{Status: StatusHealthChecking}

	assert.ErrorIs(t, d.Transition(StatusRunning), ErrEndpointRequired)
	assert.ErrorIs(t, d.MarkRunning(""), ErrEndpointRequired)
	assert.Equal(t, StatusHealthChecking, d.Status)
}

func TestDeployment_EndpointClearedWhenLeavingRunning(t *testing.T) {
	d := &Deployment{Status: StatusRunning, Endpoint: "http://localhost:1"}

	require.NoError(t, d.Transition(StatusStopping))
	assert.Empty(t, d.Endpoint)
}

func TestDeployment_FailFromEveryInFlightStatus(t *testing.T) {
	for _, s := range InFlightStatuses() {
		t.Run(string(s), func(t *testing.T) {
			d := &Deployment{Status: s}
			cause := &DeploymentError{Kind: ErrorKindProviderPermanent, Message: "boom", Step: s}

			require.NoError(t, d.Fail(cause))
			assert.Equal(t, StatusFailed, d.Status)
			assert.Same(t, cause, d.Error)
		})
	}
}

func TestDeployment_FailNotAllowedFromTerminal(t *testing.T) {
	for _, s := range []DeploymentStatus{StatusRunning, StatusStopped, StatusDestroyed, StatusFailed} {
		d := &Deployment{Status: s}
		assert.ErrorIs(t, d.Fail(&DeploymentError{Kind: ErrorKindInternal}), ErrInvalidTransition, "from %s", s)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to DeploymentStatus
		ok       bool
	}{
		{StatusPending, StatusAnalyzing, true},
		{StatusAnalyzing, StatusProvisioning, true},
		{StatusAnalyzing, StatusGenerating, true},
		{StatusGenerating, StatusAnalyzing, false},
		{StatusProvisioning, StatusStarting, false},
		{StatusRunning, StatusStopping, true},
		{StatusFailed, StatusDestroying, true},
		{StatusStopped, StatusDestroying, true},
		{StatusStopped, StatusRunning, false},
		{StatusDestroyed, StatusDestroying, false},
		{DeploymentStatus("bogus"), StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestDeploymentStatus_Predicates(t *testing.T) {
	assert.True(t, StatusRunning.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusStopping.IsTerminal())
	assert.True(t, StatusHealthChecking.IsInFlight())
	assert.False(t, StatusStopping.IsInFlight())

	_, err := ParseStatus("health_checking")
	assert.NoError(t, err)
	_, err = ParseStatus("nope")
	assert.Error(t, err)
}

func TestDeployment_Clone(t *testing.T) {
	d, err := NewDeployment("owner-1", validConfig())
	require.NoError(t, err)
	d.Error = &DeploymentError{Kind: ErrorKindTimeout, Message: "slow"}

	c := d.Clone()
	c.Config.Files[0].Content = "changed"
	c.Error.Message = "changed"

	assert.Equal(t, `{"name":"app"}`, d.Config.Files[0].Content)
	assert.Equal(t, "slow", d.Error.Message)
}

func TestDeploymentError_Error(t *testing.T) {
	e := &DeploymentError{Kind: ErrorKindTimeout, Message: "create exceeded 2m", Step: StatusProvisioning}
	assert.Equal(t, "timeout during provisioning: create exceeded 2m", e.Error())
}
