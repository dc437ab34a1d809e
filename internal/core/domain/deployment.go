package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEndpointRequired  = errors.New("endpoint must be set before running")
	ErrOwnerRequired     = errors.New("owner is required")
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending        DeploymentStatus = "pending"
	StatusAnalyzing      DeploymentStatus = "analyzing"
	StatusGenerating     DeploymentStatus = "generating"
	StatusProvisioning   DeploymentStatus = "provisioning"
	StatusConfiguring    DeploymentStatus = "configuring"
	StatusStarting       DeploymentStatus = "starting"
	StatusHealthChecking DeploymentStatus = "health_checking"
	StatusRunning        DeploymentStatus = "running"
	StatusFailed         DeploymentStatus = "failed"
	StatusStopping       DeploymentStatus = "stopping"
	StatusStopped        DeploymentStatus = "stopped"
	StatusDestroying     DeploymentStatus = "destroying"
	StatusDestroyed      DeploymentStatus = "destroyed"
)

// IsTerminal reports whether no workflow step will advance the status further.
// Failed is terminal; only an explicit stop/destroy/retry moves past it.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case StatusRunning, StatusFailed, StatusStopped, StatusDestroyed:
		return true
	}
	return false
}

// IsInFlight reports whether the status belongs to the provisioning pipeline.
func (s DeploymentStatus) IsInFlight() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusGenerating, StatusProvisioning,
		StatusConfiguring, StatusStarting, StatusHealthChecking:
		return true
	}
	return false
}

// InFlightStatuses lists the pipeline statuses in the order a workflow visits them.
func InFlightStatuses() []DeploymentStatus {
	return []DeploymentStatus{
		StatusPending,
		StatusAnalyzing,
		StatusGenerating,
		StatusProvisioning,
		StatusConfiguring,
		StatusStarting,
		StatusHealthChecking,
	}
}

// ParseStatus converts a string to a known DeploymentStatus.
func ParseStatus(s string) (DeploymentStatus, error) {
	status := DeploymentStatus(s)
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("unknown deployment status %q", s)
	}
	return status, nil
}

// =============================================================================
// Project Kind
// =============================================================================

// ProjectKind is the classification of a submitted file set.
type ProjectKind string

const (
	KindSpec    ProjectKind = "spec"
	KindRuntime ProjectKind = "runtime"
	KindUnknown ProjectKind = "unknown"
)

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the persisted record of one provisioning workflow.
type Deployment struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	Status          DeploymentStatus `json:"status"`
	Endpoint        string           `json:"endpoint,omitempty"`
	Config          DeploymentConfig `json:"config"`
	ProjectKind     ProjectKind      `json:"project_kind,omitempty"`
	Framework       string           `json:"framework,omitempty"`
	ProviderHandle  string           `json:"provider_handle,omitempty"`
	Error           *DeploymentError `json:"error,omitempty"`
	TeardownPending bool             `json:"teardown_pending,omitempty"`
	RetryOf         string           `json:"retry_of,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewDeployment creates a pending deployment holding a private copy of cfg.
func NewDeployment(ownerID string, cfg DeploymentConfig) (*Deployment, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Status:    StatusPending,
		Config:    cfg.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.Config = d.Config.Clone()
	if d.Error != nil {
		e := *d.Error
		c.Error = &e
	}
	return &c
}

// Transition moves the deployment to a new status.
// Running must go through MarkRunning so the endpoint invariant holds.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if to == StatusRunning {
		return ErrEndpointRequired
	}
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	d.Status = to
	d.Endpoint = ""
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRunning transitions to running with the public endpoint.
func (d *Deployment) MarkRunning(endpoint string) error {
	if endpoint == "" {
		return ErrEndpointRequired
	}
	if err := ValidateTransition(d.Status, StatusRunning); err != nil {
		return err
	}

	d.Status = StatusRunning
	d.Endpoint = endpoint
	d.Error = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions to failed and records the captured error.
func (d *Deployment) Fail(cause *DeploymentError) error {
	if err := ValidateTransition(d.Status, StatusFailed); err != nil {
		return err
	}

	d.Status = StatusFailed
	d.Endpoint = ""
	d.Error = cause
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:        {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:      {StatusGenerating, StatusProvisioning, StatusFailed},
	StatusGenerating:     {StatusProvisioning, StatusFailed},
	StatusProvisioning:   {StatusConfiguring, StatusFailed},
	StatusConfiguring:    {StatusStarting, StatusFailed},
	StatusStarting:       {StatusHealthChecking, StatusFailed},
	StatusHealthChecking: {StatusRunning, StatusFailed},
	StatusRunning:        {StatusStopping, StatusDestroying},
	StatusFailed:         {StatusStopping, StatusDestroying},
	StatusStopping:       {StatusStopped},
	StatusStopped:        {StatusDestroying},
	StatusDestroying:     {StatusDestroyed},
	StatusDestroyed:      {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Persisted Error
// =============================================================================

// ErrorKind is the persisted classification of a deployment failure.
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindProviderTransient ErrorKind = "provider_transient"
	ErrorKindProviderPermanent ErrorKind = "provider_permanent"
	ErrorKindAdmissionRejected ErrorKind = "admission_rejected"
	ErrorKindCircuitOpen       ErrorKind = "circuit_open"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindHealthCheck       ErrorKind = "health_check"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindInterrupted       ErrorKind = "interrupted"
	ErrorKindInternal          ErrorKind = "internal"
)

// DeploymentError is the structured failure stored on a deployment.
type DeploymentError struct {
	Kind       ErrorKind        `json:"kind"`
	Message    string           `json:"message"`
	Step       DeploymentStatus `json:"step,omitempty"`
	Location   string           `json:"location,omitempty"`
	Retryable  bool             `json:"retryable,omitempty"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
}

func (e *DeploymentError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s during %s: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
