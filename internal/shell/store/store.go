package store

import (
	"context"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deployments.
type Store interface {
	// Upsert inserts or replaces a deployment and records a transition row
	// whenever its status changes.
	Upsert(ctx context.Context, d *domain.Deployment) error

	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.Deployment, error)

	ListByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Deployment, error)
	ListTeardownPending(ctx context.Context) ([]domain.Deployment, error)

	// Transition history, oldest first.
	ListTransitions(ctx context.Context, deploymentID string) ([]Transition, error)

	// CountByStatus returns the number of deployments per status.
	CountByStatus(ctx context.Context) (map[domain.DeploymentStatus]int, error)

	// Lifecycle
	Close() error
}

// Transition is one recorded status change.
type Transition struct {
	ID           int64                   `json:"id"`
	DeploymentID string                  `json:"deployment_id"`
	From         domain.DeploymentStatus `json:"from"`
	To           domain.DeploymentStatus `json:"to"`
	ErrorKind    domain.ErrorKind        `json:"error_kind,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
