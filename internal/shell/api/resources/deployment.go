// Package resources provides the JSON:API models of the deployment API.
package resources

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/manyminds/api2go/jsonapi"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// TypeDeployments is the JSON:API type of deployment resources.
const TypeDeployments = "deployments"

// =============================================================================
// Deployment JSON:API Model
// =============================================================================

// Deployment wraps domain.Deployment to implement JSON:API interfaces.
type Deployment struct {
	ID              string           `json:"-"`
	OwnerID         string           `json:"owner_id"`
	Status          string           `json:"status"`
	Endpoint        string           `json:"endpoint,omitempty"`
	ProjectKind     string           `json:"project_kind,omitempty"`
	Framework       string           `json:"framework,omitempty"`
	Port            int              `json:"port,omitempty"`
	Priority        string           `json:"priority,omitempty"`
	Timeout         string           `json:"timeout,omitempty"`
	FileCount       int              `json:"file_count"`
	EnvKeys         []string         `json:"env_keys,omitempty"`
	Error           *DeploymentError `json:"error,omitempty"`
	TeardownPending bool             `json:"teardown_pending,omitempty"`
	RetryOf         string           `json:"retry_of,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DeploymentError is the failure reported on a deployment.
type DeploymentError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Step       string `json:"step,omitempty"`
	Location   string `json:"location,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// GetID returns the deployment ID for JSON:API.
func (d Deployment) GetID() string {
	return d.ID
}

// SetID sets the deployment ID for JSON:API.
func (d *Deployment) SetID(id string) error {
	d.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (d Deployment) GetName() string {
	return TypeDeployments
}

// GetReferences returns the relationships this resource has.
func (d Deployment) GetReferences() []jsonapi.Reference {
	return []jsonapi.Reference{
		{
			Type: TypeDeployments,
			Name: "retry_of",
		},
	}
}

// GetReferencedIDs returns IDs of referenced resources.
func (d Deployment) GetReferencedIDs() []jsonapi.ReferenceID {
	if d.RetryOf == "" {
		return nil
	}
	return []jsonapi.ReferenceID{
		{
			ID:   d.RetryOf,
			Type: TypeDeployments,
			Name: "retry_of",
		},
	}
}

// DeploymentFromDomain converts a domain.Deployment to a JSON:API Deployment.
// File contents and environment values are never echoed back.
func DeploymentFromDomain(d *domain.Deployment) Deployment {
	out := Deployment{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Status:          string(d.Status),
		Endpoint:        d.Endpoint,
		ProjectKind:     string(d.ProjectKind),
		Framework:       d.Framework,
		Port:            d.Config.Port,
		Priority:        string(d.Config.Priority),
		FileCount:       len(d.Config.Files),
		TeardownPending: d.TeardownPending,
		RetryOf:         d.RetryOf,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if d.Config.Timeout > 0 {
		out.Timeout = d.Config.Timeout.String()
	}
	for k := range d.Config.Env {
		out.EnvKeys = append(out.EnvKeys, k)
	}
	sort.Strings(out.EnvKeys)
	if e := d.Error; e != nil {
		out.Error = &DeploymentError{
			Kind:       string(e.Kind),
			Message:    e.Message,
			Step:       string(e.Step),
			Location:   e.Location,
			Retryable:  e.Retryable,
			RetryAfter: RetryAfterSeconds(e.RetryAfter),
		}
	}
	return out
}

// DeploymentsFromDomain converts a list of deployments.
func DeploymentsFromDomain(list []domain.Deployment) []Deployment {
	out := make([]Deployment, 0, len(list))
	for i := range list {
		out = append(out, DeploymentFromDomain(&list[i]))
	}
	return out
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, as used by the
// Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// =============================================================================
// Deployment Request
// =============================================================================

// File is a submitted file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DeploymentRequest is the body of a deployment submission.
type DeploymentRequest struct {
	ID       string            `json:"-"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Files    []File            `json:"files"`
	Env      map[string]string `json:"env,omitempty"`
	Port     int               `json:"port,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

// GetID returns the request ID for JSON:API.
func (r DeploymentRequest) GetID() string {
	return r.ID
}

// SetID sets the request ID for JSON:API. Client-generated ids are ignored.
func (r *DeploymentRequest) SetID(id string) error {
	r.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (r DeploymentRequest) GetName() string {
	return TypeDeployments
}

// TimeoutDuration parses the optional timeout attribute. Plain numbers are
// read as seconds.
func (r DeploymentRequest) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(r.Timeout); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
	}
	return d, nil
}

// DomainFiles converts the submitted files.
func (r DeploymentRequest) DomainFiles() []domain.FileEntry {
	out := make([]domain.FileEntry, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, domain.FileEntry{Path: f.Path, Content: f.Content})
	}
	return out
}

// =============================================================================
// Transition JSON:API Model
// =============================================================================

// Transition is one entry of a deployment's status history.
type Transition struct {
	ID           string    `json:"-"`
	DeploymentID string    `json:"deployment_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetID returns the transition ID for JSON:API.
func (t Transition) GetID() string {
	return t.ID
}

// GetName returns the JSON:API resource type name.
func (t Transition) GetName() string {
	return "transitions"
}

// TransitionsFromStore converts the stored history.
func TransitionsFromStore(list []store.Transition) []Transition {
	out := make([]Transition, 0, len(list))
	for _, tr := range list {
		out = append(out, Transition{
			ID:           strconv.FormatInt(tr.ID, 10),
			DeploymentID: tr.DeploymentID,
			From:         string(tr.From),
			To:           string(tr.To),
			ErrorKind:    string(tr.ErrorKind),
			CreatedAt:    tr.CreatedAt,
		})
	}
	return out
}
