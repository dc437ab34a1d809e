// Package sandbox provisions isolated application sandboxes on a container
// runtime and runs commands inside them.
package sandbox

import (
	"context"
	"time"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the narrow provider surface the orchestrator drives.
// Implementations must be safe for concurrent use.
type Client interface {
	// Create provisions a new sandbox and returns its handle.
	Create(ctx context.Context, req CreateRequest) (Handle, error)

	// WriteFiles places files relative to the sandbox work directory.
	WriteFiles(ctx context.Context, h Handle, files []domain.FileEntry) error

	// RunCommand executes a command. Background commands return as soon as
	// they are started.
	RunCommand(ctx context.Context, h Handle, cmd Command) (*CommandResult, error)

	// PublicEndpoint returns the externally reachable URL for a sandbox port.
	PublicEndpoint(ctx context.Context, h Handle, port int) (string, error)

	// Destroy removes the sandbox. Unknown or already destroyed handles
	// return nil.
	Destroy(ctx context.Context, h Handle) error
}

// =============================================================================
// Types
// =============================================================================

// Handle identifies a provisioned sandbox.
type Handle string

func (h Handle) String() string {
	return string(h)
}

// CreateRequest describes the sandbox to provision.
type CreateRequest struct {
	DeploymentID string
	OwnerID      string
	Runtime      string // key into Config.Images; empty selects the default image
	Port         int
	Env          map[string]string
}

// Command is one process to run inside a sandbox.
type Command struct {
	Cmd        []string
	Env        map[string]string
	WorkDir    string // relative to the sandbox work directory when not absolute
	Background bool
}

// CommandResult is the outcome of a foreground command. Background commands
// only report Background and Duration.
type CommandResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Background bool
}

// Succeeded reports whether a foreground command exited zero.
func (r *CommandResult) Succeeded() bool {
	return r.Background || r.ExitCode == 0
}
