package domain

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Priority
// =============================================================================

// Priority selects the admission queue band a deployment waits in.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityBands is the number of admission queue bands.
const PriorityBands = 4

// Band returns the queue index for the priority, 0 being served first.
// Unknown priorities are served as normal.
func (p Priority) Band() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority converts a string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(s)) {
	case "":
		return PriorityNormal, nil
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(strings.ToLower(s)), nil
	}
	return "", &ValidationError{Reason: fmt.Sprintf("unknown priority %q", s), Location: "priority"}
}

// =============================================================================
// Deployment Config
// =============================================================================

// FileEntry is a single submitted or generated file.
type FileEntry struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// DeploymentConfig holds the inputs of a deployment. It is copied on creation
// and never mutated afterwards.
type DeploymentConfig struct {
	Files    []FileEntry       `json:"files"`
	Env      map[string]string `json:"env,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	Port     int               `json:"port,omitempty"`
	Priority Priority          `json:"priority,omitempty"`
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks paths, port, timeout and environment keys.
func (c DeploymentConfig) Validate() error {
	if len(c.Files) == 0 {
		return &ValidationError{Reason: "at least one file is required", Location: "files"}
	}

	seen := make(map[string]struct{}, len(c.Files))
	for i, f := range c.Files {
		loc := fmt.Sprintf("files[%d]", i)
		clean, err := CleanPath(f.Path)
		if err != nil {
			return &ValidationError{Reason: err.Error(), Location: loc}
		}
		if _, dup := seen[clean]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate path %q", clean), Location: loc}
		}
		seen[clean] = struct{}{}
	}

	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Reason: fmt.Sprintf("port %d out of range", c.Port), Location: "port"}
	}
	if c.Timeout < 0 {
		return &ValidationError{Reason: "timeout must not be negative", Location: "timeout"}
	}
	for k := range c.Env {
		if !envKeyPattern.MatchString(k) {
			return &ValidationError{Reason: fmt.Sprintf("invalid environment variable name %q", k), Location: "env"}
		}
	}
	if _, err := ParsePriority(string(c.Priority)); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c DeploymentConfig) Clone() DeploymentConfig {
	out := c
	if c.Files != nil {
		out.Files = make([]FileEntry, len(c.Files))
		copy(out.Files, c.Files)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// File returns the entry at the given path, if present.
func (c DeploymentConfig) File(p string) (FileEntry, bool) {
	for _, f := range c.Files {
		if f.Path == p {
			return f, true
		}
	}
	return FileEntry{}, false
}

// CleanPath normalizes a relative file path and rejects anything that could
// escape the application directory.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the application directory", p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("path %q names no file", p)
	}
	return clean, nil
}
