// Package store persists deployments and their transition history.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")

	ErrConnectionFailed = errors.New("database unavailable")
	ErrMigrationFailed  = errors.New("schema migration failed")

	// ErrInvalidData means a stored column could not be encoded or decoded.
	ErrInvalidData = errors.New("corrupt deployment record")

	ErrTxFailed = errors.New("transaction failed")
)

// StoreError describes a failed store call. Entity is "deployment" or
// "transition".
type StoreError struct {
	Op      string
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	subject := e.Op
	if e.Entity != "" {
		subject += " " + e.Entity
	}
	if e.ID != "" {
		subject += " " + e.ID
	}
	return fmt.Sprintf("store: %s: %s", subject, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
