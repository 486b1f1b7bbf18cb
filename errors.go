package standby

import (
	"errors"
	"fmt"
)

// Common errors returned by the standby engine.
var (
	// ErrStoreClosed is returned when operating on a closed local store.
	ErrStoreClosed = errors.New("local store is closed")

	// ErrConnClosed is returned when operating on a closed connection.
	ErrConnClosed = errors.New("connection is closed")

	// ErrUnknownTable is returned when a statement targets a table with no
	// configured TableSpec.
	ErrUnknownTable = errors.New("table has no replication descriptor")

	// ErrRemoteUnavailable is returned by operations that require the remote
	// store while it is unreachable.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrManagerClosed is returned when acquiring a connection after Close.
	ErrManagerClosed = errors.New("manager is closed")

	// ErrStatement is returned when a statement cannot be translated.
	ErrStatement = errors.New("untranslatable statement")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ReconcileError is returned when a reconciliation phase fails as a whole.
// Per-entry and per-row failures never produce a ReconcileError; they are
// logged and skipped. Supports Unwrap().
type ReconcileError struct {
	Phase string // "push" or "pull"
	Table string
	Err   error
}

func (e *ReconcileError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("reconcile: %s %s: %v", e.Phase, e.Table, e.Err)
	}
	return fmt.Sprintf("reconcile: %s: %v", e.Phase, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }
