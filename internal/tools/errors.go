// Package tools provides the tool catalog and validation framework.
//
// This file defines sentinel error types for the tool layer. Every
// kind is recoverable: the loop folds them back to the planner as
// tool-result observations instead of failing the turn.
package tools

import "fmt"

// ErrToolNotFound is returned when a tool call names a tool that is not
// present in the catalog.
type ErrToolNotFound struct {
	Tool string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Tool)
}

// ErrValidation is returned when tool arguments violate the tool's
// schema (missing required field, wrong type).
type ErrValidation struct {
	Tool   string
	Reason string
}

// Error implements the error interface.
func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.Tool, e.Reason)
}

// ErrLoginRequired is returned when a guest session requests an
// authenticated-only tool. The call is never dispatched.
type ErrLoginRequired struct {
	Tool string
}

// Error implements the error interface.
func (e *ErrLoginRequired) Error() string {
	return fmt.Sprintf("login required: %q acts on a user's records and needs an authenticated session", e.Tool)
}

// ErrToolFailed is returned when the tool ran and reported a failure of
// its own (bad input, missing record). Deterministic: repeating the same
// call yields the same answer, so the loop never retries it.
type ErrToolFailed struct {
	Tool string
	Msg  string
}

// Error implements the error interface.
func (e *ErrToolFailed) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Msg)
}

// ErrToolUnavailable is returned when dispatch to the tool server fails
// at the transport level (timeout, connection failure). The loop retries
// once before surfacing it.
type ErrToolUnavailable struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is unavailable: %v", e.Tool, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *ErrToolUnavailable) Unwrap() error {
	return e.Err
}
