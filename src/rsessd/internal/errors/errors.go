// Package errors defines typed errors shared across rsessd packages.
package errors

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
)

// New is a convenience passthrough to the standard library.
func New(text string) error {
	return errors.New(text)
}

// UUIDNotFoundError indicates that no session exists for the given UUID.
type UUIDNotFoundError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (n *UUIDNotFoundError) Error() string {
	return fmt.Sprintf("no session found for UUID %q", n.UUID)
}

// OperationInProgressError indicates that the slot for an operation kind is
// already occupied by a running operation.
type OperationInProgressError struct {
	Kind string
}

// Error is an implementation of the error interface.
func (n *OperationInProgressError) Error() string {
	return fmt.Sprintf("a %s operation is already running", n.Kind)
}

// LaunchError indicates that an external process could not be started. It is
// always a precondition failure: no process ever ran.
type LaunchError struct {
	Command string
	Reason  string
}

// Error is an implementation of the error interface.
func (n *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %s", n.Command, n.Reason)
}
