package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the automation packages.
var (
	ErrNotFound          = errors.New("not found")
	ErrNotOwner          = errors.New("not owned by requesting user")
	ErrNotPending        = errors.New("not pending")
	ErrApprovalExpired   = errors.New("approval has expired")
	ErrTerminal          = errors.New("already in a terminal status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPolicyInactive    = errors.New("policy is not active")
	ErrInvalidDecision   = errors.New("decision must be approve or reject")
)

// ConfigurationError reports a missing or malformed policy. Not retryable.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Msg)
}

// CollaboratorError wraps a failure of an external collaborator (snapshot
// source, transaction builder, signer).
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *CollaboratorError) Unwrap() error { return e.Err }

// PersistenceError wraps a record store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist wraps err as a PersistenceError, passing nil through.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
