// Package orchestration implements the workflow orchestrator core: the node
// catalog, the template store with similarity retrieval, the permission
// manager, and the Designer, Executor, and Optimizer stages that turn a
// natural-language question into an executed DAG of capability invocations.
package orchestration

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures. Every error that crosses a stage
// boundary carries exactly one kind so the session loop and the Optimizer
// can route on it without string matching.
type Kind string

const (
	// KindInvalidDescriptor marks catalog load failures. Startup-fatal.
	KindInvalidDescriptor Kind = "invalid_descriptor"

	// KindDesignFailed marks a Designer that exhausted its attempts.
	KindDesignFailed Kind = "design_failed"

	// KindInvalidInput marks binding resolution or Prepare failures.
	KindInvalidInput Kind = "invalid_input"

	// KindCapabilityTransient marks a retryable Run failure. Promoted to
	// KindCapabilityFailed when the attempt budget runs out.
	KindCapabilityTransient Kind = "capability_transient"

	// KindCapabilityFailed marks a permanent Run or Commit failure.
	KindCapabilityFailed Kind = "capability_failed"

	// KindPermissionDenied marks an explicit user denial.
	KindPermissionDenied Kind = "permission_denied"

	// KindPermissionExpired marks a permission request that timed out.
	KindPermissionExpired Kind = "permission_expired"

	// KindUserCancelled marks a pending user question resolved by teardown.
	KindUserCancelled Kind = "user_cancelled"

	// KindSessionCancelled marks an execution unwound by session
	// cancellation (transport close, explicit cancel, deadline).
	KindSessionCancelled Kind = "session_cancelled"

	// KindStoreIO marks template store read/write failures. Logged,
	// never aborts a session.
	KindStoreIO Kind = "store_io"
)

// Error is the structured error carried between orchestration stages.
// Step is the workflow step name when the failure is step-scoped.
type Error struct {
	Op      string
	Kind    Kind
	Step    string
	Message string
	Err     error
}

// Error returns the string representation.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		if e.Step != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Step, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a kind-classified orchestration error.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// StepError creates a step-scoped orchestration error.
func StepError(op string, kind Kind, step string, err error) *Error {
	return &Error{Op: op, Kind: kind, Step: step, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors map to
// KindCapabilityFailed so callers always get a routable answer.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindCapabilityFailed
}

// IsTransient reports whether the error is worth retrying at the step level.
func IsTransient(err error) bool {
	return KindOf(err) == KindCapabilityTransient
}

// IsTerminal reports whether the error ends the run for the whole session
// rather than a single step: cancellations and exhausted designs.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindSessionCancelled, KindUserCancelled, KindDesignFailed:
		return true
	}
	return false
}

// IsPermissionOutcome reports whether the error came from the permission
// gate. The Optimizer records usage without a success-rate penalty for
// these.
func IsPermissionOutcome(err error) bool {
	switch KindOf(err) {
	case KindPermissionDenied, KindPermissionExpired:
		return true
	}
	return false
}
