package proc

import (
	"errors"
	"fmt"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/poll"
)

// ErrorKind classifies a procedure failure for exit codes and operator
// messaging.
type ErrorKind string

const (
	// ErrorKindUsage indicates the operator asked for something the
	// system cannot do in its current state (wrong state, bad flags,
	// unsupported combination).
	ErrorKindUsage ErrorKind = "usage"

	// ErrorKindValidation indicates a precondition on the target
	// deployment failed (version gates, incomplete HA, missing datasets).
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindInternal indicates an unexpected failure in the system
	// itself or a remote mutation.
	ErrorKindInternal ErrorKind = "internal"

	// ErrorKindTimeout indicates a poll budget was exhausted before the
	// observed state converged.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindClient indicates a control-plane API call failed.
	ErrorKindClient ErrorKind = "client"
)

// Error is a classified procedure error carrying the remote and polling
// context needed to diagnose an aborted upgrade.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Host is the compute host involved, if any.
	Host string `json:"host,omitempty"`

	// Command is the remote command that failed, if any.
	Command string `json:"command,omitempty"`

	// Stdout and Stderr capture remote output from a failed command.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Subsystem is the control-plane API the failure came from, for
	// client errors.
	Subsystem string `json:"subsystem,omitempty"`

	// Elapsed, Limit, and Attempts describe an exhausted poll budget,
	// for timeout errors.
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Limit    time.Duration `json:"limit,omitempty"`
	Attempts int           `json:"attempts,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Host != "" {
		msg += fmt.Sprintf(" (host=%s)", e.Host)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithHost adds host context to an error.
func (e *Error) WithHost(hostID string) *Error {
	e.Host = hostID
	return e
}

// WithCommand adds the failed remote command and its captured output.
func (e *Error) WithCommand(cmd, stdout, stderr string) *Error {
	e.Command = cmd
	e.Stdout = stdout
	e.Stderr = stderr
	return e
}

// NewUsageError creates an operator-usage error.
func NewUsageError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrorKindUsage, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError creates a precondition-failure error.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError creates an unexpected-failure error wrapping err.
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: ErrorKindInternal, Message: message, Err: err}
}

// NewTimeoutError creates a poll-budget-exhausted error wrapping err.
func NewTimeoutError(message string, err error) *Error {
	e := &Error{Kind: ErrorKindTimeout, Message: message, Err: err}
	var te *poll.TimeoutError
	if errors.As(err, &te) {
		e.Elapsed = te.Elapsed
		e.Limit = te.Limit
		e.Attempts = te.Attempts
	}
	return e
}

// NewClientError creates a control-plane API error wrapping err.
func NewClientError(message string, err error) *Error {
	e := &Error{Kind: ErrorKindClient, Message: message, Err: err}
	var ce *platform.ClientError
	if errors.As(err, &ce) {
		e.Subsystem = string(ce.Subsystem)
	}
	return e
}

// Classify wraps an arbitrary error into a classified Error. Already
// classified errors pass through; poll timeouts and control-plane client
// errors map to their kinds; everything else is internal.
func Classify(message string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return NewTimeoutError(message, err)
	}
	var ce *platform.ClientError
	if errors.As(err, &ce) {
		return NewClientError(message, err)
	}
	return NewInternalError(message, err)
}

// KindOf returns the classification of err, internal when unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return ErrorKindTimeout
	}
	var ce *platform.ClientError
	if errors.As(err, &ce) {
		return ErrorKindClient
	}
	return ErrorKindInternal
}

// IsUsage returns true if the error is classified as a usage error.
func IsUsage(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindUsage
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindValidation
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindInternal
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrorKindTimeout
}

// IsClient returns true if the error is classified as a client error.
func IsClient(err error) bool {
	return KindOf(err) == ErrorKindClient
}
