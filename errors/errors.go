// Package errors provides standardized error handling for the lab
// coordinator. It defines the coordinator error taxonomy, classification
// helpers used to decide whether an error is surfaced to the caller or
// escalated to a safety action, and consistent wrapping helpers.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
)

// Class represents the handling classification of an error.
type Class int

const (
	// ClassRecoverable marks errors returned synchronously to the caller;
	// the caller may retry or correct its request.
	ClassRecoverable Class = iota
	// ClassInvalid marks malformed input rejected locally at parse time.
	ClassInvalid
	// ClassSafety marks errors that are never just returned: they force a
	// SAFE transition before any reply is sent.
	ClassSafety
	// ClassFatal marks unrecoverable process-level failures (configuration,
	// transport loss beyond retry).
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassInvalid:
		return "invalid"
	case ClassSafety:
		return "safety"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Coordinator error taxonomy. Kind strings are part of the wire protocol:
// they appear verbatim in the `error.kind` field of client replies.
var (
	// ErrTimeout indicates no reply arrived within the submit bound.
	ErrTimeout = stderrors.New("no reply within timeout")
	// ErrUnknownAction indicates a command action outside the closed set.
	ErrUnknownAction = stderrors.New("unknown action")
	// ErrInvalidModeTransition indicates a mode transition guard failed or
	// a command is not permitted in the current mode.
	ErrInvalidModeTransition = stderrors.New("invalid mode transition")
	// ErrAlreadyArmed indicates an arm request for a device that is armed;
	// re-arming requires an explicit disarm first.
	ErrAlreadyArmed = stderrors.New("device already armed")
	// ErrInvalidPhaseTransition indicates an out-of-order experiment phase.
	ErrInvalidPhaseTransition = stderrors.New("invalid phase transition")
	// ErrWorkerTimeout indicates a hardware-interface worker went silent
	// past its heartbeat timeout. Always forces SAFE.
	ErrWorkerTimeout = stderrors.New("worker heartbeat timeout")
	// ErrSafetyViolation indicates a kill-switch trigger or pressure breach.
	// Always forces SAFE.
	ErrSafetyViolation = stderrors.New("safety violation")

	// Process-level errors.
	ErrInvalidConfig    = stderrors.New("invalid configuration")
	ErrMissingConfig    = stderrors.New("missing required configuration")
	ErrNotConnected     = stderrors.New("not connected")
	ErrAlreadyStarted   = stderrors.New("already started")
	ErrNotStarted       = stderrors.New("not started")
	ErrShuttingDown     = stderrors.New("shutting down")
	ErrTransportFailure = stderrors.New("unrecoverable transport failure")
	ErrUnknownDevice    = stderrors.New("unknown protected device")
	ErrUnknownContext   = stderrors.New("unknown experiment context")
)

// Kind returns the wire-protocol error kind for an error, used in the
// `error.kind` field of client replies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case stderrors.Is(err, ErrUnknownAction):
		return "UnknownAction"
	case stderrors.Is(err, ErrInvalidModeTransition):
		return "InvalidModeTransition"
	case stderrors.Is(err, ErrAlreadyArmed):
		return "AlreadyArmed"
	case stderrors.Is(err, ErrInvalidPhaseTransition):
		return "InvalidPhaseTransition"
	case stderrors.Is(err, ErrWorkerTimeout):
		return "WorkerTimeout"
	case stderrors.Is(err, ErrSafetyViolation):
		return "SafetyViolation"
	case stderrors.Is(err, ErrUnknownDevice):
		return "UnknownDevice"
	case stderrors.Is(err, ErrUnknownContext):
		return "UnknownContext"
	default:
		return "Internal"
	}
}

// ClassifiedError wraps an error with its handling classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsSafety reports whether an error must be applied to global state (SAFE
// mode, device disarm) before any reply is sent.
func IsSafety(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassSafety
	}
	return stderrors.Is(err, ErrWorkerTimeout) || stderrors.Is(err, ErrSafetyViolation)
}

// IsFatal reports whether an error should terminate the coordinator process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassFatal
	}
	return stderrors.Is(err, ErrInvalidConfig) ||
		stderrors.Is(err, ErrMissingConfig) ||
		stderrors.Is(err, ErrTransportFailure)
}

// IsInvalid reports whether an error is due to malformed or unsupported input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}
	return stderrors.Is(err, ErrUnknownAction)
}

// IsRecoverable reports whether an error may be surfaced to the caller for
// retry without any global side effect.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return !IsSafety(err) && !IsFatal(err)
}

// Classify returns the handling class for an error.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassRecoverable
	case IsSafety(err):
		return ClassSafety
	case IsFatal(err):
		return ClassFatal
	case IsInvalid(err):
		return ClassInvalid
	default:
		return ClassRecoverable
	}
}

// newClassified creates a new classified error. Internal helper; use the
// Wrap* functions instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapRecoverable wraps an error as recoverable with context.
func WrapRecoverable(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassRecoverable, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid input with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassInvalid, wrapped, component, method, wrapped.Error())
}

// WrapSafety wraps an error as safety-classified with context. The caller is
// responsible for applying the SAFE transition before replying.
func WrapSafety(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassSafety, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassFatal, wrapped, component, method, wrapped.Error())
}

// IsTransient reports whether an error is likely temporary and worth
// retrying at the transport level. Safety and fatal errors are never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsSafety(err) || IsFatal(err) {
		return false
	}
	if stderrors.Is(err, ErrTimeout) ||
		stderrors.Is(err, ErrNotConnected) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
