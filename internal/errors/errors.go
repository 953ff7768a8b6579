package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrInUse       = errors.New("in use")
	ErrUnavailable = errors.New("unavailable")
	ErrTimeout     = errors.New("timeout")
	ErrInternal    = errors.New("internal error")
)

// Kind represents the category of error
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindValidation  Kind = "validation"
	KindInUse       Kind = "in_use"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindLink        Kind = "link"
	KindInternal    Kind = "internal"
)

// FleetError is a structured error for fleet operations
type FleetError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "open_session", "publish_command")
	Robot     string // Robot serial or display name if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *FleetError) Error() string {
	if e.Robot != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Robot, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FleetError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error types
func (e *FleetError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInUse:
		return e.Kind == KindInUse
	case ErrUnavailable:
		return e.Kind == KindUnavailable || e.Kind == KindLink
	case ErrTimeout:
		return e.Kind == KindTimeout
	}

	return errors.Is(e.Err, target)
}

// New creates a new FleetError
func New(kind Kind, op string, err error) *FleetError {
	return &FleetError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithRobot adds robot identity to the error
func (e *FleetError) WithRobot(robot string) *FleetError {
	e.Robot = robot
	return e
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindLink, KindUnavailable, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// Helper constructors

// NotFoundf builds a not-found error with a formatted message
func NotFoundf(op, format string, args ...interface{}) error {
	return New(KindNotFound, op, fmt.Errorf(format, args...))
}

// Conflictf builds a conflict error with a formatted message
func Conflictf(op, format string, args ...interface{}) error {
	return New(KindConflict, op, fmt.Errorf(format, args...))
}

// Validationf builds a validation error with a formatted message
func Validationf(op, format string, args ...interface{}) error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// InUsef builds an in-use error with a formatted message
func InUsef(op, format string, args ...interface{}) error {
	return New(KindInUse, op, fmt.Errorf(format, args...))
}

// WrapLink wraps a messaging-link error with operation context
func WrapLink(op, robot string, err error) error {
	return New(KindLink, op, err).WithRobot(robot)
}

// WrapStore wraps a storage error with operation context
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FleetError
	if errors.As(err, &fe) {
		return err
	}
	return New(KindInternal, op, err)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// KindOf extracts the error kind, defaulting to internal
func KindOf(err error) Kind {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}
