package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrTransient            = errors.New("transient error")
	ErrPermanent            = errors.New("permanent error")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// PublishError is returned by publisher adapters. It matches ErrTransient
// or ErrPermanent under errors.Is.
type PublishError struct {
	Transient  bool
	StatusCode int
	Err        error
}

func (e *PublishError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s publish error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s publish error: %v", kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransient
	}
	return target == ErrPermanent
}

func Transient(err error) error {
	return &PublishError{Transient: true, Err: err}
}

func Permanent(err error) error {
	return &PublishError{Transient: false, Err: err}
}

// IsTransient reports whether err is worth retrying. Timeouts count as
// transient; anything unclassified does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Tag prefixes a failure message with its class so it stays auditable on the
// stored record.
func Tag(err error) string {
	if IsTransient(err) {
		return "transient: " + err.Error()
	}
	return "permanent: " + err.Error()
}
