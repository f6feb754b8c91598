package services

import (
	"errors"
	"fmt"

	"github.com/eventfield/api/internal/repositories"
)

var (
	// ErrNotificationForged indicates a gateway notification failed signature verification.
	ErrNotificationForged = errors.New("checkout: notification signature invalid")
	// ErrNotificationInvalid indicates an authentic notification carried an unusable payload.
	ErrNotificationInvalid = errors.New("checkout: notification invalid")
	// ErrNotificationIgnored is returned for an authentic notification that carries no order
	// state change. Callers acknowledge it without touching the order.
	ErrNotificationIgnored = errors.New("checkout: notification ignored")
	// ErrCommerceBackend indicates the commerce backend rejected or failed a call.
	ErrCommerceBackend = errors.New("checkout: commerce backend failure")
	// ErrCommerceConflict indicates the commerce backend reported a uniqueness conflict.
	ErrCommerceConflict = errors.New("checkout: commerce conflict")
	// ErrCommerceUnavailable indicates the commerce backend is unreachable or overloaded.
	ErrCommerceUnavailable = errors.New("checkout: commerce unavailable")
	// ErrCheckoutInvalidInput indicates the caller supplied invalid checkout input.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
)

// AuthenticationError reports a notification whose signature did not match. It is kept
// distinct from ValidationError so forged traffic can be alerted on.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("checkout: %s notification signature invalid", e.Provider)
	}
	return fmt.Sprintf("checkout: %s notification signature invalid: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is matches ErrNotificationForged.
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrNotificationForged
}

// ValidationError reports an authentic notification with an unusable field.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout: notification field %s=%q invalid: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is matches ErrNotificationInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrNotificationInvalid
}

// BackendError wraps a commerce backend failure with the operation that failed.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("checkout: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is matches ErrCommerceBackend, plus ErrCommerceConflict and ErrCommerceUnavailable when the
// wrapped repository error is categorised that way.
func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrCommerceBackend:
		return true
	case ErrCommerceConflict:
		var repoErr repositories.RepositoryError
		return errors.As(e.Err, &repoErr) && repoErr.IsConflict()
	case ErrCommerceUnavailable:
		var repoErr repositories.RepositoryError
		return errors.As(e.Err, &repoErr) && repoErr.IsUnavailable()
	}
	return false
}

func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}
