package backend

import (
	"errors"
	"fmt"
)

// FaultKind classifies failures at the I/O boundary. Derived-state
// computations never fail; everything that can go wrong is translated
// into one of these before it reaches a caller.
type FaultKind int

const (
	// Transient covers network errors and throttling; retry with backoff.
	Transient FaultKind = iota
	// PermissionDenied is non-retryable; surface immediately.
	PermissionDenied
	// Upload means the media endpoint rejected or timed out.
	Upload
	// Malformed means a payload had no classifiable shape.
	Malformed
	// SubscriptionDropped means the change feed was interrupted.
	SubscriptionDropped
	// NotFound means the addressed document does not exist.
	NotFound
)

func (k FaultKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case PermissionDenied:
		return "permission_denied"
	case Upload:
		return "upload"
	case Malformed:
		return "malformed"
	case SubscriptionDropped:
		return "subscription_dropped"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified backend failure wrapping the underlying cause.
type Error struct {
	Kind    FaultKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error without a cause.
func NewError(kind FaultKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind FaultKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the fault kind of err, defaulting to Transient for
// unclassified errors so callers err on the side of retrying.
func KindOf(err error) FaultKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Transient
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == Transient
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == NotFound
}
