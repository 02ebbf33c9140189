package deal

import (
	"context"
	"errors"
)

// Sentinel errors shared across stages.
var (
	// ErrCanceled marks the cooperative cancellation path. It is never a
	// failure to report; callers unwind quietly to a terminal state.
	ErrCanceled = errors.New("run canceled")
	// ErrAuthRequired signals the listing source needs a fresh login.
	ErrAuthRequired = errors.New("listing source requires authentication")
	// ErrLocationNotFound signals the listing source rejected the location.
	ErrLocationNotFound = errors.New("listing source could not resolve location")
	// ErrInsufficientData signals the market source found nothing usable.
	ErrInsufficientData = errors.New("insufficient market data")
	// ErrRateLimited marks a throttled external call.
	ErrRateLimited = errors.New("rate limited")
	// ErrPoolClosed is returned by acquisitions after shutdown.
	ErrPoolClosed = errors.New("resource pool closed")
	// ErrInvalidResponse marks malformed collaborator output.
	ErrInvalidResponse = errors.New("invalid response")
)

// IsCanceled reports whether err belongs to the cancellation kind.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// Canceled wraps a cause so it matches ErrCanceled and keeps the cause.
func Canceled(cause error) error {
	if cause == nil || errors.Is(cause, ErrCanceled) {
		if cause == nil {
			return ErrCanceled
		}
		return cause
	}
	return &canceledError{cause: cause}
}

type canceledError struct {
	cause error
}

func (e *canceledError) Error() string {
	return ErrCanceled.Error() + ": " + e.cause.Error()
}

func (e *canceledError) Unwrap() []error {
	return []error{ErrCanceled, e.cause}
}
