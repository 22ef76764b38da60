package chat

import (
	"errors"
	"fmt"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// TransportError is a failed REST call. Retryable marks failures that are
// likely temporary (network errors, timeouts, 5xx, 429) and safe to retry.
type TransportError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Op, e.Status, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == chaterrors.ErrTransport }

// DeserializationError is a payload that could not be decoded. It is
// never retried.
type DeserializationError struct {
	Kind string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("decoding %s payload: %v", e.Kind, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

func (e *DeserializationError) Is(target error) bool {
	return target == chaterrors.ErrDeserialization
}

// NotFoundError is an entity the service reports as absent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == chaterrors.ErrNotFound }

// SubscriptionError is a feed-level failure. Terminal errors end the
// subscription; others are reported and delivery continues.
type SubscriptionError struct {
	RoomID   string
	Terminal bool
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("room %s subscription: %v", e.RoomID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

func (e *SubscriptionError) Is(target error) bool { return target == chaterrors.ErrSubscription }

// RetriesExhaustedError is returned when every attempt of a retry policy
// failed with a retryable error. It unwraps to the last attempt's error.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == chaterrors.ErrRetriesExhausted
}

// IsRetryable reports whether err (or any error in its chain) is a
// retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
