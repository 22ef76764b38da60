package errors

import "errors"

// Entity errors.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrDeserialization = errors.New("malformed payload")
)

// Server/transport errors.
var (
	ErrTransport        = errors.New("transport request failed")
	ErrRetriesExhausted = errors.New("retry attempts exhausted")
)

// Subscription errors.
var (
	ErrSubscription = errors.New("subscription failed")
	ErrUnsubscribed = errors.New("subscription closed")
)
