package events

import "errors"

var (
	// ErrValidation marks malformed envelopes, payloads and requests.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks a join or handshake the identity does not permit.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTopic marks a topic name with an unknown kind.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrTransport marks a failed or saturated connection.
	ErrTransport = errors.New("transport failure")
	// ErrStoreUnavailable marks a durable queue backend failure.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrUnknownConnection marks an operation on a connection the registry does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
)
