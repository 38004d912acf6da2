package connection

import "errors"

var (
	// ErrMissingCredentials indicates Connect was called without a token or user id.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrAuthFailed indicates the server rejected the session credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnauthorized indicates the socket handshake was refused with 401 or 403.
	ErrUnauthorized = errors.New("handshake unauthorized")
	// ErrRetryBudgetExhausted indicates reconnection gave up.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrClosed indicates an operation on a closed socket.
	ErrClosed = errors.New("connection closed")
	// ErrInvalidTarget indicates an origin that cannot be mapped to a socket URL.
	ErrInvalidTarget = errors.New("invalid connection target")
)
