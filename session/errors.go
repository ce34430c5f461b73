package session

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by Send.
var (
	// ErrClosed indicates the session was closed; queued and pending requests
	// are abandoned with this error.
	ErrClosed = errors.New("session closed")

	// ErrNotConnected indicates no connection could be established.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout indicates no reply terminator arrived within RequestTimeout.
	ErrTimeout = errors.New("request timed out")

	// ErrQueueFull indicates the request queue is at capacity.
	ErrQueueFull = errors.New("request queue full")
)

// ConnectionError represents a dial, read, or write failure.
type ConnectionError struct {
	Op      string // "dial", "read" or "write"
	Address string
	Err     error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// resultLabel classifies a request outcome for metrics.
func resultLabel(err error) string {
	var connErr *ConnectionError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrQueueFull):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &connErr):
		return "connection_error"
	default:
		return "error"
	}
}
