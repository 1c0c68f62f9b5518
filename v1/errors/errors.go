// Package errors holds sentinel errors shared by notelock transports.
package errors

import "errors"

var (
	// ErrTimeout is returned when a transport operation outlives its context deadline.
	ErrTimeout = errors.New("notelock: timeout")
	// ErrConnectionClosed is returned when a bus is used after its connection went away.
	ErrConnectionClosed = errors.New("notelock: connection closed")
)
