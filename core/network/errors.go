package network

import "errors"

var (
	// ErrNoRemoteAddrs is returned when a dial finds no candidate
	// addresses for the peer.
	ErrNoRemoteAddrs = errors.New("no remote addresses")

	// ErrNoConn is returned when an operation requires an existing
	// connection (WithNoDial) and none is present.
	ErrNoConn = errors.New("no usable connection to peer")

	// ErrLimitedConn is returned when only a limited connection exists
	// and the caller did not opt in with WithAllowLimitedConn.
	ErrLimitedConn = errors.New("limited connection to peer")

	// ErrReset is returned from stream reads and writes after either
	// side reset the stream. Distinguishable from io.EOF.
	ErrReset = errors.New("stream reset")

	// ErrResourceLimitExceeded is returned when a resource reservation
	// fails against the configured limits.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")

	// ErrResourceScopeClosed is returned when reserving against a scope
	// that has already been released.
	ErrResourceScopeClosed = errors.New("resource scope closed")

	// ErrGated is returned when a connection gater vetoed the operation.
	ErrGated = errors.New("gated")
)
