package network

import (
	"time"

	"github.com/shurlinet/peernet/core/protocol"
)

// Stream is a bidirectional ordered byte channel within a connection,
// with independent half-close on the read and write sides. Reset is a
// terminal transition visible to both peers.
type Stream interface {
	// Read reads from the stream. After the remote half-closes, Read
	// returns io.EOF; after a reset it returns ErrReset.
	Read(p []byte) (int, error)

	// Write writes to the stream, blocking on flow-control credit.
	Write(p []byte) (int, error)

	// Close closes both directions cleanly.
	Close() error

	// CloseWrite half-closes the write side (sends FIN). Reads continue.
	CloseWrite() error

	// CloseRead stops the read side locally. Subsequent remote writes
	// will see the stream reset.
	CloseRead() error

	// Reset aborts both directions. The remote observes ErrReset.
	Reset() error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error

	// ID is a stable identifier for logs.
	ID() string

	// Protocol returns the negotiated protocol id, if any.
	Protocol() protocol.ID

	// SetProtocol records the negotiated protocol id.
	SetProtocol(id protocol.ID) error

	// Conn returns the connection this stream belongs to.
	Conn() Conn

	// Stat returns stream metadata.
	Stat() Stats

	// Scope returns the resource scope this stream charges against.
	Scope() StreamScope
}
