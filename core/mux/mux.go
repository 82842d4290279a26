// Package mux defines the interface between the upgrader and stream
// multiplexers such as yamux.
package mux

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/shurlinet/peernet/core/protocol"
)

// MuxedStream is one bidirectional stream within a muxed session.
type MuxedStream interface {
	io.Reader
	io.Writer

	// Close closes both directions cleanly.
	Close() error

	// CloseWrite half-closes the write side.
	CloseWrite() error

	// CloseRead stops reading; further remote data resets the stream.
	CloseRead() error

	// Reset aborts both directions.
	Reset() error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// MuxedConn multiplexes streams over a single byte pipe.
type MuxedConn interface {
	// Close closes the session, resetting all streams.
	Close() error

	// IsClosed reports whether the session is closed.
	IsClosed() bool

	// OpenStream opens a new outbound stream.
	OpenStream(ctx context.Context) (MuxedStream, error)

	// AcceptStream blocks for the next inbound stream.
	AcceptStream() (MuxedStream, error)
}

// Multiplexer constructs muxed sessions over secured pipes.
type Multiplexer interface {
	// ID returns the protocol id negotiated for this muxer.
	ID() protocol.ID

	// NewConn starts a session; the initiator side assigns odd stream
	// ids, the responder even.
	NewConn(c net.Conn, isServer bool) (MuxedConn, error)
}
