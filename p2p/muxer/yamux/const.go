// Package yamux implements the stream multiplexing session: many
// flow-controlled bidirectional streams over a single byte pipe, with
// keepalives and session-wide shutdown.
package yamux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame types.
const (
	typeData uint8 = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

// Frame flags.
const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// GoAway codes. A non-zero code is fatal to the session.
const (
	goAwayNormal uint32 = iota
	goAwayProtoErr
	goAwayInternalErr
	goAwayTimeout
)

const (
	// initialStreamWindow is the receive window each stream starts with.
	initialStreamWindow uint32 = 256 * 1024

	// maxStreamWindow bounds how far a window may be grown.
	maxStreamWindow uint32 = 1024 * 1024

	// headerSize is the fixed frame header length:
	// type:1 | flags:2 | stream id:4 | length:4.
	headerSize = 11
)

var (
	// ErrInvalidFrameType is returned when a frame names an unknown type.
	ErrInvalidFrameType = errors.New("yamux: invalid frame type")

	// ErrSessionShutdown is returned for operations on a closed session.
	ErrSessionShutdown = errors.New("yamux: session shutdown")

	// ErrStreamReset is returned from reads and writes on a reset
	// stream. Distinguishable from io.EOF.
	ErrStreamReset = errors.New("yamux: stream reset")

	// ErrStreamClosed is returned for writes on a closed stream.
	ErrStreamClosed = errors.New("yamux: stream closed")

	// ErrStreamsExhausted is returned when the id space is spent.
	ErrStreamsExhausted = errors.New("yamux: streams exhausted")

	// ErrStreamLimitExceeded is returned when opening a stream would
	// pass the session's concurrent stream cap.
	ErrStreamLimitExceeded = errors.New("yamux: stream limit exceeded")

	// ErrDuplicateStream is a protocol violation: SYN for a known id.
	ErrDuplicateStream = errors.New("yamux: duplicate stream id")

	// ErrRecvWindowExceeded is a protocol violation: data past the
	// granted receive window.
	ErrRecvWindowExceeded = errors.New("yamux: receive window exceeded")

	// ErrKeepAliveTimeout is the session error after two missed pongs.
	ErrKeepAliveTimeout = errors.New("yamux: keepalive timeout")

	// ErrTimeout is returned when a deadline expires.
	ErrTimeout = errors.New("yamux: i/o deadline reached")

	// ErrRemoteGoAway is returned when opening streams after the remote
	// said it accepts no more.
	ErrRemoteGoAway = errors.New("yamux: remote side does not accept new streams")
)

type header [headerSize]byte

func (h *header) Type() uint8      { return h[0] }
func (h *header) Flags() uint16    { return binary.BigEndian.Uint16(h[1:3]) }
func (h *header) StreamID() uint32 { return binary.BigEndian.Uint32(h[3:7]) }
func (h *header) Length() uint32   { return binary.BigEndian.Uint32(h[7:11]) }

func (h *header) encode(typ uint8, flags uint16, id uint32, length uint32) {
	h[0] = typ
	binary.BigEndian.PutUint16(h[1:3], flags)
	binary.BigEndian.PutUint32(h[3:7], id)
	binary.BigEndian.PutUint32(h[7:11], length)
}

func (h *header) String() string {
	return fmt.Sprintf("frame{type:%d flags:%d id:%d len:%d}", h.Type(), h.Flags(), h.StreamID(), h.Length())
}
