package swarm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/protocol"
)

type muxStream = mux.MuxedStream

var timeNow = time.Now

// Stream is the swarm's view of one muxed stream.
type Stream struct {
	id     uint64
	stream mux.MuxedStream
	conn   *Conn
	scope  network.StreamManagementScope
	stat   network.Stats

	protocol atomic.Pointer[protocol.ID]

	closeOnce sync.Once
}

var _ network.Stream = (*Stream)(nil)

func (s *Stream) ID() string {
	return fmt.Sprintf("%s-%d", s.conn.ID(), s.id)
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close closes both directions and releases the stream's resources.
func (s *Stream) Close() error {
	err := s.stream.Close()
	s.remove()
	return err
}

// Reset aborts both directions; the remote observes a reset.
func (s *Stream) Reset() error {
	err := s.stream.Reset()
	s.remove()
	return err
}

func (s *Stream) CloseWrite() error { return s.stream.CloseWrite() }
func (s *Stream) CloseRead() error  { return s.stream.CloseRead() }

func (s *Stream) remove() {
	s.closeOnce.Do(func() {
		s.conn.removeStream(s)
	})
}

func (s *Stream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

// Protocol returns the negotiated protocol id, if negotiation happened.
func (s *Stream) Protocol() protocol.ID {
	p := s.protocol.Load()
	if p == nil {
		return ""
	}
	return *p
}

// SetProtocol records the negotiated protocol id.
func (s *Stream) SetProtocol(id protocol.ID) error {
	s.protocol.Store(&id)
	return nil
}

// Conn returns the connection this stream runs over.
func (s *Stream) Conn() network.Conn { return s.conn }

func (s *Stream) Stat() network.Stats { return s.stat }

func (s *Stream) Scope() network.StreamScope { return s.scope }

func (s *Stream) String() string {
	return fmt.Sprintf("<swarm stream %s %s>", s.ID(), s.Protocol())
}
