package yamux

import (
	"context"
	"errors"
	"net"

	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/protocol"
)

// ID is the protocol id negotiated for this muxer.
const ID protocol.ID = "/yamux/1.0.0"

// Transport adapts yamux sessions to the core multiplexer interface.
type Transport struct {
	Config *Config
}

var _ mux.Multiplexer = (*Transport)(nil)

// DefaultTransport uses DefaultConfig.
var DefaultTransport = &Transport{}

func (t *Transport) ID() protocol.ID { return ID }

// NewConn starts a yamux session over c. The initiator (isServer=false)
// assigns odd stream ids.
func (t *Transport) NewConn(c net.Conn, isServer bool) (mux.MuxedConn, error) {
	cfg := t.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s, err := NewSession(c, cfg, !isServer)
	if err != nil {
		return nil, err
	}
	return &muxedConn{s}, nil
}

type muxedConn struct {
	s *Session
}

func (c *muxedConn) Close() error   { return c.s.Close() }
func (c *muxedConn) IsClosed() bool { return c.s.IsClosed() }

func (c *muxedConn) OpenStream(ctx context.Context) (mux.MuxedStream, error) {
	str, err := c.s.OpenStream(ctx)
	if err != nil {
		return nil, parseError(err)
	}
	return &muxedStream{str}, nil
}

func (c *muxedConn) AcceptStream() (mux.MuxedStream, error) {
	str, err := c.s.AcceptStream()
	if err != nil {
		return nil, parseError(err)
	}
	return &muxedStream{str}, nil
}

// muxedStream translates yamux errors to the network-layer sentinels the
// rest of the stack matches on.
type muxedStream struct {
	*Stream
}

func (s *muxedStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	return n, parseError(err)
}

func (s *muxedStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	return n, parseError(err)
}

func (s *muxedStream) CloseWrite() error { return parseError(s.Stream.CloseWrite()) }

func parseError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStreamReset) {
		return network.ErrReset
	}
	if errors.Is(err, ErrStreamLimitExceeded) {
		return network.ErrResourceLimitExceeded
	}
	return err
}
