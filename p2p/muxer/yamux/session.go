package yamux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config tunes a session.
type Config struct {
	// AcceptBacklog bounds inbound streams awaiting AcceptStream.
	AcceptBacklog int

	// EnableKeepAlive turns on periodic pings.
	EnableKeepAlive bool

	// KeepAliveInterval is the ping period. A pong missing for two
	// intervals shuts the session down with a Timeout goaway.
	KeepAliveInterval time.Duration

	// ConnectionWriteTimeout bounds a single frame write on the pipe.
	ConnectionWriteTimeout time.Duration

	// MaxConcurrentStreams bounds live streams per session.
	MaxConcurrentStreams int

	// InitialStreamWindow is the per-stream receive window.
	InitialStreamWindow uint32

	// MaxStreamWindow bounds window growth.
	MaxStreamWindow uint32
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() *Config {
	return &Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxConcurrentStreams:   512,
		InitialStreamWindow:    initialStreamWindow,
		MaxStreamWindow:        maxStreamWindow,
	}
}

// VerifyConfig checks a configuration for usable values.
func VerifyConfig(c *Config) error {
	if c.AcceptBacklog <= 0 {
		return errors.New("yamux: accept backlog must be positive")
	}
	if c.EnableKeepAlive && c.KeepAliveInterval <= 0 {
		return errors.New("yamux: keepalive interval must be positive")
	}
	if c.InitialStreamWindow < 1 || c.InitialStreamWindow > c.MaxStreamWindow {
		return errors.New("yamux: invalid stream window")
	}
	if c.MaxStreamWindow > maxStreamWindow {
		return errors.New("yamux: max stream window too large")
	}
	return nil
}

// Session multiplexes streams over one reliable byte pipe. One frame
// reader task owns the pipe's read side; writers serialize through the
// frame-writer lock.
type Session struct {
	config *Config
	conn   net.Conn
	reader *bufio.Reader
	client bool

	// nextStreamID is 64-bit so exhaustion of the 32-bit id space is
	// detectable. Initiators use odd ids, responders even; ids never
	// reuse within a session.
	nextStreamID atomic.Uint64

	streamLock sync.Mutex
	streams    map[uint32]*Stream

	acceptCh chan *Stream

	sendLock sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	shutdownErr  error

	remoteGoAway atomic.Bool
	localGoAway  atomic.Bool

	pingLock   sync.Mutex
	pingID     uint32
	activePing map[uint32]chan struct{}

	recvDone chan struct{}
}

// NewSession starts a session over conn. The client side assigns odd
// stream ids. A nil config uses DefaultConfig.
func NewSession(conn net.Conn, config *Config, client bool) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	s := &Session{
		config:     config,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		client:     client,
		streams:    make(map[uint32]*Stream),
		acceptCh:   make(chan *Stream, config.AcceptBacklog),
		shutdownCh: make(chan struct{}),
		activePing: make(map[uint32]chan struct{}),
		recvDone:   make(chan struct{}),
	}
	if client {
		s.nextStreamID.Store(1)
	} else {
		s.nextStreamID.Store(2)
	}
	go s.recvLoop()
	if config.EnableKeepAlive {
		go s.keepaliveLoop()
	}
	return s, nil
}

// IsClosed reports whether the session has shut down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

func (s *Session) shutdownError() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdownErr == nil {
		return ErrSessionShutdown
	}
	return s.shutdownErr
}

// NumStreams returns the count of live streams.
func (s *Session) NumStreams() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.streams)
}

// OpenStream opens a new stream. It blocks only to allocate an id and
// write the SYN, never to wait for the remote's ACK.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if s.IsClosed() {
		return nil, s.shutdownError()
	}
	if s.remoteGoAway.Load() {
		return nil, ErrRemoteGoAway
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.streamLock.Lock()
	if len(s.streams) >= s.config.MaxConcurrentStreams {
		s.streamLock.Unlock()
		return nil, ErrStreamLimitExceeded
	}
	id64 := s.nextStreamID.Add(2) - 2
	if id64 > math.MaxUint32 {
		s.streamLock.Unlock()
		return nil, ErrStreamsExhausted
	}
	id := uint32(id64)
	stream := newStream(s, id, streamInit)
	s.streams[id] = stream
	s.streamLock.Unlock()

	if err := s.sendWindowUpdate(id, stream.sendFlags(), 0); err != nil {
		s.closeStream(id)
		return nil, err
	}
	return stream, nil
}

// AcceptStream blocks for the next inbound stream.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case stream := <-s.acceptCh:
		// Acknowledge immediately so the remote can write.
		if err := s.sendWindowUpdate(stream.id, stream.sendFlags(), 0); err != nil {
			return nil, err
		}
		return stream, nil
	case <-s.shutdownCh:
		return nil, s.shutdownError()
	}
}

// Close shuts the session down cleanly: a Normal goaway, then the pipe.
// All streams are reset.
func (s *Session) Close() error {
	return s.exitErr(nil)
}

// CloseWithError sends the given goaway code before tearing down.
func (s *Session) CloseWithError(code uint32, err error) error {
	s.shutdownLock.Lock()
	if s.shutdownErr == nil {
		s.shutdownErr = err
	}
	s.shutdownLock.Unlock()
	return s.exitCode(code)
}

func (s *Session) exitErr(err error) error {
	s.shutdownLock.Lock()
	if s.shutdownErr == nil {
		s.shutdownErr = err
	}
	s.shutdownLock.Unlock()
	return s.exitCode(goAwayNormal)
}

func (s *Session) exitCode(code uint32) error {
	s.shutdownOnce.Do(func() {
		s.localGoAway.Store(true)
		// Best-effort goaway; the pipe may already be gone.
		_ = s.sendGoAway(code)
		close(s.shutdownCh)
		_ = s.conn.Close()

		s.streamLock.Lock()
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = make(map[uint32]*Stream)
		s.streamLock.Unlock()
		for _, st := range streams {
			st.forceClose()
		}
	})
	return nil
}

// Ping measures a round trip.
func (s *Session) Ping() (time.Duration, error) {
	if s.IsClosed() {
		return 0, s.shutdownError()
	}
	s.pingLock.Lock()
	id := s.pingID
	s.pingID++
	ch := make(chan struct{})
	s.activePing[id] = ch
	s.pingLock.Unlock()

	defer func() {
		s.pingLock.Lock()
		delete(s.activePing, id)
		s.pingLock.Unlock()
	}()

	start := time.Now()
	if err := s.sendFrame(typePing, flagSYN, 0, id, nil); err != nil {
		return 0, err
	}

	// Two keepalive intervals without a pong is the death sentence.
	wait := 2 * s.config.KeepAliveInterval
	if wait <= 0 {
		wait = time.Minute
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
		return time.Since(start), nil
	case <-timer.C:
		return 0, ErrKeepAliveTimeout
	case <-s.shutdownCh:
		return 0, s.shutdownError()
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Ping(); err != nil {
				if errors.Is(err, ErrKeepAliveTimeout) {
					slog.Debug("yamux keepalive timed out, closing session")
					s.shutdownLock.Lock()
					if s.shutdownErr == nil {
						s.shutdownErr = ErrKeepAliveTimeout
					}
					s.shutdownLock.Unlock()
					_ = s.exitCode(goAwayTimeout)
				}
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// sendFrame serializes one frame onto the pipe under the frame-writer
// lock, bounded by the connection write timeout.
func (s *Session) sendFrame(typ uint8, flags uint16, id uint32, length uint32, body []byte) error {
	if s.IsClosed() {
		return s.shutdownError()
	}
	var hdr header
	hdr.encode(typ, flags, id, length)

	s.sendLock.Lock()
	if s.config.ConnectionWriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.ConnectionWriteTimeout))
	}
	_, err := s.conn.Write(hdr[:])
	if err == nil && len(body) > 0 {
		_, err = s.conn.Write(body)
	}
	s.sendLock.Unlock()

	if err != nil {
		_ = s.exitErr(err)
		return err
	}
	return nil
}

func (s *Session) sendData(id uint32, flags uint16, body []byte) error {
	return s.sendFrame(typeData, flags, id, uint32(len(body)), body)
}

func (s *Session) sendWindowUpdate(id uint32, flags uint16, delta uint32) error {
	return s.sendFrame(typeWindowUpdate, flags, id, delta, nil)
}

func (s *Session) sendGoAway(code uint32) error {
	var hdr header
	hdr.encode(typeGoAway, 0, 0, code)
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := s.conn.Write(hdr[:])
	return err
}

// recvLoop is the single reader of the pipe.
func (s *Session) recvLoop() {
	defer close(s.recvDone)
	var hdr header
	for {
		if _, err := io.ReadFull(s.reader, hdr[:]); err != nil {
			s.shutdownLock.Lock()
			if s.shutdownErr == nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.shutdownErr = err
			}
			s.shutdownLock.Unlock()
			_ = s.exitCode(goAwayNormal)
			return
		}
		var err error
		switch hdr.Type() {
		case typeData, typeWindowUpdate:
			err = s.handleStreamMessage(hdr)
		case typePing:
			err = s.handlePing(hdr)
		case typeGoAway:
			err = s.handleGoAway(hdr)
		default:
			err = ErrInvalidFrameType
		}
		if err != nil {
			s.shutdownLock.Lock()
			if s.shutdownErr == nil {
				s.shutdownErr = err
			}
			s.shutdownLock.Unlock()
			_ = s.exitCode(goAwayProtoErr)
			return
		}
	}
}

func (s *Session) handleStreamMessage(hdr header) error {
	id := hdr.StreamID()
	flags := hdr.Flags()

	if flags&flagSYN != 0 {
		if err := s.incomingStream(id); err != nil {
			return err
		}
	}

	s.streamLock.Lock()
	stream := s.streams[id]
	s.streamLock.Unlock()

	if stream == nil {
		// Stream already closed or reset: drain data frames.
		if hdr.Type() == typeData && hdr.Length() > 0 {
			if _, err := io.CopyN(io.Discard, s.reader, int64(hdr.Length())); err != nil {
				return err
			}
		}
		return nil
	}

	if hdr.Type() == typeWindowUpdate {
		stream.incrSendWindow(hdr.Length())
		stream.processFlags(flags)
		return nil
	}

	if err := stream.readData(hdr.Length(), s.reader); err != nil {
		if errors.Is(err, ErrRecvWindowExceeded) {
			return err // protocol violation, fatal to the session
		}
		return err
	}
	stream.processFlags(flags)
	return nil
}

func (s *Session) incomingStream(id uint32) error {
	// The initiator's parity must not collide with ours.
	if s.client == (id%2 == 1) {
		return fmt.Errorf("yamux: both sides assigned stream id %d", id)
	}
	if s.localGoAway.Load() {
		return s.sendWindowUpdate(id, flagRST, 0)
	}

	s.streamLock.Lock()
	if _, ok := s.streams[id]; ok {
		s.streamLock.Unlock()
		return ErrDuplicateStream
	}
	if len(s.streams) >= s.config.MaxConcurrentStreams {
		s.streamLock.Unlock()
		slog.Debug("yamux stream limit reached, resetting inbound stream", "id", id)
		return s.sendWindowUpdate(id, flagRST, 0)
	}
	stream := newStream(s, id, streamSYNReceived)
	s.streams[id] = stream
	s.streamLock.Unlock()

	select {
	case s.acceptCh <- stream:
		return nil
	default:
		// Backlog full: refuse.
		slog.Debug("yamux accept backlog full, resetting inbound stream", "id", id)
		s.closeStream(id)
		return s.sendWindowUpdate(id, flagRST, 0)
	}
}

func (s *Session) handlePing(hdr header) error {
	if hdr.Flags()&flagSYN != 0 {
		return s.sendFrame(typePing, flagACK, 0, hdr.Length(), nil)
	}
	s.pingLock.Lock()
	ch := s.activePing[hdr.Length()]
	delete(s.activePing, hdr.Length())
	s.pingLock.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

func (s *Session) handleGoAway(hdr header) error {
	code := hdr.Length()
	if code == goAwayNormal {
		// Existing streams may drain; no new streams.
		s.remoteGoAway.Store(true)
		return nil
	}
	return fmt.Errorf("%w (code %d)", ErrRemoteGoAway, code)
}

// closeStream removes a stream from the index. Its id is never reused.
func (s *Session) closeStream(id uint32) {
	s.streamLock.Lock()
	delete(s.streams, id)
	s.streamLock.Unlock()
}
