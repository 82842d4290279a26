package yamux

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type streamState int

const (
	streamInit streamState = iota
	streamSYNSent
	streamSYNReceived
	streamEstablished
	streamLocalClose
	streamRemoteClose
	streamClosed
	streamReset
)

// Stream is one multiplexed stream within a session.
type Stream struct {
	id      uint32
	session *Session

	stateLock  sync.Mutex
	state      streamState
	readClosed bool // CloseRead called; further inbound data resets

	// sendWindow is the credit the remote has granted us.
	sendWindow atomic.Uint32

	recvLock sync.Mutex
	recvBuf  segmentedBuffer
	// recvWindow is the credit we have granted the remote and not yet
	// replenished. epochCredit accumulates drained bytes until a window
	// update is worth sending.
	recvWindow  uint32
	epochCredit uint32

	recvNotifyCh chan struct{}
	sendNotifyCh chan struct{}

	readDeadline  pipeDeadline
	writeDeadline pipeDeadline
}

func newStream(s *Session, id uint32, state streamState) *Stream {
	str := &Stream{
		id:            id,
		session:       s,
		state:         state,
		recvWindow:    s.config.InitialStreamWindow,
		recvNotifyCh:  make(chan struct{}, 1),
		sendNotifyCh:  make(chan struct{}, 1),
		readDeadline:  makePipeDeadline(),
		writeDeadline: makePipeDeadline(),
	}
	str.sendWindow.Store(s.config.InitialStreamWindow)
	return str
}

// StreamID returns the stream's id within its session.
func (s *Stream) StreamID() uint32 { return s.id }

// Read reads buffered data, blocking until data, EOF, reset, deadline or
// session shutdown.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.stateLock.Lock()
		state := s.state
		readClosed := s.readClosed
		s.stateLock.Unlock()

		if state == streamReset {
			return 0, ErrStreamReset
		}
		if readClosed {
			return 0, ErrStreamClosed
		}

		s.recvLock.Lock()
		if s.recvBuf.Len() > 0 {
			n, _ := s.recvBuf.Read(p)
			s.epochCredit += uint32(n)
			sendUpdate := s.epochCredit >= s.session.config.InitialStreamWindow/2
			var credit uint32
			if sendUpdate {
				credit = s.epochCredit
				s.epochCredit = 0
				s.recvWindow += credit
			}
			s.recvLock.Unlock()
			if sendUpdate {
				if err := s.session.sendWindowUpdate(s.id, s.sendFlags(), credit); err != nil {
					return n, err
				}
			}
			return n, nil
		}
		s.recvLock.Unlock()

		// Empty buffer: a received FIN now means EOF.
		if state == streamRemoteClose || state == streamClosed {
			return 0, io.EOF
		}

		select {
		case <-s.recvNotifyCh:
		case <-s.readDeadline.wait():
			return 0, ErrTimeout
		case <-s.session.shutdownCh:
			return 0, s.session.shutdownError()
		}
	}
}

// Write writes p, blocking on flow-control credit. The session's frame
// writer serializes concurrent stream writes.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Stream) write(p []byte) (int, error) {
	for {
		s.stateLock.Lock()
		state := s.state
		s.stateLock.Unlock()

		switch state {
		case streamReset:
			return 0, ErrStreamReset
		case streamLocalClose, streamClosed:
			return 0, ErrStreamClosed
		}

		window := s.sendWindow.Load()
		if window == 0 {
			select {
			case <-s.sendNotifyCh:
				continue
			case <-s.writeDeadline.wait():
				return 0, ErrTimeout
			case <-s.session.shutdownCh:
				return 0, s.session.shutdownError()
			}
		}

		n := uint32(len(p))
		if n > window {
			n = window
		}
		if !s.sendWindow.CompareAndSwap(window, window-n) {
			continue
		}
		if err := s.session.sendData(s.id, s.sendFlags(), p[:n]); err != nil {
			return 0, err
		}
		return int(n), nil
	}
}

// sendFlags returns the handshake flags the next outbound frame must
// carry, advancing the state machine.
func (s *Stream) sendFlags() uint16 {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	switch s.state {
	case streamInit:
		s.state = streamSYNSent
		return flagSYN
	case streamSYNReceived:
		s.state = streamEstablished
		return flagACK
	}
	return 0
}

// CloseWrite half-closes the write side by sending FIN. Reads continue.
func (s *Stream) CloseWrite() error {
	s.stateLock.Lock()
	switch s.state {
	case streamReset:
		s.stateLock.Unlock()
		return ErrStreamReset
	case streamLocalClose, streamClosed:
		s.stateLock.Unlock()
		return nil
	case streamRemoteClose:
		s.state = streamClosed
	default:
		s.state = streamLocalClose
	}
	removed := s.state == streamClosed
	s.stateLock.Unlock()

	err := s.session.sendWindowUpdate(s.id, flagFIN, 0)
	s.notifyWaiting()
	if removed {
		s.session.closeStream(s.id)
	}
	return err
}

// CloseRead stops the read side locally. Further inbound data resets the
// stream for the remote.
func (s *Stream) CloseRead() error {
	s.stateLock.Lock()
	s.readClosed = true
	s.stateLock.Unlock()
	s.recvLock.Lock()
	s.recvBuf.Release()
	s.recvLock.Unlock()
	s.notifyWaiting()
	return nil
}

// Close closes both directions cleanly.
func (s *Stream) Close() error {
	err := s.CloseWrite()
	s.stateLock.Lock()
	s.readClosed = true
	s.stateLock.Unlock()
	return err
}

// Reset aborts both directions. The remote observes a reset.
func (s *Stream) Reset() error {
	s.stateLock.Lock()
	switch s.state {
	case streamReset, streamClosed:
		s.stateLock.Unlock()
		return nil
	}
	s.state = streamReset
	s.stateLock.Unlock()

	err := s.session.sendWindowUpdate(s.id, flagRST, 0)
	s.notifyWaiting()
	s.session.closeStream(s.id)
	return err
}

func (s *Stream) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}

func (s *Stream) notifyWaiting() {
	asyncNotify(s.recvNotifyCh)
	asyncNotify(s.sendNotifyCh)
}

func asyncNotify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// incrSendWindow applies a window update from the remote.
func (s *Stream) incrSendWindow(delta uint32) {
	s.sendWindow.Add(delta)
	asyncNotify(s.sendNotifyCh)
}

// readData pulls a data frame's payload off the session's reader into
// the receive buffer, charging the granted window.
func (s *Stream) readData(length uint32, r io.Reader) error {
	if length == 0 {
		return nil
	}

	s.stateLock.Lock()
	readClosed := s.readClosed
	state := s.state
	s.stateLock.Unlock()

	if readClosed || state == streamReset {
		// Reader is gone: drain the payload and reset so the remote
		// stops sending.
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return err
		}
		if state != streamReset {
			_ = s.Reset()
		}
		return nil
	}

	s.recvLock.Lock()
	if length > s.recvWindow {
		s.recvLock.Unlock()
		return ErrRecvWindowExceeded
	}
	if err := s.recvBuf.Append(r, int(length)); err != nil {
		s.recvLock.Unlock()
		return err
	}
	s.recvWindow -= length
	s.recvLock.Unlock()

	asyncNotify(s.recvNotifyCh)
	return nil
}

// processFlags advances the state machine on inbound ACK/FIN/RST.
func (s *Stream) processFlags(flags uint16) {
	var remove bool

	s.stateLock.Lock()
	if flags&flagACK != 0 {
		if s.state == streamSYNSent {
			s.state = streamEstablished
		}
	}
	if flags&flagFIN != 0 {
		switch s.state {
		case streamSYNSent, streamSYNReceived, streamEstablished:
			s.state = streamRemoteClose
		case streamLocalClose:
			s.state = streamClosed
			remove = true
		}
	}
	if flags&flagRST != 0 {
		s.state = streamReset
		remove = true
	}
	s.stateLock.Unlock()

	s.notifyWaiting()
	if remove {
		s.session.closeStream(s.id)
	}
}

// forceClose is called on session teardown: all streams become reset.
func (s *Stream) forceClose() {
	s.stateLock.Lock()
	if s.state != streamClosed {
		s.state = streamReset
	}
	s.stateLock.Unlock()
	s.notifyWaiting()
}
