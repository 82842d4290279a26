package noise

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
)

const (
	// maxFrameLen bounds a ciphertext frame, tag included.
	maxFrameLen = 65535

	// tagLen is the poly1305 authentication tag length.
	tagLen = 16

	// maxPlaintextLen is the largest plaintext one frame can carry.
	maxPlaintextLen = maxFrameLen - tagLen

	lenPrefixLen = 2
)

// secureSession is an established noise session: authenticated framing
// in both directions over the insecure pipe. Each direction's cipher
// state keeps a strictly monotonic 64-bit nonce; any decrypt failure is
// fatal to the connection.
type secureSession struct {
	insecure net.Conn

	localID   peer.ID
	remoteID  peer.ID
	remoteKey crypto.PubKey

	readLock  sync.Mutex
	writeLock sync.Mutex

	enc *noise.CipherState
	dec *noise.CipherState

	// qbuf holds decrypted plaintext not yet consumed by Read.
	qbuf []byte
	qoff int
}

// writeFrame writes one length-prefixed frame (used during the
// handshake, where frames are not encrypted by us directly).
func (s *secureSession) writeFrame(data []byte) error {
	if len(data) > maxFrameLen {
		return io.ErrShortWrite
	}
	var prefix [lenPrefixLen]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(data)))
	if _, err := s.insecure.Write(prefix[:]); err != nil {
		return err
	}
	_, err := s.insecure.Write(data)
	return err
}

// readFrame reads one length-prefixed frame.
func (s *secureSession) readFrame() ([]byte, error) {
	var prefix [lenPrefixLen]byte
	if _, err := io.ReadFull(s.insecure, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.insecure, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *secureSession) Read(p []byte) (int, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	for s.qoff == len(s.qbuf) {
		frame, err := s.readFrame()
		if err != nil {
			return 0, err
		}
		plain, err := s.dec.Decrypt(nil, nil, frame)
		if err != nil {
			// Fatal: the pipe is unauthenticated from here on.
			_ = s.insecure.Close()
			return 0, ErrDecrypt
		}
		s.qbuf = plain
		s.qoff = 0
	}

	n := copy(p, s.qbuf[s.qoff:])
	s.qoff += n
	return n, nil
}

func (s *secureSession) Write(p []byte) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextLen {
			chunk = chunk[:maxPlaintextLen]
		}
		ct, err := s.enc.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, err
		}
		if err := s.writeFrame(ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *secureSession) Close() error { return s.insecure.Close() }

func (s *secureSession) LocalPeer() peer.ID             { return s.localID }
func (s *secureSession) RemotePeer() peer.ID            { return s.remoteID }
func (s *secureSession) RemotePublicKey() crypto.PubKey { return s.remoteKey }

func (s *secureSession) LocalAddr() net.Addr  { return s.insecure.LocalAddr() }
func (s *secureSession) RemoteAddr() net.Addr { return s.insecure.RemoteAddr() }

func (s *secureSession) SetDeadline(t time.Time) error      { return s.insecure.SetDeadline(t) }
func (s *secureSession) SetReadDeadline(t time.Time) error  { return s.insecure.SetReadDeadline(t) }
func (s *secureSession) SetWriteDeadline(t time.Time) error { return s.insecure.SetWriteDeadline(t) }
