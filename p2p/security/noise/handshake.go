package noise

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/sec"
)

// payloadSigPrefix domain-separates the static-key assertion signature.
const payloadSigPrefix = "noise-libp2p-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newSecureSession runs the XX handshake over insecure and returns the
// framed session. On any error the underlying pipe is closed.
func newSecureSession(ctx context.Context, t *Transport, insecure net.Conn, remote peer.ID, initiator bool) (sec.SecureConn, error) {
	s, err := runHandshake(ctx, t, insecure, remote, initiator)
	if err != nil {
		_ = insecure.Close()
		return nil, err
	}
	return s, nil
}

func runHandshake(ctx context.Context, t *Transport, insecure net.Conn, remote peer.ID, initiator bool) (*secureSession, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := insecure.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer func() { _ = insecure.SetDeadline(time.Time{}) }()

	// A fresh noise static key per connection.
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generating static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: kp,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: initializing handshake state: %w", err)
	}

	payload, err := signedPayload(t.privKey, kp.Public)
	if err != nil {
		return nil, err
	}

	s := &secureSession{
		insecure: insecure,
		localID:  t.localID,
	}

	if initiator {
		// -> e
		if err := s.sendHandshakeMessage(hs, nil); err != nil {
			return nil, err
		}
		// <- e, ee, s, es (+ payload)
		remotePayload, err := s.readHandshakeMessage(hs)
		if err != nil {
			return nil, err
		}
		if err := s.handleRemotePayload(remotePayload, hs.PeerStatic(), remote); err != nil {
			return nil, err
		}
		// -> s, se (+ payload)
		cs1, cs2, err := s.sendFinalMessage(hs, payload)
		if err != nil {
			return nil, err
		}
		s.enc, s.dec = cs1, cs2
	} else {
		// <- e
		if _, err := s.readHandshakeMessage(hs); err != nil {
			return nil, err
		}
		// -> e, ee, s, es (+ payload)
		if err := s.sendHandshakeMessage(hs, payload); err != nil {
			return nil, err
		}
		// <- s, se (+ payload)
		remotePayload, cs1, cs2, err := s.readFinalMessage(hs)
		if err != nil {
			return nil, err
		}
		if err := s.handleRemotePayload(remotePayload, hs.PeerStatic(), remote); err != nil {
			return nil, err
		}
		s.enc, s.dec = cs2, cs1
	}
	return s, nil
}

func (s *secureSession) sendHandshakeMessage(hs *noise.HandshakeState, payload []byte) error {
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return fmt.Errorf("noise: writing handshake message: %w", err)
	}
	return s.writeFrame(msg)
}

func (s *secureSession) sendFinalMessage(hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, error) {
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("noise: writing final handshake message: %w", err)
	}
	if err := s.writeFrame(msg); err != nil {
		return nil, nil, err
	}
	return cs1, cs2, nil
}

func (s *secureSession) readHandshakeMessage(hs *noise.HandshakeState) ([]byte, error) {
	frame, err := s.readFrame()
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, frame)
	if err != nil {
		return nil, fmt.Errorf("noise: reading handshake message: %w", err)
	}
	return payload, nil
}

func (s *secureSession) readFinalMessage(hs *noise.HandshakeState) ([]byte, *noise.CipherState, *noise.CipherState, error) {
	frame, err := s.readFrame()
	if err != nil {
		return nil, nil, nil, err
	}
	payload, cs1, cs2, err := hs.ReadMessage(nil, frame)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("noise: reading final handshake message: %w", err)
	}
	return payload, cs1, cs2, nil
}

// signedPayload builds the handshake payload asserting our libp2p
// identity over the connection's noise static key.
func signedPayload(privKey crypto.PrivKey, noiseStatic []byte) ([]byte, error) {
	toSign := append([]byte(payloadSigPrefix), noiseStatic...)
	sig, err := privKey.Sign(toSign)
	if err != nil {
		return nil, fmt.Errorf("noise: signing static key assertion: %w", err)
	}
	keyBytes, err := crypto.MarshalPublicKey(privKey.GetPublic())
	if err != nil {
		return nil, err
	}
	return marshalHandshakePayload(keyBytes, sig), nil
}

// handleRemotePayload verifies the remote's static-key assertion and
// pins the session to the authenticated peer.
func (s *secureSession) handleRemotePayload(payload, remoteStatic []byte, expected peer.ID) error {
	keyBytes, sig, err := unmarshalHandshakePayload(payload)
	if err != nil {
		return err
	}
	remoteKey, err := crypto.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return fmt.Errorf("noise: remote identity key: %w", err)
	}
	signed := append([]byte(payloadSigPrefix), remoteStatic...)
	ok, err := remoteKey.Verify(signed, sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidStaticKeySignature
	}
	remoteID, err := peer.IDFromPublicKey(remoteKey)
	if err != nil {
		return err
	}
	if expected != "" && remoteID != expected {
		return fmt.Errorf("%w: expected %s, got %s", sec.ErrPeerIDMismatch, expected, remoteID)
	}
	s.remoteID = remoteID
	s.remoteKey = remoteKey
	return nil
}
