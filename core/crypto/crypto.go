// Package crypto provides the key abstractions used to identify and
// authenticate peers: private/public key interfaces, the supported key
// algorithms, and the protobuf wire form keys travel in.
package crypto

import (
	"crypto/subtle"
	"errors"
	"io"
)

// KeyType enumerates the supported key algorithms. The numeric values are
// part of the wire format and must not change.
type KeyType int32

const (
	RSA KeyType = iota
	Ed25519
	Secp256k1
	ECDSA
)

var (
	// ErrBadKeyType is returned when a serialized key names an algorithm
	// this build does not support.
	ErrBadKeyType = errors.New("invalid or unsupported key type")

	// ErrNilSig is returned when verifying an empty signature.
	ErrNilSig = errors.New("nil signature")
)

// Key is the common interface of private and public keys.
type Key interface {
	// Equals reports whether two keys are the same.
	Equals(Key) bool

	// Raw returns the canonical raw bytes of the key, suitable for
	// embedding in the protobuf wire form.
	Raw() ([]byte, error)

	// Type returns the key algorithm.
	Type() KeyType
}

// PrivKey is a private key capable of signing.
type PrivKey interface {
	Key

	// Sign signs the given bytes.
	Sign([]byte) ([]byte, error)

	// GetPublic returns the corresponding public key.
	GetPublic() PubKey
}

// PubKey is a public key capable of verification.
type PubKey interface {
	Key

	// Verify reports whether sig is a valid signature over data.
	Verify(data, sig []byte) (bool, error)
}

// GenerateKeyPair generates a fresh key pair of the given type using
// entropy from src.
func GenerateKeyPair(typ KeyType, src io.Reader) (PrivKey, PubKey, error) {
	switch typ {
	case Ed25519:
		return GenerateEd25519Key(src)
	case Secp256k1:
		return GenerateSecp256k1Key(src)
	default:
		return nil, nil, ErrBadKeyType
	}
}

// basicEquals compares two keys by their serialized form in constant time.
func basicEquals(k1, k2 Key) bool {
	if k1.Type() != k2.Type() {
		return false
	}
	a, err := k1.Raw()
	if err != nil {
		return false
	}
	b, err := k2.Raw()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
