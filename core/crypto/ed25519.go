package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
)

// Ed25519PrivateKey is an ed25519 private key.
type Ed25519PrivateKey struct {
	k ed25519.PrivateKey
}

// Ed25519PublicKey is an ed25519 public key.
type Ed25519PublicKey struct {
	k ed25519.PublicKey
}

// GenerateEd25519Key generates a new ed25519 key pair.
func GenerateEd25519Key(src io.Reader) (PrivKey, PubKey, error) {
	pub, priv, err := ed25519.GenerateKey(src)
	if err != nil {
		return nil, nil, err
	}
	return &Ed25519PrivateKey{k: priv}, &Ed25519PublicKey{k: pub}, nil
}

// UnmarshalEd25519PrivateKey parses an ed25519 private key from its raw
// form. Both the 64-byte private||public form and the 96-byte redundant
// form produced by some older implementations are accepted.
func UnmarshalEd25519PrivateKey(data []byte) (PrivKey, error) {
	switch len(data) {
	case ed25519.PrivateKeySize:
	case ed25519.PrivateKeySize + ed25519.PublicKeySize:
		// Redundant public key appended; check consistency and drop it.
		redundant := data[ed25519.PrivateKeySize:]
		priv := data[:ed25519.PrivateKeySize]
		if string(redundant) != string(priv[ed25519.PublicKeySize:]) {
			return nil, errors.New("ed25519: redundant public key mismatch")
		}
		data = priv
	default:
		return nil, fmt.Errorf("ed25519: bad private key length %d", len(data))
	}
	k := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(k, data)
	return &Ed25519PrivateKey{k: k}, nil
}

// UnmarshalEd25519PublicKey parses an ed25519 public key from its raw form.
func UnmarshalEd25519PublicKey(data []byte) (PubKey, error) {
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519: bad public key length %d", len(data))
	}
	k := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(k, data)
	return &Ed25519PublicKey{k: k}, nil
}

func (k *Ed25519PrivateKey) Type() KeyType { return Ed25519 }

func (k *Ed25519PrivateKey) Raw() ([]byte, error) {
	out := make([]byte, len(k.k))
	copy(out, k.k)
	return out, nil
}

func (k *Ed25519PrivateKey) Equals(o Key) bool {
	other, ok := o.(*Ed25519PrivateKey)
	if !ok {
		return basicEquals(k, o)
	}
	return k.k.Equal(other.k)
}

func (k *Ed25519PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.k, msg), nil
}

func (k *Ed25519PrivateKey) GetPublic() PubKey {
	return &Ed25519PublicKey{k: k.k.Public().(ed25519.PublicKey)}
}

func (k *Ed25519PublicKey) Type() KeyType { return Ed25519 }

func (k *Ed25519PublicKey) Raw() ([]byte, error) {
	out := make([]byte, len(k.k))
	copy(out, k.k)
	return out, nil
}

func (k *Ed25519PublicKey) Equals(o Key) bool {
	other, ok := o.(*Ed25519PublicKey)
	if !ok {
		return basicEquals(k, o)
	}
	return k.k.Equal(other.k)
}

func (k *Ed25519PublicKey) Verify(data, sig []byte) (bool, error) {
	if len(sig) == 0 {
		return false, ErrNilSig
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("ed25519: bad signature length %d", len(sig))
	}
	return ed25519.Verify(k.k, data, sig), nil
}
