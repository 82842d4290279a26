package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1PrivateKey is a secp256k1 private key.
type Secp256k1PrivateKey struct {
	k *secp256k1.PrivateKey
}

// Secp256k1PublicKey is a secp256k1 public key.
type Secp256k1PublicKey struct {
	k *secp256k1.PublicKey
}

// GenerateSecp256k1Key generates a new secp256k1 key pair. The source is
// accepted for interface symmetry; the curve library draws its own entropy.
func GenerateSecp256k1Key(_ io.Reader) (PrivKey, PubKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return &Secp256k1PrivateKey{k: priv}, &Secp256k1PublicKey{k: priv.PubKey()}, nil
}

// UnmarshalSecp256k1PrivateKey parses a secp256k1 private key from its
// 32-byte raw form.
func UnmarshalSecp256k1PrivateKey(data []byte) (PrivKey, error) {
	if len(data) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("secp256k1: bad private key length %d", len(data))
	}
	return &Secp256k1PrivateKey{k: secp256k1.PrivKeyFromBytes(data)}, nil
}

// UnmarshalSecp256k1PublicKey parses a secp256k1 public key from its
// compressed form.
func UnmarshalSecp256k1PublicKey(data []byte) (PubKey, error) {
	k, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, err
	}
	return &Secp256k1PublicKey{k: k}, nil
}

func (k *Secp256k1PrivateKey) Type() KeyType { return Secp256k1 }

func (k *Secp256k1PrivateKey) Raw() ([]byte, error) {
	return k.k.Serialize(), nil
}

func (k *Secp256k1PrivateKey) Equals(o Key) bool {
	other, ok := o.(*Secp256k1PrivateKey)
	if !ok {
		return basicEquals(k, o)
	}
	return k.k.Key.Equals(&other.k.Key)
}

// Sign signs the sha256 digest of msg and returns a DER-encoded signature.
func (k *Secp256k1PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return secpecdsa.Sign(k.k, digest[:]).Serialize(), nil
}

func (k *Secp256k1PrivateKey) GetPublic() PubKey {
	return &Secp256k1PublicKey{k: k.k.PubKey()}
}

func (k *Secp256k1PublicKey) Type() KeyType { return Secp256k1 }

func (k *Secp256k1PublicKey) Raw() ([]byte, error) {
	return k.k.SerializeCompressed(), nil
}

func (k *Secp256k1PublicKey) Equals(o Key) bool {
	other, ok := o.(*Secp256k1PublicKey)
	if !ok {
		return basicEquals(k, o)
	}
	return k.k.IsEqual(other.k)
}

func (k *Secp256k1PublicKey) Verify(data, sig []byte) (bool, error) {
	if len(sig) == 0 {
		return false, ErrNilSig
	}
	parsed, err := secpecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], k.k), nil
}
