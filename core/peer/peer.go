// Package peer defines the self-certifying peer identifier: a multihash
// of the peer's public key.
package peer

import (
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"

	"github.com/shurlinet/peernet/core/crypto"
)

// maxInlineKeyLength is the longest marshaled public key that is embedded
// verbatim in the ID with the identity multihash code. Longer keys are
// hashed with sha2-256.
const maxInlineKeyLength = 42

var (
	// ErrEmptyPeerID is returned when parsing an empty string.
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrNoPublicKey is returned when the public key cannot be extracted
	// from the ID (it is a sha2-256 digest, not an inlined key).
	ErrNoPublicKey = errors.New("public key is not embedded in peer ID")
)

// ID is a peer identifier: the raw bytes of a multihash over the peer's
// marshaled public key.
type ID string

// String encodes the ID in its legacy base58btc form.
func (id ID) String() string {
	return base58.Encode([]byte(id))
}

// ShortString truncates the base58 form for logs.
func (id ID) ShortString() string {
	s := id.String()
	if len(s) <= 10 {
		return s
	}
	return s[:2] + "*" + s[len(s)-6:]
}

// Validate reports whether the ID is a well-formed multihash.
func (id ID) Validate() error {
	if len(id) == 0 {
		return ErrEmptyPeerID
	}
	_, err := mh.Cast([]byte(id))
	return err
}

// MatchesPublicKey reports whether deriving an ID from pk yields this ID.
func (id ID) MatchesPublicKey(pk crypto.PubKey) bool {
	derived, err := IDFromPublicKey(pk)
	if err != nil {
		return false
	}
	return derived == id
}

// MatchesPrivateKey reports whether the ID was derived from sk's public key.
func (id ID) MatchesPrivateKey(sk crypto.PrivKey) bool {
	return id.MatchesPublicKey(sk.GetPublic())
}

// ExtractPublicKey returns the public key embedded in the ID, when the ID
// uses the identity multihash. IDs derived via sha2-256 return
// ErrNoPublicKey.
func (id ID) ExtractPublicKey() (crypto.PubKey, error) {
	decoded, err := mh.Decode([]byte(id))
	if err != nil {
		return nil, err
	}
	if decoded.Code != mh.IDENTITY {
		return nil, ErrNoPublicKey
	}
	return crypto.UnmarshalPublicKey(decoded.Digest)
}

// IDFromPublicKey derives the peer ID for a public key. Marshaled keys of
// at most 42 bytes are inlined with the identity code; longer keys are
// hashed with sha2-256.
func IDFromPublicKey(pk crypto.PubKey) (ID, error) {
	b, err := crypto.MarshalPublicKey(pk)
	if err != nil {
		return "", err
	}
	alg := uint64(mh.SHA2_256)
	if len(b) <= maxInlineKeyLength {
		alg = mh.IDENTITY
	}
	hash, err := mh.Sum(b, alg, -1)
	if err != nil {
		return "", err
	}
	return ID(hash), nil
}

// IDFromPrivateKey derives the peer ID for a private key's public half.
func IDFromPrivateKey(sk crypto.PrivKey) (ID, error) {
	return IDFromPublicKey(sk.GetPublic())
}

// IDFromBytes casts raw multihash bytes to an ID, validating them.
func IDFromBytes(b []byte) (ID, error) {
	hash, err := mh.Cast(b)
	if err != nil {
		return "", err
	}
	return ID(hash), nil
}

// Decode parses a peer ID from either its legacy base58btc form or its
// CIDv1 form with the libp2p-key codec.
func Decode(s string) (ID, error) {
	if s == "" {
		return "", ErrEmptyPeerID
	}
	if len(s) > 1 && (s[0] == 'Q' || s[0] == '1') {
		// Legacy base58 multihash (Qm... for sha2-256, 1... for identity).
		b, err := base58.Decode(s)
		if err != nil {
			return "", fmt.Errorf("parsing base58 peer ID: %w", err)
		}
		return IDFromBytes(b)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("parsing CID peer ID: %w", err)
	}
	return FromCid(c)
}

// FromCid converts a CID with the libp2p-key codec to a peer ID.
func FromCid(c cid.Cid) (ID, error) {
	if c.Type() != cid.Libp2pKey {
		return "", fmt.Errorf("CID codec %d is not libp2p-key", c.Type())
	}
	return ID(c.Hash()), nil
}

// ToCid converts a peer ID to its CIDv1 libp2p-key form.
func ToCid(id ID) cid.Cid {
	if id.Validate() != nil {
		return cid.Cid{}
	}
	return cid.NewCidV1(cid.Libp2pKey, mh.Multihash(id))
}
