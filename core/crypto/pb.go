package crypto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire form of a key:
//
//	message Key {
//	  KeyType type = 1;
//	  bytes   data = 2;
//	}
//
// The codec is hand-written on protowire; this repo ships no generated code.

// MarshalPublicKey serializes a public key to its protobuf wire form.
func MarshalPublicKey(k PubKey) ([]byte, error) {
	return marshalKey(k)
}

// MarshalPrivateKey serializes a private key to its protobuf wire form.
func MarshalPrivateKey(k PrivKey) ([]byte, error) {
	return marshalKey(k)
}

func marshalKey(k Key) ([]byte, error) {
	raw, err := k.Raw()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(k.Type()))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// UnmarshalPublicKey parses a public key from its protobuf wire form.
func UnmarshalPublicKey(data []byte) (PubKey, error) {
	typ, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case Ed25519:
		return UnmarshalEd25519PublicKey(raw)
	case Secp256k1:
		return UnmarshalSecp256k1PublicKey(raw)
	default:
		return nil, ErrBadKeyType
	}
}

// UnmarshalPrivateKey parses a private key from its protobuf wire form.
func UnmarshalPrivateKey(data []byte) (PrivKey, error) {
	typ, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case Ed25519:
		return UnmarshalEd25519PrivateKey(raw)
	case Secp256k1:
		return UnmarshalSecp256k1PrivateKey(raw)
	default:
		return nil, ErrBadKeyType
	}
}

func unmarshalKey(data []byte) (KeyType, []byte, error) {
	var (
		typ     KeyType = -1
		raw     []byte
		sawType bool
		sawData bool
	)
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			typ = KeyType(v)
			sawType = true
			data = data[n:]
		case num == 2 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			raw = v
			sawData = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if !sawType || !sawData {
		return 0, nil, errors.New("key message missing required fields")
	}
	if typ < RSA || typ > ECDSA {
		return 0, nil, fmt.Errorf("%w: %d", ErrBadKeyType, typ)
	}
	return typ, raw, nil
}
