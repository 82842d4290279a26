// Package record implements signed envelopes: self-certifying containers
// binding a typed payload to the public key that signed it.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shurlinet/peernet/core/crypto"
)

var (
	// ErrEmptyDomain is returned when sealing or consuming with an empty
	// domain separator.
	ErrEmptyDomain = errors.New("envelope domain must not be empty")

	// ErrInvalidSignature is returned when an envelope's signature does
	// not verify against its public key.
	ErrInvalidSignature = errors.New("invalid envelope signature")

	// ErrPayloadTypeNotRegistered is returned when consuming an envelope
	// whose payload type has no registered record type.
	ErrPayloadTypeNotRegistered = errors.New("payload type is not registered")
)

// Record is a payload that can travel inside a signed envelope.
type Record interface {
	// Domain is the signature domain separator for this record kind.
	Domain() string

	// Codec is the payload-type discriminator stored in the envelope.
	Codec() []byte

	// MarshalRecord serializes the record payload.
	MarshalRecord() ([]byte, error)

	// UnmarshalRecord parses the record payload in place.
	UnmarshalRecord([]byte) error
}

// Envelope is a signed, typed payload.
type Envelope struct {
	// PublicKey of the keypair that signed the payload.
	PublicKey crypto.PubKey

	// PayloadType discriminates the payload encoding.
	PayloadType []byte

	// RawPayload is the serialized record.
	RawPayload []byte

	signature    []byte
	cached       Record
	unmarshal    sync.Once
	unmarshalErr error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Record{}
)

// RegisterType registers a record type so ConsumeEnvelope can instantiate
// payloads of its codec.
func RegisterType(r Record) {
	registryMu.Lock()
	defer registryMu.Unlock()
	typ := reflect.TypeOf(r)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	registry[string(r.Codec())] = func() Record {
		return reflect.New(typ).Interface().(Record)
	}
}

// Seal signs rec with privKey and wraps it in an envelope.
func Seal(rec Record, privKey crypto.PrivKey) (*Envelope, error) {
	if rec.Domain() == "" {
		return nil, ErrEmptyDomain
	}
	payload, err := rec.MarshalRecord()
	if err != nil {
		return nil, fmt.Errorf("marshaling record payload: %w", err)
	}
	unsigned := signedBytes(rec.Domain(), rec.Codec(), payload)
	sig, err := privKey.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("signing envelope: %w", err)
	}
	return &Envelope{
		PublicKey:   privKey.GetPublic(),
		PayloadType: rec.Codec(),
		RawPayload:  payload,
		signature:   sig,
	}, nil
}

// ConsumeEnvelope parses and verifies a serialized envelope in the given
// domain, returning the envelope and its typed record.
func ConsumeEnvelope(data []byte, domain string) (*Envelope, Record, error) {
	e, err := UnmarshalEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	if err := e.validate(domain); err != nil {
		return nil, nil, err
	}
	rec, err := e.Record()
	if err != nil {
		return nil, nil, err
	}
	return e, rec, nil
}

// ConsumeTypedEnvelope parses and verifies a serialized envelope directly
// into rec, using rec's own domain.
func ConsumeTypedEnvelope(data []byte, rec Record) (*Envelope, error) {
	e, err := UnmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	if err := e.validate(rec.Domain()); err != nil {
		return nil, err
	}
	if !bytes.Equal(e.PayloadType, rec.Codec()) {
		return nil, fmt.Errorf("envelope payload type mismatch")
	}
	if err := rec.UnmarshalRecord(e.RawPayload); err != nil {
		return nil, err
	}
	e.cached = rec
	e.unmarshal.Do(func() {})
	return e, nil
}

// Record returns the typed payload, unmarshaling it on first use.
func (e *Envelope) Record() (Record, error) {
	e.unmarshal.Do(func() {
		registryMu.RLock()
		factory, ok := registry[string(e.PayloadType)]
		registryMu.RUnlock()
		if !ok {
			e.unmarshalErr = ErrPayloadTypeNotRegistered
			return
		}
		rec := factory()
		if err := rec.UnmarshalRecord(e.RawPayload); err != nil {
			e.unmarshalErr = err
			return
		}
		e.cached = rec
	})
	return e.cached, e.unmarshalErr
}

// Equal reports whether two envelopes carry the same key, type, payload
// and signature.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.PublicKey.Equals(o.PublicKey) &&
		bytes.Equal(e.PayloadType, o.PayloadType) &&
		bytes.Equal(e.RawPayload, o.RawPayload) &&
		bytes.Equal(e.signature, o.signature)
}

func (e *Envelope) validate(domain string) error {
	if domain == "" {
		return ErrEmptyDomain
	}
	unsigned := signedBytes(domain, e.PayloadType, e.RawPayload)
	ok, err := e.PublicKey.Verify(unsigned, e.signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// signedBytes builds the byte string the signature covers: each of the
// domain, payload type and payload, varint-length-prefixed, concatenated.
func signedBytes(domain string, payloadType, payload []byte) []byte {
	fields := [][]byte{[]byte(domain), payloadType, payload}
	size := 0
	for _, f := range fields {
		size += varint.UvarintSize(uint64(len(f))) + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, varint.ToUvarint(uint64(len(f)))...)
		out = append(out, f...)
	}
	return out
}

// Marshal serializes the envelope:
//
//	message Envelope {
//	  bytes public_key   = 1;  // protobuf-encoded key
//	  bytes payload_type = 2;
//	  bytes payload      = 3;
//	  bytes signature    = 5;
//	}
func (e *Envelope) Marshal() ([]byte, error) {
	keyBytes, err := crypto.MarshalPublicKey(e.PublicKey)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, keyBytes)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.PayloadType)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.RawPayload)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, e.signature)
	return b, nil
}

// UnmarshalEnvelope parses a serialized envelope without verifying it.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			pk, err := crypto.UnmarshalPublicKey(v)
			if err != nil {
				return nil, fmt.Errorf("envelope public key: %w", err)
			}
			e.PublicKey = pk
		case 2:
			e.PayloadType = append([]byte(nil), v...)
		case 3:
			e.RawPayload = append([]byte(nil), v...)
		case 5:
			e.signature = append([]byte(nil), v...)
		}
	}
	if e.PublicKey == nil {
		return nil, errors.New("envelope missing public key")
	}
	return e, nil
}
