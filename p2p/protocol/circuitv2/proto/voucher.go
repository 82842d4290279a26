// Package proto holds the circuit v2 protocol ids and the reservation
// voucher record.
package proto

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/record"
)

// Protocol ids of the two circuit v2 sub-protocols.
const (
	ProtoIDv2Hop  = protocol.CircuitHop
	ProtoIDv2Stop = protocol.CircuitStop
)

// RecordDomain is the signature domain for reservation vouchers.
const RecordDomain = "libp2p-relay-rsvp"

// RecordCodec is the voucher payload-type discriminator.
var RecordCodec = []byte{0x03, 0x02}

func init() {
	record.RegisterType(&ReservationVoucher{})
}

// ReservationVoucher is a signed record from a relay binding
// {relay, peer, expiration}.
type ReservationVoucher struct {
	// Relay is the peer providing the reservation.
	Relay peer.ID

	// Peer is the client holding the reservation.
	Peer peer.ID

	// Expiration is the unix timestamp the reservation lapses at.
	Expiration uint64
}

var _ record.Record = (*ReservationVoucher)(nil)

func (rv *ReservationVoucher) Domain() string { return RecordDomain }
func (rv *ReservationVoucher) Codec() []byte  { return RecordCodec }

func (rv *ReservationVoucher) MarshalRecord() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(rv.Relay))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(rv.Peer))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, rv.Expiration)
	return b, nil
}

func (rv *ReservationVoucher) UnmarshalRecord(data []byte) error {
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return err
			}
			rv.Relay = id
			data = data[n:]
		case num == 2 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return err
			}
			rv.Peer = id
			data = data[n:]
		case num == 3 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			rv.Expiration = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if rv.Relay == "" || rv.Peer == "" {
		return errors.New("reservation voucher missing peer ids")
	}
	return nil
}
