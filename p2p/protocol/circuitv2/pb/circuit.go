// Package pb defines the circuit v2 control messages and their
// hand-written protowire codecs.
package pb

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status codes carried in HOP and STOP status replies.
type Status int32

const (
	StatusUnused Status = 0

	StatusOK Status = 100

	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204

	StatusMalformedMessage  Status = 400
	StatusUnexpectedMessage Status = 401
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusReservationRefused:
		return "RESERVATION_REFUSED"
	case StatusResourceLimitExceeded:
		return "RESOURCE_LIMIT_EXCEEDED"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusConnectionFailed:
		return "CONNECTION_FAILED"
	case StatusNoReservation:
		return "NO_RESERVATION"
	case StatusMalformedMessage:
		return "MALFORMED_MESSAGE"
	case StatusUnexpectedMessage:
		return "UNEXPECTED_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// HopMessage types.
type HopMessageType int32

const (
	HopReserve HopMessageType = 0
	HopConnect HopMessageType = 1
	HopStatus  HopMessageType = 2
)

// StopMessage types.
type StopMessageType int32

const (
	StopConnect StopMessageType = 0
	StopStatus  StopMessageType = 1
)

// Peer names a peer and optionally its addresses.
type Peer struct {
	ID    []byte
	Addrs [][]byte
}

// Reservation is a relay's acceptance of a RESERVE request.
type Reservation struct {
	// Expire is the unix timestamp the reservation lapses at.
	Expire uint64

	// Addrs are the relay's own public addresses.
	Addrs [][]byte

	// Voucher is a signed record binding relay, client and expiry.
	Voucher []byte
}

// Limit caps a relayed session.
type Limit struct {
	// Duration in seconds; zero means unlimited.
	Duration uint32

	// Data is the byte cap across both directions; zero means unlimited.
	Data uint64
}

// HopMessage is spoken by clients to relays.
type HopMessage struct {
	Type        HopMessageType
	Peer        *Peer
	Reservation *Reservation
	Limit       *Limit
	Status      Status
}

// StopMessage is spoken by relays to circuit destinations.
type StopMessage struct {
	Type   StopMessageType
	Peer   *Peer
	Limit  *Limit
	Status Status
}

// ErrMalformed is returned when a control message does not parse.
var ErrMalformed = errors.New("malformed circuit message")

func (p *Peer) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.ID)
	for _, a := range p.Addrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b
}

func unmarshalPeer(data []byte) (*Peer, error) {
	p := &Peer{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformed
		}
		data = data[n:]
		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return nil, ErrMalformed
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, ErrMalformed
		}
		data = data[n:]
		switch num {
		case 1:
			p.ID = append([]byte(nil), v...)
		case 2:
			p.Addrs = append(p.Addrs, append([]byte(nil), v...))
		}
	}
	if p.ID == nil {
		return nil, ErrMalformed
	}
	return p, nil
}

func (r *Reservation) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Expire)
	for _, a := range r.Addrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if len(r.Voucher) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Voucher)
	}
	return b
}

func unmarshalReservation(data []byte) (*Reservation, error) {
	r := &Reservation{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, ErrMalformed
			}
			r.Expire = v
			data = data[n:]
		case num == 2 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrMalformed
			}
			r.Addrs = append(r.Addrs, append([]byte(nil), v...))
			data = data[n:]
		case num == 3 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, ErrMalformed
			}
			r.Voucher = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return nil, ErrMalformed
			}
			data = data[n:]
		}
	}
	return r, nil
}

func (l *Limit) marshal() []byte {
	var b []byte
	if l.Duration > 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.Duration))
	}
	if l.Data > 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, l.Data)
	}
	return b
}

func unmarshalLimit(data []byte) (*Limit, error) {
	l := &Limit{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, ErrMalformed
		}
		data = data[n:]
		if wtyp != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return nil, ErrMalformed
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, ErrMalformed
		}
		data = data[n:]
		switch num {
		case 1:
			l.Duration = uint32(v)
		case 2:
			l.Data = v
		}
	}
	return l, nil
}

// Marshal serializes a HopMessage.
func (m *HopMessage) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Peer != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Peer.marshal())
	}
	if m.Reservation != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Reservation.marshal())
	}
	if m.Limit != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b, nil
}

// Unmarshal parses a HopMessage in place.
func (m *HopMessage) Unmarshal(data []byte) error {
	*m = HopMessage{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformed
			}
			m.Type = HopMessageType(v)
			data = data[n:]
		case num == 5 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformed
			}
			m.Status = Status(v)
			data = data[n:]
		case wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformed
			}
			data = data[n:]
			var err error
			switch num {
			case 2:
				m.Peer, err = unmarshalPeer(v)
			case 3:
				m.Reservation, err = unmarshalReservation(v)
			case 4:
				m.Limit, err = unmarshalLimit(v)
			}
			if err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return ErrMalformed
			}
			data = data[n:]
		}
	}
	return nil
}

// Marshal serializes a StopMessage.
func (m *StopMessage) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Peer != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Peer.marshal())
	}
	if m.Limit != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Limit.marshal())
	}
	if m.Status != StatusUnused {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b, nil
}

// Unmarshal parses a StopMessage in place.
func (m *StopMessage) Unmarshal(data []byte) error {
	*m = StopMessage{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformed
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformed
			}
			m.Type = StopMessageType(v)
			data = data[n:]
		case num == 4 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformed
			}
			m.Status = Status(v)
			data = data[n:]
		case wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformed
			}
			data = data[n:]
			var err error
			switch num {
			case 2:
				m.Peer, err = unmarshalPeer(v)
			case 3:
				m.Limit, err = unmarshalLimit(v)
			}
			if err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return ErrMalformed
			}
			data = data[n:]
		}
	}
	return nil
}
