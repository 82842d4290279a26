package record

import (
	"errors"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shurlinet/peernet/core/peer"
)

// PeerRecordEnvelopeDomain is the signature domain for peer records.
const PeerRecordEnvelopeDomain = "libp2p-peer-record"

// PeerRecordEnvelopePayloadType is the multicodec for the libp2p-peer-record
// payload type.
var PeerRecordEnvelopePayloadType = []byte{0x03, 0x01}

func init() {
	RegisterType(&PeerRecord{})
}

var lastTimestamp atomic.Uint64

// PeerRecord binds a peer ID to a set of listen addresses, with a sequence
// number so stale records can be rejected.
type PeerRecord struct {
	PeerID peer.ID
	Addrs  []ma.Multiaddr
	Seq    uint64
}

// NewPeerRecord returns a PeerRecord with a fresh monotonic sequence
// number. The caller fills in PeerID and Addrs.
func NewPeerRecord() *PeerRecord {
	return &PeerRecord{Seq: nextSeq()}
}

// nextSeq produces strictly increasing sequence numbers even when called
// within the same wall-clock second.
func nextSeq() uint64 {
	for {
		now := uint64(time.Now().Unix())
		prev := lastTimestamp.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastTimestamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}

func (r *PeerRecord) Domain() string { return PeerRecordEnvelopeDomain }
func (r *PeerRecord) Codec() []byte  { return PeerRecordEnvelopePayloadType }

// MarshalRecord serializes the record:
//
//	message PeerRecord {
//	  bytes  peer_id = 1;
//	  uint64 seq     = 2;
//	  repeated AddressInfo addresses = 3;  // AddressInfo{bytes multiaddr = 1}
//	}
func (r *PeerRecord) MarshalRecord() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.PeerID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	for _, a := range r.Addrs {
		var addrMsg []byte
		addrMsg = protowire.AppendTag(addrMsg, 1, protowire.BytesType)
		addrMsg = protowire.AppendBytes(addrMsg, a.Bytes())
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, addrMsg)
	}
	return b, nil
}

// UnmarshalRecord parses a serialized PeerRecord. Unparseable addresses
// are dropped rather than failing the whole record.
func (r *PeerRecord) UnmarshalRecord(data []byte) error {
	if r == nil {
		return errors.New("cannot unmarshal into nil PeerRecord")
	}
	r.Addrs = nil
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
			r.PeerID = id
			data = data[n:]
		case num == 2 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Seq = v
			data = data[n:]
		case num == 3 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if a := parseAddressInfo(v); a != nil {
				r.Addrs = append(r.Addrs, a)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if r.PeerID == "" {
		return errors.New("peer record missing peer ID")
	}
	return nil
}

func parseAddressInfo(msg []byte) ma.Multiaddr {
	for len(msg) > 0 {
		num, wtyp, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil
		}
		msg = msg[n:]
		if num == 1 && wtyp == protowire.BytesType {
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil
			}
			a, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				return nil
			}
			return a
		}
		n = protowire.ConsumeFieldValue(num, wtyp, msg)
		if n < 0 {
			return nil
		}
		msg = msg[n:]
	}
	return nil
}
