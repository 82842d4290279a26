package holepunch

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Message types. The values match the DCUtR wire protocol.
type msgType int32

const (
	msgConnect msgType = 100
	msgSync    msgType = 300
)

// holePunchMsg is the single DCUtR message shape:
//
//	message HolePunch {
//	  Type type = 1;                // CONNECT or SYNC
//	  repeated bytes obs_addrs = 2; // observed/public candidates
//	}
type holePunchMsg struct {
	Type     msgType
	ObsAddrs [][]byte
}

func (m *holePunchMsg) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	for _, a := range m.ObsAddrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b, nil
}

func (m *holePunchMsg) Unmarshal(data []byte) error {
	*m = holePunchMsg{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == 1 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Type = msgType(v)
			data = data[n:]
		case num == 2 && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ObsAddrs = append(m.ObsAddrs, append([]byte(nil), v...))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
