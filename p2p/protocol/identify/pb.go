package identify

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Identify message wire form:
//
//	message Identify {
//	  bytes  public_key        = 1;
//	  repeated bytes listen_addrs = 2;
//	  repeated string protocols = 3;
//	  bytes  observed_addr     = 4;
//	  string protocol_version  = 5;
//	  string agent_version     = 6;
//	  bytes  signed_peer_record = 8;
//	}
type identifyMsg struct {
	PublicKey        []byte
	ListenAddrs      [][]byte
	Protocols        []string
	ObservedAddr     []byte
	ProtocolVersion  string
	AgentVersion     string
	SignedPeerRecord []byte
}

func (m *identifyMsg) Marshal() ([]byte, error) {
	var b []byte
	if len(m.PublicKey) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PublicKey)
	}
	for _, a := range m.ListenAddrs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	for _, p := range m.Protocols {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if len(m.ObservedAddr) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ObservedAddr)
	}
	if m.ProtocolVersion != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.ProtocolVersion)
	}
	if m.AgentVersion != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, m.AgentVersion)
	}
	if len(m.SignedPeerRecord) > 0 {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SignedPeerRecord)
	}
	return b, nil
}

func (m *identifyMsg) Unmarshal(data []byte) error {
	*m = identifyMsg{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			m.PublicKey = append([]byte(nil), v...)
		case 2:
			m.ListenAddrs = append(m.ListenAddrs, append([]byte(nil), v...))
		case 3:
			m.Protocols = append(m.Protocols, string(v))
		case 4:
			m.ObservedAddr = append([]byte(nil), v...)
		case 5:
			m.ProtocolVersion = string(v)
		case 6:
			m.AgentVersion = string(v)
		case 8:
			m.SignedPeerRecord = append([]byte(nil), v...)
		}
	}
	return nil
}
