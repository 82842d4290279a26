package autonat

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Outcome of one dial-back attempt.
type Outcome int32

const (
	OutcomeOK Outcome = iota
	OutcomeDialError
	OutcomeDialRefused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDialError:
		return "dial_error"
	case OutcomeDialRefused:
		return "dial_refused"
	default:
		return "unknown"
	}
}

// dialRequest asks the service to dial the candidate addresses back.
//
//	message DialRequest {
//	  repeated bytes addrs = 1;
//	  uint64 nonce = 2;
//	}
type dialRequest struct {
	Addrs [][]byte
	Nonce uint64
}

// addrOutcome is the per-address verdict.
//
//	message AddrOutcome {
//	  bytes addr = 1;
//	  Outcome outcome = 2;
//	}
type addrOutcome struct {
	Addr    []byte
	Outcome Outcome
}

// dialResponse carries the verdicts.
//
//	message DialResponse {
//	  repeated AddrOutcome outcomes = 1;
//	}
type dialResponse struct {
	Outcomes []addrOutcome
}

func (m *dialRequest) Marshal() ([]byte, error) {
	var b []byte
	for _, a := range m.Addrs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if m.Nonce != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Nonce)
	}
	return b, nil
}

func (m *dialRequest) Unmarshal(data []byte) error {
	*m = dialRequest{}
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
			m.Addrs = append(m.Addrs, append([]byte(nil), v...))
			data = data[n:]
		case num == 2 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Nonce = v
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

func (m *dialResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, o := range m.Outcomes {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendBytes(sub, o.Addr)
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(o.Outcome))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b, nil
}

func (m *dialResponse) Unmarshal(data []byte) error {
	*m = dialResponse{}
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 || wtyp != protowire.BytesType {
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
		var o addrOutcome
		if err := o.unmarshal(v); err != nil {
			return err
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	return nil
}

func (o *addrOutcome) unmarshal(data []byte) error {
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
			o.Addr = append([]byte(nil), v...)
			data = data[n:]
		case num == 2 && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			o.Outcome = Outcome(v)
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
