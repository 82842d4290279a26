package noise

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Handshake payload wire form:
//
//	message NoiseHandshakePayload {
//	  bytes identity_key = 1;  // protobuf-encoded libp2p public key
//	  bytes identity_sig = 2;  // signature over the static-key assertion
//	  bytes extensions   = 4;  // ignored
//	}

func marshalHandshakePayload(identityKey, identitySig []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, identityKey)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, identitySig)
	return b
}

func unmarshalHandshakePayload(data []byte) (identityKey, identitySig []byte, err error) {
	for len(data) > 0 {
		num, wtyp, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		data = data[n:]
		if wtyp != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, wtyp, data)
			if n < 0 {
				return nil, nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			identityKey = v
		case 2:
			identitySig = v
		}
	}
	if identityKey == nil || identitySig == nil {
		return nil, nil, errors.New("noise: handshake payload missing identity fields")
	}
	return identityKey, identitySig, nil
}
