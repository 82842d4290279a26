package util

import (
	"bytes"
	"io"
	"testing"

	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/pb"
)

func TestDelimitedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &pb.HopMessage{
		Type:   pb.HopStatus,
		Status: pb.StatusOK,
		Limit:  &pb.Limit{Duration: 120, Data: 1 << 17},
	}
	if err := WriteDelimited(&buf, msg); err != nil {
		t.Fatal(err)
	}

	var out pb.HopMessage
	if err := NewDelimitedReader(&buf).ReadMsg(&out); err != nil {
		t.Fatal(err)
	}
	if out.Type != pb.HopStatus || out.Status != pb.StatusOK {
		t.Errorf("round trip: %+v", out)
	}
	if out.Limit == nil || out.Limit.Duration != 120 || out.Limit.Data != 1<<17 {
		t.Errorf("limit: %+v", out.Limit)
	}
}

// Bytes pipelined right after a control message belong to the upgraded
// connection's data phase; the reader must not consume them.
func TestReaderPreservesTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	msg := &pb.HopMessage{Type: pb.HopStatus, Status: pb.StatusOK}
	if err := WriteDelimited(&buf, msg); err != nil {
		t.Fatal(err)
	}
	trailing := []byte("first noise handshake bytes")
	buf.Write(trailing)

	r := NewDelimitedReader(&buf)
	var out pb.HopMessage
	if err := r.ReadMsg(&out); err != nil {
		t.Fatal(err)
	}

	rest, err := io.ReadAll(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, trailing) {
		t.Errorf("trailing bytes corrupted: %q", rest)
	}
}

func TestReaderRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	// Varint length far past the cap.
	buf.Write([]byte{0xff, 0xff, 0xff, 0x7f})
	var out pb.HopMessage
	if err := NewDelimitedReader(&buf).ReadMsg(&out); err == nil {
		t.Error("oversized message accepted")
	}
}
