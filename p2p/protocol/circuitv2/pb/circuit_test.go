package pb

import (
	"bytes"
	"testing"
)

func TestHopMessageRoundTrip(t *testing.T) {
	msg := &HopMessage{
		Type: HopConnect,
		Peer: &Peer{
			ID:    []byte{0x00, 0x24, 0x08, 0x01, 0x12, 0x20},
			Addrs: [][]byte{{0x04, 0x7f, 0x00, 0x00, 0x01}},
		},
		Reservation: &Reservation{
			Expire:  1234567890,
			Addrs:   [][]byte{{0x01}, {0x02}},
			Voucher: []byte("envelope"),
		},
		Limit:  &Limit{Duration: 60, Data: 4096},
		Status: StatusOK,
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var out HopMessage
	if err := out.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if out.Type != HopConnect || out.Status != StatusOK {
		t.Errorf("type/status: %+v", out)
	}
	if out.Peer == nil || !bytes.Equal(out.Peer.ID, msg.Peer.ID) {
		t.Errorf("peer: %+v", out.Peer)
	}
	if out.Reservation == nil || out.Reservation.Expire != 1234567890 {
		t.Errorf("reservation: %+v", out.Reservation)
	}
	if len(out.Reservation.Addrs) != 2 {
		t.Errorf("reservation addrs: %v", out.Reservation.Addrs)
	}
	if !bytes.Equal(out.Reservation.Voucher, []byte("envelope")) {
		t.Errorf("voucher: %q", out.Reservation.Voucher)
	}
	if out.Limit == nil || out.Limit.Duration != 60 || out.Limit.Data != 4096 {
		t.Errorf("limit: %+v", out.Limit)
	}
}

func TestStopMessageRoundTrip(t *testing.T) {
	msg := &StopMessage{
		Type:   StopConnect,
		Peer:   &Peer{ID: []byte{0x12, 0x20, 0x01}},
		Limit:  &Limit{Duration: 10},
		Status: StatusUnused,
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var out StopMessage
	if err := out.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if out.Type != StopConnect {
		t.Errorf("type = %d", out.Type)
	}
	if out.Peer == nil || !bytes.Equal(out.Peer.ID, msg.Peer.ID) {
		t.Errorf("peer: %+v", out.Peer)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var m HopMessage
	if err := m.Unmarshal([]byte{0xff, 0xff}); err == nil {
		t.Error("garbage parsed")
	}
}

func TestStatusStrings(t *testing.T) {
	cases := map[Status]string{
		StatusOK:                    "OK",
		StatusNoReservation:         "NO_RESERVATION",
		StatusResourceLimitExceeded: "RESOURCE_LIMIT_EXCEEDED",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %s, want %s", s, s.String(), want)
		}
	}
}
