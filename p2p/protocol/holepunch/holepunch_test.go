package holepunch

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDefaultFilterStripsRelayAddrs(t *testing.T) {
	direct := mustAddr(t, "/ip4/1.2.3.4/tcp/4001")
	private := mustAddr(t, "/ip4/192.168.1.1/tcp/4001")
	relayed := mustAddr(t, "/ip4/9.9.9.9/tcp/4001/p2p-circuit")

	f := defaultFilter{}
	out := f.FilterLocal("", []ma.Multiaddr{direct, relayed, private})
	if len(out) != 2 {
		t.Fatalf("filtered = %v", out)
	}
	for _, a := range out {
		if _, err := a.ValueForProtocol(ma.P_CIRCUIT); err == nil {
			t.Errorf("relay addr survived filter: %s", a)
		}
	}
}

func TestHolePunchMessageRoundTrip(t *testing.T) {
	msg := &holePunchMsg{
		Type: msgConnect,
		ObsAddrs: [][]byte{
			mustAddr(t, "/ip4/1.2.3.4/tcp/4001").Bytes(),
			mustAddr(t, "/ip6/2001:db8::1/tcp/4001").Bytes(),
		},
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var out holePunchMsg
	if err := out.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if out.Type != msgConnect {
		t.Errorf("type = %d", out.Type)
	}
	if len(out.ObsAddrs) != 2 {
		t.Errorf("obs addrs = %d", len(out.ObsAddrs))
	}
	addrs := decodeAddrs(out.ObsAddrs)
	if len(addrs) != 2 {
		t.Errorf("decoded addrs = %v", addrs)
	}

	sync := &holePunchMsg{Type: msgSync}
	data, err = sync.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if out.Type != msgSync || len(out.ObsAddrs) != 0 {
		t.Errorf("sync round trip: %+v", out)
	}
}
