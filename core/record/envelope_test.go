package record

import (
	"crypto/rand"
	"errors"
	"testing"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
)

func makeRecord(t *testing.T) (*PeerRecord, crypto.PrivKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := ma.NewMultiaddr("/ip4/192.0.2.1/tcp/4001")
	if err != nil {
		t.Fatal(err)
	}
	rec := NewPeerRecord()
	rec.PeerID = id
	rec.Addrs = []ma.Multiaddr{addr}
	return rec, priv
}

func TestSealAndConsume(t *testing.T) {
	rec, priv := makeRecord(t)

	env, err := Seal(rec, priv)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	env2, rec2, err := ConsumeEnvelope(blob, PeerRecordEnvelopeDomain)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Equal(env2) {
		t.Error("envelope changed across serialization")
	}
	pr, ok := rec2.(*PeerRecord)
	if !ok {
		t.Fatalf("record type = %T, want *PeerRecord", rec2)
	}
	if pr.PeerID != rec.PeerID {
		t.Errorf("peer id = %s, want %s", pr.PeerID, rec.PeerID)
	}
	if pr.Seq != rec.Seq {
		t.Errorf("seq = %d, want %d", pr.Seq, rec.Seq)
	}
	if len(pr.Addrs) != 1 || !pr.Addrs[0].Equal(rec.Addrs[0]) {
		t.Errorf("addrs = %v, want %v", pr.Addrs, rec.Addrs)
	}
}

func TestConsumeRejectsWrongDomain(t *testing.T) {
	rec, priv := makeRecord(t)
	env, err := Seal(rec, priv)
	if err != nil {
		t.Fatal(err)
	}
	blob, _ := env.Marshal()

	if _, _, err := ConsumeEnvelope(blob, "some-other-domain"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestConsumeRejectsTampering(t *testing.T) {
	rec, priv := makeRecord(t)
	env, err := Seal(rec, priv)
	if err != nil {
		t.Fatal(err)
	}
	blob, _ := env.Marshal()

	// Flip a byte in the payload region.
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)/2] ^= 0x01

	if _, _, err := ConsumeEnvelope(tampered, PeerRecordEnvelopeDomain); err == nil {
		t.Error("tampered envelope verified")
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	a := NewPeerRecord()
	b := NewPeerRecord()
	if b.Seq <= a.Seq {
		t.Errorf("seq not increasing: %d then %d", a.Seq, b.Seq)
	}
}

func TestConsumeTypedEnvelope(t *testing.T) {
	rec, priv := makeRecord(t)
	env, _ := Seal(rec, priv)
	blob, _ := env.Marshal()

	var out PeerRecord
	if _, err := ConsumeTypedEnvelope(blob, &out); err != nil {
		t.Fatal(err)
	}
	if out.PeerID != rec.PeerID {
		t.Errorf("peer id = %s, want %s", out.PeerID, rec.PeerID)
	}
}
