package proto

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/record"
)

func TestVoucherSealConsume(t *testing.T) {
	relayKey, relayPub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	relayID, _ := peer.IDFromPublicKey(relayPub)
	_, clientPub, _ := crypto.GenerateEd25519Key(rand.Reader)
	clientID, _ := peer.IDFromPublicKey(clientPub)

	expire := uint64(time.Now().Add(time.Hour).Unix())
	voucher := &ReservationVoucher{
		Relay:      relayID,
		Peer:       clientID,
		Expiration: expire,
	}

	env, err := record.Seal(voucher, relayKey)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	out := &ReservationVoucher{}
	env2, err := record.ConsumeTypedEnvelope(blob, out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Relay != relayID || out.Peer != clientID || out.Expiration != expire {
		t.Errorf("voucher round trip: %+v", out)
	}
	signer, err := peer.IDFromPublicKey(env2.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if signer != relayID {
		t.Errorf("signer = %s, want relay %s", signer, relayID)
	}
}

func TestVoucherRejectsForeignSignature(t *testing.T) {
	relayKey, relayPub, _ := crypto.GenerateEd25519Key(rand.Reader)
	relayID, _ := peer.IDFromPublicKey(relayPub)
	otherKey, _, _ := crypto.GenerateEd25519Key(rand.Reader)

	voucher := &ReservationVoucher{Relay: relayID, Peer: relayID, Expiration: 1}
	env, err := record.Seal(voucher, otherKey)
	if err != nil {
		t.Fatal(err)
	}
	blob, _ := env.Marshal()

	out := &ReservationVoucher{}
	env2, err := record.ConsumeTypedEnvelope(blob, out)
	if err != nil {
		t.Fatal(err)
	}
	// The envelope verifies against its own key; binding it to the
	// relay is the consumer's job.
	signer, _ := peer.IDFromPublicKey(env2.PublicKey)
	if signer == relayID {
		t.Error("foreign signature attributed to relay")
	}
	_ = relayKey
}
