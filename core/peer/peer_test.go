package peer

import (
	"crypto/rand"
	"testing"

	"pgregory.net/rapid"

	"github.com/shurlinet/peernet/core/crypto"
)

func TestIDFromPublicKey(t *testing.T) {
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Validate(); err != nil {
		t.Fatalf("derived id invalid: %v", err)
	}
	if !id.MatchesPublicKey(pub) {
		t.Error("id does not match its own key")
	}

	// Ed25519 keys are small enough to inline: the key must be
	// extractable from the id itself.
	extracted, err := id.ExtractPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if !extracted.Equals(pub) {
		t.Error("extracted key differs from original")
	}
}

func TestIDDerivationProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, pub1, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		_, pub2, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}

		id1, err := IDFromPublicKey(pub1)
		if err != nil {
			t.Fatal(err)
		}
		id2, err := IDFromPublicKey(pub2)
		if err != nil {
			t.Fatal(err)
		}

		if !id1.MatchesPublicKey(pub1) {
			t.Error("id does not match its key")
		}
		if id1 == id2 {
			t.Error("distinct keys produced the same id")
		}
		if id1.MatchesPublicKey(pub2) {
			t.Error("id matches a foreign key")
		}
	})
}

func TestDecodeStringForms(t *testing.T) {
	_, pub, _ := crypto.GenerateEd25519Key(rand.Reader)
	id, _ := IDFromPublicKey(pub)

	t.Run("base58 round trip", func(t *testing.T) {
		parsed, err := Decode(id.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != id {
			t.Errorf("base58 round trip: got %s, want %s", parsed, id)
		}
	})

	t.Run("cid round trip", func(t *testing.T) {
		c := ToCid(id)
		parsed, err := Decode(c.String())
		if err != nil {
			t.Fatal(err)
		}
		if parsed != id {
			t.Errorf("cid round trip: got %s, want %s", parsed, id)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := Decode(""); err == nil {
			t.Error("expected error for empty string")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := Decode("not-a-peer-id-at-all-%%%"); err == nil {
			t.Error("expected error for garbage")
		}
	})
}

func TestAddrInfoFromP2pAddr(t *testing.T) {
	_, pub, _ := crypto.GenerateEd25519Key(rand.Reader)
	id, _ := IDFromPublicKey(pub)

	ai, err := AddrInfoFromString("/ip4/127.0.0.1/tcp/4001/p2p/" + id.String())
	if err != nil {
		t.Fatal(err)
	}
	if ai.ID != id {
		t.Errorf("ID = %s, want %s", ai.ID, id)
	}
	if len(ai.Addrs) != 1 {
		t.Fatalf("Addrs = %v, want one transport addr", ai.Addrs)
	}
	if ai.Addrs[0].String() != "/ip4/127.0.0.1/tcp/4001" {
		t.Errorf("transport addr = %s", ai.Addrs[0])
	}

	t.Run("no p2p component", func(t *testing.T) {
		if _, err := AddrInfoFromString("/ip4/127.0.0.1/tcp/4001"); err == nil {
			t.Error("expected error without /p2p component")
		}
	})

	t.Run("bare p2p", func(t *testing.T) {
		ai, err := AddrInfoFromString("/p2p/" + id.String())
		if err != nil {
			t.Fatal(err)
		}
		if ai.ID != id || len(ai.Addrs) != 0 {
			t.Errorf("bare p2p addr parsed wrong: %v", ai)
		}
	})
}
