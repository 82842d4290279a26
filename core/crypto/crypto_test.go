package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestEd25519SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello peernet")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := pub.Verify(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid signature did not verify")
	}

	t.Run("tampered message", func(t *testing.T) {
		ok, err := pub.Verify([]byte("hello peernet!"), sig)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("tampered message verified")
		}
	})

	t.Run("empty signature", func(t *testing.T) {
		if _, err := pub.Verify(msg, nil); err == nil {
			t.Error("expected error for nil signature")
		}
	})
}

func TestSecp256k1SignVerify(t *testing.T) {
	priv, pub, err := GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello again")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("valid signature did not verify")
	}
	ok, err = pub.Verify([]byte("different"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("signature verified for wrong message")
	}
}

func TestKeyWireRoundTrip(t *testing.T) {
	for _, typ := range []KeyType{Ed25519, Secp256k1} {
		priv, pub, err := GenerateKeyPair(typ, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}

		pubBytes, err := MarshalPublicKey(pub)
		if err != nil {
			t.Fatal(err)
		}
		pub2, err := UnmarshalPublicKey(pubBytes)
		if err != nil {
			t.Fatal(err)
		}
		if !pub.Equals(pub2) {
			t.Errorf("public key round trip mismatch for type %d", typ)
		}

		privBytes, err := MarshalPrivateKey(priv)
		if err != nil {
			t.Fatal(err)
		}
		priv2, err := UnmarshalPrivateKey(privBytes)
		if err != nil {
			t.Fatal(err)
		}
		if !priv.Equals(priv2) {
			t.Errorf("private key round trip mismatch for type %d", typ)
		}

		// Both parses must agree on the raw form.
		r1, _ := pub.Raw()
		r2, _ := pub2.Raw()
		if !bytes.Equal(r1, r2) {
			t.Error("raw public key bytes differ after round trip")
		}
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	if _, err := UnmarshalPublicKey([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := UnmarshalPublicKey(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestKeyEquality(t *testing.T) {
	priv1, pub1, _ := GenerateEd25519Key(rand.Reader)
	priv2, pub2, _ := GenerateEd25519Key(rand.Reader)

	if pub1.Equals(pub2) {
		t.Error("distinct keys compare equal")
	}
	if priv1.Equals(priv2) {
		t.Error("distinct private keys compare equal")
	}
	if !pub1.Equals(priv1.GetPublic()) {
		t.Error("GetPublic does not match generated public key")
	}
}
