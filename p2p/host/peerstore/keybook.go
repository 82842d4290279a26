package peerstore

import (
	"errors"
	"sync"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
)

type keyBook struct {
	mu   sync.RWMutex
	pub  map[peer.ID]crypto.PubKey
	priv map[peer.ID]crypto.PrivKey
}

func newKeyBook() *keyBook {
	return &keyBook{
		pub:  make(map[peer.ID]crypto.PubKey),
		priv: make(map[peer.ID]crypto.PrivKey),
	}
}

func (kb *keyBook) PubKey(p peer.ID) crypto.PubKey {
	kb.mu.RLock()
	pk := kb.pub[p]
	kb.mu.RUnlock()
	if pk != nil {
		return pk
	}
	// Small keys are inlined in the ID itself.
	pk, err := p.ExtractPublicKey()
	if err != nil {
		return nil
	}
	kb.mu.Lock()
	kb.pub[p] = pk
	kb.mu.Unlock()
	return pk
}

func (kb *keyBook) AddPubKey(p peer.ID, pk crypto.PubKey) error {
	if !p.MatchesPublicKey(pk) {
		return errors.New("public key does not match peer ID")
	}
	kb.mu.Lock()
	kb.pub[p] = pk
	kb.mu.Unlock()
	return nil
}

func (kb *keyBook) PrivKey(p peer.ID) crypto.PrivKey {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.priv[p]
}

func (kb *keyBook) AddPrivKey(p peer.ID, sk crypto.PrivKey) error {
	if sk == nil {
		return errors.New("nil private key")
	}
	if !p.MatchesPrivateKey(sk) {
		return errors.New("private key does not match peer ID")
	}
	kb.mu.Lock()
	kb.priv[p] = sk
	kb.mu.Unlock()
	return nil
}

func (kb *keyBook) PeersWithKeys() []peer.ID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	seen := make(map[peer.ID]struct{}, len(kb.pub)+len(kb.priv))
	for p := range kb.pub {
		seen[p] = struct{}{}
	}
	for p := range kb.priv {
		seen[p] = struct{}{}
	}
	out := make([]peer.ID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (kb *keyBook) remove(p peer.ID) {
	kb.mu.Lock()
	delete(kb.pub, p)
	delete(kb.priv, p)
	kb.mu.Unlock()
}
