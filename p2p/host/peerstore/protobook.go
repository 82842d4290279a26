package peerstore

import (
	"sync"

	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
)

type protoBook struct {
	mu    sync.RWMutex
	peers map[peer.ID]map[protocol.ID]struct{}
	order map[peer.ID][]protocol.ID // insertion order for stable output
}

func newProtoBook() *protoBook {
	return &protoBook{
		peers: make(map[peer.ID]map[protocol.ID]struct{}),
		order: make(map[peer.ID][]protocol.ID),
	}
}

func (pb *protoBook) GetProtocols(p peer.ID) ([]protocol.ID, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]protocol.ID, len(pb.order[p]))
	copy(out, pb.order[p])
	return out, nil
}

func (pb *protoBook) AddProtocols(p peer.ID, ids ...protocol.ID) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	set, ok := pb.peers[p]
	if !ok {
		set = make(map[protocol.ID]struct{})
		pb.peers[p] = set
	}
	for _, id := range ids {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		pb.order[p] = append(pb.order[p], id)
	}
	return nil
}

func (pb *protoBook) SetProtocols(p peer.ID, ids ...protocol.ID) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	set := make(map[protocol.ID]struct{}, len(ids))
	order := make([]protocol.ID, 0, len(ids))
	for _, id := range ids {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		order = append(order, id)
	}
	pb.peers[p] = set
	pb.order[p] = order
	return nil
}

func (pb *protoBook) RemoveProtocols(p peer.ID, ids ...protocol.ID) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	set, ok := pb.peers[p]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(set, id)
	}
	order := pb.order[p][:0]
	for _, id := range pb.order[p] {
		if _, live := set[id]; live {
			order = append(order, id)
		}
	}
	pb.order[p] = order
	return nil
}

func (pb *protoBook) SupportsProtocols(p peer.ID, ids ...protocol.ID) ([]protocol.ID, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	set := pb.peers[p]
	var out []protocol.ID
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (pb *protoBook) FirstSupportedProtocol(p peer.ID, ids ...protocol.ID) (protocol.ID, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	set := pb.peers[p]
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return id, nil
		}
	}
	return "", nil
}

func (pb *protoBook) peersWithProtocols() []peer.ID {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]peer.ID, 0, len(pb.peers))
	for p := range pb.peers {
		out = append(out, p)
	}
	return out
}

func (pb *protoBook) remove(p peer.ID) {
	pb.mu.Lock()
	delete(pb.peers, p)
	delete(pb.order, p)
	pb.mu.Unlock()
}
