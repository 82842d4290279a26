package network

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/peer"
)

// ResourceManager tracks and limits resource usage across nested scopes:
// system → transient → peer → connection → stream. A failed reservation
// surfaces as ErrResourceLimitExceeded.
type ResourceManager interface {
	// OpenConnection reserves a connection slot before the upgrade runs.
	// The returned scope is transient until SetPeer attaches it to the
	// authenticated peer.
	OpenConnection(dir Direction, usefd bool, endpoint ma.Multiaddr) (ConnManagementScope, error)

	// OpenStream reserves a stream slot on the given peer.
	OpenStream(p peer.ID, dir Direction) (StreamManagementScope, error)

	// Close releases all scopes.
	Close() error
}

// ResourceScope is the common reservation surface of every scope level.
type ResourceScope interface {
	// ReserveMemory reserves size bytes against this scope and its
	// ancestors.
	ReserveMemory(size int, prio uint8) error

	// ReleaseMemory returns a prior reservation.
	ReleaseMemory(size int)
}

// ConnScope is the read-only view streams and holders see.
type ConnScope interface {
	ResourceScope
}

// StreamScope is the read-only view stream holders see.
type StreamScope interface {
	ResourceScope
}

// ConnManagementScope is held by the network while it owns a connection.
type ConnManagementScope interface {
	ConnScope

	// SetPeer moves the scope from the transient bucket to the peer's.
	SetPeer(p peer.ID) error

	// Done releases the connection slot and all memory reserved on it.
	Done()
}

// StreamManagementScope is held by the connection while it owns a stream.
type StreamManagementScope interface {
	StreamScope

	// Done releases the stream slot and all memory reserved on it.
	Done()
}

// NullResourceManager performs no accounting and never refuses.
type NullResourceManager struct{}

var _ ResourceManager = (*NullResourceManager)(nil)

type nullScope struct{}

func (nullScope) ReserveMemory(int, uint8) error { return nil }
func (nullScope) ReleaseMemory(int)              {}
func (nullScope) Done()                          {}

type nullConnScope struct{ nullScope }

func (nullConnScope) SetPeer(peer.ID) error { return nil }

func (*NullResourceManager) OpenConnection(Direction, bool, ma.Multiaddr) (ConnManagementScope, error) {
	return nullConnScope{}, nil
}

func (*NullResourceManager) OpenStream(peer.ID, Direction) (StreamManagementScope, error) {
	return nullScope{}, nil
}

func (*NullResourceManager) Close() error { return nil }
