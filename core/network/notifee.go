package network

import (
	ma "github.com/multiformats/go-multiaddr"
)

// Notifiee receives network lifecycle notifications.
type Notifiee interface {
	// Listen is called when the network starts listening on an address.
	Listen(Network, ma.Multiaddr)

	// ListenClose is called when the network stops listening on an address.
	ListenClose(Network, ma.Multiaddr)

	// Connected is called when a connection is opened.
	Connected(Network, Conn)

	// Disconnected is called when a connection is closed.
	Disconnected(Network, Conn)
}

// NotifyBundle implements Notifiee with optional callbacks.
type NotifyBundle struct {
	ListenF      func(Network, ma.Multiaddr)
	ListenCloseF func(Network, ma.Multiaddr)

	ConnectedF    func(Network, Conn)
	DisconnectedF func(Network, Conn)
}

var _ Notifiee = (*NotifyBundle)(nil)

func (nb *NotifyBundle) Listen(n Network, a ma.Multiaddr) {
	if nb.ListenF != nil {
		nb.ListenF(n, a)
	}
}

func (nb *NotifyBundle) ListenClose(n Network, a ma.Multiaddr) {
	if nb.ListenCloseF != nil {
		nb.ListenCloseF(n, a)
	}
}

func (nb *NotifyBundle) Connected(n Network, c Conn) {
	if nb.ConnectedF != nil {
		nb.ConnectedF(n, c)
	}
}

func (nb *NotifyBundle) Disconnected(n Network, c Conn) {
	if nb.DisconnectedF != nil {
		nb.DisconnectedF(n, c)
	}
}
