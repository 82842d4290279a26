package swarm

import (
	"errors"
	"fmt"
	"log/slog"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/transport"
)

// Listen binds the given addresses. Each bound address runs one accept
// task.
func (s *Swarm) Listen(addrs ...ma.Multiaddr) error {
	var errs []error
	succeeded := 0
	for _, a := range addrs {
		if err := s.AddListenAddr(a); err != nil {
			errs = append(errs, fmt.Errorf("listening on %s: %w", a, err))
		} else {
			succeeded++
		}
	}
	if succeeded == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Warn("failed to listen", "err", err)
	}
	return nil
}

// AddListenAddr binds one address and starts its accept loop.
func (s *Swarm) AddListenAddr(a ma.Multiaddr) error {
	if s.ctx.Err() != nil {
		return ErrSwarmClosed
	}
	t := s.TransportForListening(a)
	if t == nil {
		return ErrNoTransport
	}
	ln, err := t.Listen(a)
	if err != nil {
		return err
	}

	s.listeners.Lock()
	s.listeners.m[ln] = struct{}{}
	s.listeners.addrs = nil // invalidate cache
	s.listeners.Unlock()

	bound := ln.Multiaddr()
	s.notifyAll(func(n network.Notifiee) { n.Listen(s, bound) })

	s.refs.Add(1)
	go func() {
		defer s.refs.Done()
		defer func() {
			s.listeners.Lock()
			delete(s.listeners.m, ln)
			s.listeners.addrs = nil
			s.listeners.Unlock()
			_ = ln.Close()
			s.notifyAll(func(n network.Notifiee) { n.ListenClose(s, bound) })
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
					slog.Warn("listener accept failed", "addr", bound.String(), "err", err)
				}
				return
			}
			if _, err := s.addConn(c, network.DirInbound); err != nil {
				slog.Debug("inbound connection rejected", "err", err)
			}
		}
	}()
	return nil
}

// ListenAddresses returns the bound listen addresses.
func (s *Swarm) ListenAddresses() []ma.Multiaddr {
	s.listeners.Lock()
	defer s.listeners.Unlock()
	if s.listeners.addrs == nil {
		for l := range s.listeners.m {
			s.listeners.addrs = append(s.listeners.addrs, l.Multiaddr())
		}
	}
	out := make([]ma.Multiaddr, len(s.listeners.addrs))
	copy(out, s.listeners.addrs)
	return out
}

// InterfaceListenAddresses resolves unspecified listen addresses
// (0.0.0.0, ::) to the concrete interface addresses.
func (s *Swarm) InterfaceListenAddresses() ([]ma.Multiaddr, error) {
	return manet.ResolveUnspecifiedAddresses(s.ListenAddresses(), nil)
}
