package swarm

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/peer"
)

var (
	// ErrAllDialsFailed is the aggregate cause when every attempt of a
	// dial pipeline failed.
	ErrAllDialsFailed = errors.New("all dials failed")

	// ErrDialToSelf is returned when dialing our own peer id.
	ErrDialToSelf = errors.New("dial to self attempted")

	// ErrNoTransport is returned when no configured transport can dial
	// any known address of the peer.
	ErrNoTransport = errors.New("no transport for address")

	// ErrGaterDisallowedConnection is returned when the connection
	// gater vetoed the dial.
	ErrGaterDisallowedConnection = errors.New("gater disallowed connection to peer")

	// ErrSwarmClosed is returned for operations on a closed swarm.
	ErrSwarmClosed = errors.New("swarm closed")
)

// TransportError is the failure of one dial attempt.
type TransportError struct {
	Address ma.Multiaddr
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to dial %s: %s", e.Address, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// DialError aggregates the per-attempt failures of one dial pipeline.
type DialError struct {
	Peer       peer.ID
	DialErrors []TransportError
	Cause      error
}

func (e *DialError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "failed to dial %s:", e.Peer)
	if e.Cause != nil {
		fmt.Fprintf(&sb, " %s", e.Cause)
	}
	for _, te := range e.DialErrors {
		fmt.Fprintf(&sb, "\n  * [%s] %s", te.Address, te.Cause)
	}
	return sb.String()
}

// Unwrap exposes every attempt error plus the aggregate cause to
// errors.Is/As.
func (e *DialError) Unwrap() []error {
	out := make([]error, 0, len(e.DialErrors)+1)
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	for i := range e.DialErrors {
		out = append(out, &e.DialErrors[i])
	}
	return out
}

func (e *DialError) recordErr(addr ma.Multiaddr, err error) {
	e.DialErrors = append(e.DialErrors, TransportError{Address: addr, Cause: err})
}
