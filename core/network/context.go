package network

import (
	"context"
	"time"
)

// DialPeerTimeout is the default overall deadline for a single dial.
var DialPeerTimeout = 60 * time.Second

type forceDirectDialKey struct{}
type simConnectKey struct{}
type noDialKey struct{}
type allowLimitedKey struct{}
type dialPeerTimeoutKey struct{}

type simConnectValue struct {
	isClient bool
	reason   string
}

// WithForceDirectDial requests that the dial skip relay addresses and
// bypass existing (possibly limited) connections.
func WithForceDirectDial(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, forceDirectDialKey{}, reason)
}

// GetForceDirectDial reports whether a forced direct dial was requested.
func GetForceDirectDial(ctx context.Context) (bool, string) {
	v := ctx.Value(forceDirectDialKey{})
	if v == nil {
		return false, ""
	}
	return true, v.(string)
}

// WithSimultaneousConnect marks the dial as part of a coordinated
// simultaneous connect (hole punching); the transport layer should expect
// mid-call arrival on the same 5-tuple.
func WithSimultaneousConnect(ctx context.Context, isClient bool, reason string) context.Context {
	return context.WithValue(ctx, simConnectKey{}, simConnectValue{isClient, reason})
}

// GetSimultaneousConnect reports whether a simultaneous connect was
// requested, and which role we play.
func GetSimultaneousConnect(ctx context.Context) (simconnect bool, isClient bool, reason string) {
	v := ctx.Value(simConnectKey{})
	if v == nil {
		return false, false, ""
	}
	sv := v.(simConnectValue)
	return true, sv.isClient, sv.reason
}

// WithNoDial instructs the network to use only existing connections.
func WithNoDial(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, noDialKey{}, reason)
}

// GetNoDial reports whether dialing was disallowed.
func GetNoDial(ctx context.Context) (bool, string) {
	v := ctx.Value(noDialKey{})
	if v == nil {
		return false, ""
	}
	return true, v.(string)
}

// WithAllowLimitedConn opts the caller in to using a limited (relayed)
// connection.
func WithAllowLimitedConn(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, allowLimitedKey{}, reason)
}

// GetAllowLimitedConn reports whether limited connections were accepted.
func GetAllowLimitedConn(ctx context.Context) (bool, string) {
	v := ctx.Value(allowLimitedKey{})
	if v == nil {
		return false, ""
	}
	return true, v.(string)
}

// WithDialPeerTimeout overrides the per-dial deadline.
func WithDialPeerTimeout(ctx context.Context, timeout time.Duration) context.Context {
	return context.WithValue(ctx, dialPeerTimeoutKey{}, timeout)
}

// GetDialPeerTimeout returns the per-dial deadline for this context.
func GetDialPeerTimeout(ctx context.Context) time.Duration {
	if v := ctx.Value(dialPeerTimeoutKey{}); v != nil {
		return v.(time.Duration)
	}
	return DialPeerTimeout
}
