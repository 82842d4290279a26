// Package ping implements the ping protocol: echo 32 random bytes,
// round-trip time is the measurement.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
)

// ID is the ping protocol id.
const ID = protocol.Ping

// PingSize is the echo payload length.
const PingSize = 32

// pingTimeout bounds a single echo round trip.
const pingTimeout = 10 * time.Second

// ErrPingMismatch is returned when the echoed bytes differ from those
// sent.
var ErrPingMismatch = errors.New("ping packet mismatch")

// PingService answers pings on a host.
type PingService struct {
	host host.Host
}

// NewPingService registers the ping handler on h.
func NewPingService(h host.Host) *PingService {
	ps := &PingService{host: h}
	h.SetStreamHandler(ID, ps.PingHandler)
	return ps
}

// PingHandler echoes fixed-size packets until the remote half-closes.
func (ps *PingService) PingHandler(s network.Stream) {
	buf := make([]byte, PingSize)
	for {
		_ = s.SetReadDeadline(time.Now().Add(pingTimeout))
		if _, err := io.ReadFull(s, buf); err != nil {
			if !errors.Is(err, io.EOF) {
				_ = s.Reset()
				return
			}
			_ = s.Close()
			return
		}
		if _, err := s.Write(buf); err != nil {
			_ = s.Reset()
			return
		}
	}
}

// Result is one ping outcome.
type Result struct {
	RTT   time.Duration
	Error error
}

// Ping pings p repeatedly until ctx ends, delivering a Result per
// round trip. Successful round trips feed the peerstore's latency
// EWMA.
func (ps *PingService) Ping(ctx context.Context, p peer.ID) <-chan Result {
	return Ping(ctx, ps.host, p)
}

// Ping is the stateless form of PingService.Ping.
func Ping(ctx context.Context, h host.Host, p peer.ID) <-chan Result {
	out := make(chan Result)

	go func() {
		defer close(out)

		ctx = network.WithAllowLimitedConn(ctx, "ping")
		s, err := h.NewStream(ctx, p, ID)
		if err != nil {
			deliver(ctx, out, Result{Error: err})
			return
		}
		defer s.Reset()

		for ctx.Err() == nil {
			res := ping(s)
			if res.Error == nil {
				h.Peerstore().RecordLatency(p, res.RTT)
			}
			if !deliver(ctx, out, res) {
				return
			}
			if res.Error != nil {
				return
			}
		}
	}()
	return out
}

func deliver(ctx context.Context, out chan<- Result, res Result) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

// ping performs one echo round trip on an open stream.
func ping(s network.Stream) Result {
	payload := make([]byte, PingSize)
	if _, err := rand.Read(payload); err != nil {
		return Result{Error: err}
	}

	_ = s.SetDeadline(time.Now().Add(pingTimeout))
	start := time.Now()
	if _, err := s.Write(payload); err != nil {
		return Result{Error: err}
	}

	echo := make([]byte, PingSize)
	if _, err := io.ReadFull(s, echo); err != nil {
		return Result{Error: err}
	}
	rtt := time.Since(start)

	if !bytes.Equal(payload, echo) {
		return Result{Error: ErrPingMismatch}
	}
	slog.Debug("ping", "rtt", rtt)
	return Result{RTT: rtt}
}
