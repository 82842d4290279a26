package relay

import (
	"time"
)

// Resources bounds what the relay service commits to.
type Resources struct {
	// Limit caps each relayed session; nil means unlimited sessions.
	Limit *RelayLimit

	// ReservationTTL is how long a reservation lasts before the client
	// must refresh.
	ReservationTTL time.Duration

	// MaxReservations bounds concurrently reserved peers.
	MaxReservations int

	// MaxCircuits bounds concurrently relayed sessions per peer.
	MaxCircuits int

	// MaxCircuitsTotal bounds concurrently relayed sessions overall.
	MaxCircuitsTotal int

	// BufferSize is the copy buffer per relayed direction.
	BufferSize int

	// ConnectRate bounds HOP connect attempts per source per second.
	ConnectRate float64

	// ConnectBurst is the rate limiter burst per source.
	ConnectBurst int
}

// RelayLimit caps a single relayed session.
type RelayLimit struct {
	// Duration after which the session is half-closed.
	Duration time.Duration

	// Data is the byte cap across both directions.
	Data int64
}

// DefaultResources returns conservative defaults.
func DefaultResources() Resources {
	return Resources{
		Limit:            DefaultLimit(),
		ReservationTTL:   time.Hour,
		MaxReservations:  128,
		MaxCircuits:      16,
		MaxCircuitsTotal: 1024,
		BufferSize:       2048,
		ConnectRate:      4,
		ConnectBurst:     8,
	}
}

// DefaultLimit returns the default per-session cap.
func DefaultLimit() *RelayLimit {
	return &RelayLimit{
		Duration: 2 * time.Minute,
		Data:     1 << 17, // 128KB
	}
}
