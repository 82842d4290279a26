package peerstore

import (
	"sync"
	"time"

	"github.com/shurlinet/peernet/core/peer"
)

// latencyEWMASmoothing weights new observations against the running
// average.
const latencyEWMASmoothing = 0.1

type latencyMetrics struct {
	mu      sync.RWMutex
	latency map[peer.ID]time.Duration
}

func newLatencyMetrics() *latencyMetrics {
	return &latencyMetrics{latency: make(map[peer.ID]time.Duration)}
}

func (m *latencyMetrics) RecordLatency(p peer.ID, next time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.latency[p]
	if !ok {
		m.latency[p] = next
		return
	}
	m.latency[p] = time.Duration((1-latencyEWMASmoothing)*float64(prev) + latencyEWMASmoothing*float64(next))
}

func (m *latencyMetrics) LatencyEWMA(p peer.ID) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency[p]
}

func (m *latencyMetrics) remove(p peer.ID) {
	m.mu.Lock()
	delete(m.latency, p)
	m.mu.Unlock()
}
