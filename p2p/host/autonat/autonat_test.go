package autonat

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/p2p/host/eventbus"
)

// newOrchestrator builds a bare state machine wired to a bus, without a
// host; Record is exercised directly.
func newOrchestrator(t *testing.T) (*AmbientAutoNAT, event.Subscription) {
	t.Helper()
	bus := eventbus.NewBus()
	em, err := bus.Emitter(&event.EvtLocalReachabilityChanged{})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := bus.Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Close(); _ = em.Close() })
	return &AmbientAutoNAT{
		reachability: network.ReachabilityUnknown,
		emitter:      em,
	}, sub
}

func drainEvents(sub event.Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Out():
			n++
		default:
			return n
		}
	}
}

func TestObservationSequencePrivate(t *testing.T) {
	a, sub := newOrchestrator(t)

	// [Private, Private, Private]: the first observation switches the
	// state (confidence 0), the next two increment.
	for i := 0; i < 3; i++ {
		a.Record(network.ReachabilityPrivate)
	}

	if got := a.Reachability(); got != network.ReachabilityPrivate {
		t.Errorf("reachability = %s, want private", got)
	}
	if got := a.Confidence(); got != 2 {
		t.Errorf("confidence = %d, want 2", got)
	}
	if n := drainEvents(sub); n != 1 {
		t.Errorf("reachability-changed fired %d times, want 1", n)
	}
}

func TestPublicSwitchesImmediately(t *testing.T) {
	a, sub := newOrchestrator(t)

	for i := 0; i < 3; i++ {
		a.Record(network.ReachabilityPrivate)
	}
	drainEvents(sub)

	a.Record(network.ReachabilityPublic)
	if got := a.Reachability(); got != network.ReachabilityPublic {
		t.Errorf("reachability = %s, want public", got)
	}
	if got := a.Confidence(); got != 0 {
		t.Errorf("confidence = %d, want 0 after switch", got)
	}
	if n := drainEvents(sub); n != 1 {
		t.Errorf("event fired %d times, want 1", n)
	}

	// Repeated Public observations build confidence to the cap.
	for i := 0; i < 5; i++ {
		a.Record(network.ReachabilityPublic)
	}
	if got := a.Confidence(); got != maxConfidence {
		t.Errorf("confidence = %d, want %d", got, maxConfidence)
	}
	if n := drainEvents(sub); n != 0 {
		t.Errorf("confidence building fired %d events, want 0", n)
	}
}

func TestPrivateErodesPublicConfidence(t *testing.T) {
	a, sub := newOrchestrator(t)

	a.Record(network.ReachabilityPublic)
	a.Record(network.ReachabilityPublic) // confidence 1
	drainEvents(sub)

	// A conflicting observation decrements before switching.
	a.Record(network.ReachabilityPrivate)
	if got := a.Reachability(); got != network.ReachabilityPublic {
		t.Errorf("reachability = %s, want public while confidence holds", got)
	}
	if got := a.Confidence(); got != 0 {
		t.Errorf("confidence = %d, want 0", got)
	}

	// At zero confidence the next Private flips the state.
	a.Record(network.ReachabilityPrivate)
	if got := a.Reachability(); got != network.ReachabilityPrivate {
		t.Errorf("reachability = %s, want private", got)
	}
	if n := drainEvents(sub); n != 1 {
		t.Errorf("event fired %d times, want 1", n)
	}
}

func TestUnknownDecays(t *testing.T) {
	a, _ := newOrchestrator(t)

	a.Record(network.ReachabilityPublic)
	a.Record(network.ReachabilityPublic)
	a.Record(network.ReachabilityUnknown)
	if got := a.Confidence(); got != 0 {
		t.Errorf("confidence = %d, want 0", got)
	}
	if got := a.Reachability(); got != network.ReachabilityPublic {
		t.Errorf("reachability flipped to %s on first unknown", got)
	}

	a.Record(network.ReachabilityUnknown)
	if got := a.Reachability(); got != network.ReachabilityUnknown {
		t.Errorf("reachability = %s, want unknown", got)
	}
}

func TestConfidenceBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := eventbus.NewBus()
		em, err := bus.Emitter(&event.EvtLocalReachabilityChanged{})
		if err != nil {
			t.Fatal(err)
		}
		defer em.Close()
		a := &AmbientAutoNAT{reachability: network.ReachabilityUnknown, emitter: em}
		obsGen := rapid.SampledFrom([]network.Reachability{
			network.ReachabilityUnknown,
			network.ReachabilityPublic,
			network.ReachabilityPrivate,
		})
		prev := a.Confidence()
		prevState := a.Reachability()
		for i := 0; i < 100; i++ {
			a.Record(obsGen.Draw(t, "obs"))
			c := a.Confidence()
			state := a.Reachability()
			if c < 0 || c > maxConfidence {
				t.Fatalf("confidence %d out of bounds", c)
			}
			if state != prevState && state == network.ReachabilityPublic {
				// Switching to Public resets confidence to zero.
				if c != 0 {
					t.Fatalf("confidence %d after switch to public, want 0", c)
				}
			} else if d := c - prev; d < -1 || d > 1 {
				t.Fatalf("confidence jumped by %d", d)
			}
			prev = c
			prevState = state
		}
	})
}

func TestOnAddressChange(t *testing.T) {
	a, _ := newOrchestrator(t)
	for i := 0; i < 5; i++ {
		a.Record(network.ReachabilityPublic)
	}
	if a.Confidence() != maxConfidence {
		t.Fatal("setup failed")
	}
	a.OnAddressChange()
	if got := a.Confidence(); got != maxConfidence-1 {
		t.Errorf("confidence = %d, want %d", got, maxConfidence-1)
	}
}
