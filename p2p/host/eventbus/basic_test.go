package eventbus

import (
	"testing"
	"time"

	"github.com/shurlinet/peernet/core/event"
)

type evtA struct{ N int }
type evtB struct{ S string }

func TestEmitAndSubscribe(t *testing.T) {
	bus := NewBus()

	sub, err := bus.Subscribe(new(evtA))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	em, err := bus.Emitter(new(evtA))
	if err != nil {
		t.Fatal(err)
	}
	defer em.Close()

	if err := em.Emit(evtA{N: 42}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sub.Out():
		if got.(evtA).N != 42 {
			t.Errorf("got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEmitterRejectsWrongType(t *testing.T) {
	bus := NewBus()
	em, err := bus.Emitter(new(evtA))
	if err != nil {
		t.Fatal(err)
	}
	defer em.Close()

	if err := em.Emit(evtB{S: "nope"}); err == nil {
		t.Error("expected type mismatch error")
	}
}

func TestWildcardSubscription(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe(event.WildcardSubscription)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emA, _ := bus.Emitter(new(evtA))
	emB, _ := bus.Emitter(new(evtB))
	defer emA.Close()
	defer emB.Close()

	_ = emA.Emit(evtA{N: 1})
	_ = emB.Emit(evtB{S: "x"})

	seen := 0
	timeout := time.After(time.Second)
	for seen < 2 {
		select {
		case <-sub.Out():
			seen++
		case <-timeout:
			t.Fatalf("saw %d events, want 2", seen)
		}
	}
}

func TestStatefulEmitterReplays(t *testing.T) {
	bus := NewBus()
	em, err := bus.Emitter(new(evtA), Stateful)
	if err != nil {
		t.Fatal(err)
	}
	defer em.Close()

	if err := em.Emit(evtA{N: 7}); err != nil {
		t.Fatal(err)
	}

	// A late subscriber still observes the last stateful event.
	sub, err := bus.Subscribe(new(evtA))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	select {
	case got := <-sub.Out():
		if got.(evtA).N != 7 {
			t.Errorf("replayed %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("stateful event not replayed")
	}
}

func TestCloseSubscription(t *testing.T) {
	bus := NewBus()
	sub, _ := bus.Subscribe(new(evtA))
	em, _ := bus.Emitter(new(evtA))
	defer em.Close()

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	// Emitting after close must not panic or block.
	if err := em.Emit(evtA{N: 1}); err != nil {
		t.Fatal(err)
	}

	if _, ok := <-sub.Out(); ok {
		t.Error("channel open after close")
	}
}
