// Package eventbus provides the in-process typed pub/sub bus backing the
// host's control-plane events.
package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/shurlinet/peernet/core/event"
)

// defaultSubBuffer is the delivery channel depth for subscriptions that
// don't override it.
const defaultSubBuffer = 16

// BufSize overrides a subscription's delivery buffer depth.
func BufSize(n int) event.SubscriptionOpt {
	return func(s interface{}) error {
		s.(*sub).bufSize = n
		return nil
	}
}

// Name attaches a diagnostic name to a subscription.
func Name(name string) event.SubscriptionOpt {
	return func(s interface{}) error {
		s.(*sub).name = name
		return nil
	}
}

// Stateful makes the emitter replay its last event to new subscribers of
// the type.
func Stateful(e interface{}) error {
	e.(*emitter).stateful = true
	return nil
}

type bus struct {
	mu    sync.Mutex
	nodes map[reflect.Type]*node

	wildcardMu sync.RWMutex
	wildcard   []*sub
}

// NewBus creates a new event bus.
func NewBus() event.Bus {
	return &bus{nodes: make(map[reflect.Type]*node)}
}

type node struct {
	mu        sync.RWMutex
	typ       reflect.Type
	sinks     []*sub
	nEmitters atomic.Int32

	// last is replayed to new subscribers when a stateful emitter
	// published it.
	hasLast bool
	last    interface{}
}

type sub struct {
	ch       chan interface{}
	bufSize  int
	name     string
	bus      *bus
	nodes    []*node
	wildcard bool

	// closeMu serializes delivery against Close so we never send on a
	// closed channel.
	closeMu sync.RWMutex
	closed  bool
}

func (s *sub) Out() <-chan interface{} { return s.ch }
func (s *sub) Name() string            { return s.name }

func (s *sub) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()

	if s.wildcard {
		s.bus.wildcardMu.Lock()
		for i, w := range s.bus.wildcard {
			if w == s {
				s.bus.wildcard = append(s.bus.wildcard[:i], s.bus.wildcard[i+1:]...)
				break
			}
		}
		s.bus.wildcardMu.Unlock()
	}
	for _, n := range s.nodes {
		n.mu.Lock()
		for i, sk := range n.sinks {
			if sk == s {
				n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}
	return nil
}

func (b *bus) withNode(typ reflect.Type) *node {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	return n
}

// Subscribe registers for one event type, a slice of types, or
// event.WildcardSubscription.
func (b *bus) Subscribe(evtTypes interface{}, opts ...event.SubscriptionOpt) (event.Subscription, error) {
	s := &sub{bus: b, bufSize: defaultSubBuffer}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.ch = make(chan interface{}, s.bufSize)

	if evtTypes == event.WildcardSubscription {
		s.wildcard = true
		b.wildcardMu.Lock()
		b.wildcard = append(b.wildcard, s)
		b.wildcardMu.Unlock()
		return s, nil
	}

	types, ok := evtTypes.([]interface{})
	if !ok {
		types = []interface{}{evtTypes}
	}
	for _, t := range types {
		typ := reflect.TypeOf(t)
		if typ.Kind() != reflect.Ptr {
			return nil, errors.New("subscribe called with non-pointer type")
		}
		n := b.withNode(typ.Elem())
		n.mu.Lock()
		n.sinks = append(n.sinks, s)
		replay := n.hasLast
		last := n.last
		n.mu.Unlock()
		s.nodes = append(s.nodes, n)
		if replay {
			s.ch <- last
		}
	}
	return s, nil
}

type emitter struct {
	n        *node
	b        *bus
	typ      reflect.Type
	stateful bool
	closed   atomic.Bool
}

func (e *emitter) Emit(evt interface{}) error {
	if e.closed.Load() {
		return errors.New("emitter is closed")
	}
	typ := reflect.TypeOf(evt)
	if typ != e.typ {
		return fmt.Errorf("emit of wrong type: want %s, got %s", e.typ, typ)
	}

	e.n.mu.Lock()
	if e.stateful {
		e.n.hasLast = true
		e.n.last = evt
	}
	sinks := make([]*sub, len(e.n.sinks))
	copy(sinks, e.n.sinks)
	e.n.mu.Unlock()

	for _, s := range sinks {
		s.deliver(evt)
	}

	e.b.wildcardMu.RLock()
	wild := make([]*sub, len(e.b.wildcard))
	copy(wild, e.b.wildcard)
	e.b.wildcardMu.RUnlock()
	for _, s := range wild {
		s.deliver(evt)
	}
	return nil
}

// deliver enqueues without blocking; a full subscriber drops its oldest
// buffered event to make room, so one stalled consumer cannot wedge the
// control plane.
func (s *sub) deliver(evt interface{}) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

func (e *emitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errors.New("closed an emitter more than once")
	}
	e.n.nEmitters.Add(-1)
	return nil
}

// Emitter returns a publisher for the given event type (pass a pointer to
// the zero event).
func (b *bus) Emitter(evtType interface{}, opts ...event.EmitterOpt) (event.Emitter, error) {
	typ := reflect.TypeOf(evtType)
	if typ.Kind() != reflect.Ptr {
		return nil, errors.New("emitter called with non-pointer type")
	}
	n := b.withNode(typ.Elem())
	n.nEmitters.Add(1)
	e := &emitter{n: n, b: b, typ: typ.Elem()}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			n.nEmitters.Add(-1)
			return nil, err
		}
	}
	return e, nil
}

func (b *bus) GetAllEventTypes() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]interface{}, 0, len(b.nodes))
	for typ := range b.nodes {
		out = append(out, reflect.New(typ).Interface())
	}
	return out
}
