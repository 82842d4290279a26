// Package event defines the process-wide event bus interface and the
// event types the core emits on it.
package event

import "io"

// SubscriptionOpt configures a subscription.
type SubscriptionOpt func(interface{}) error

// EmitterOpt configures an emitter.
type EmitterOpt func(interface{}) error

// Subscription delivers events of the subscribed types.
type Subscription interface {
	io.Closer

	// Out returns the delivery channel. It is closed when the
	// subscription closes.
	Out() <-chan interface{}

	// Name identifies the subscriber for diagnostics.
	Name() string
}

// Emitter publishes events of a single type.
type Emitter interface {
	io.Closer

	// Emit publishes one event to all subscribers of its type.
	Emit(evt interface{}) error
}

// Bus is a typed pub/sub event bus. Subscriptions and emitters are keyed
// by the concrete event struct type.
type Bus interface {
	// Subscribe registers for events of the given type (pass a pointer
	// to the zero event, e.g. new(EvtLocalReachabilityChanged)), or for
	// several with a slice of such pointers, or for everything with
	// WildcardSubscription.
	Subscribe(eventType interface{}, opts ...SubscriptionOpt) (Subscription, error)

	// Emitter returns a publisher for the given event type.
	Emitter(eventType interface{}, opts ...EmitterOpt) (Emitter, error)

	// GetAllEventTypes lists types that have been emitted or subscribed.
	GetAllEventTypes() []interface{}
}

// WildcardSubscription subscribes to all event types.
var WildcardSubscription = new(struct{})
