package core

import (
	"fmt"
)

// System is the contract every independently scheduled unit implements.
//
// M is the type of messages the system accepts on its Address and E the
// type of events it publishes. A system receives messages on a single
// goroutine; its local state is never shared.
type System[M, E any] interface {
	// Addr returns a new reference to the system's Address.
	// The caller owns it and should Release it when done.
	Addr() *Address[M]

	// Startup consumes the system and begins running it on its own goroutine.
	// It should be called only once per system.
	Startup()

	// SendSelf sends a message to the system's own Address.
	SendSelf(msg M) error

	// Publish delivers event to every current subscriber, synchronously and
	// in subscription order.
	Publish(event E)

	// Subscribe registers a subscriber for future events.
	Subscribe(sub Subscriber[E])
}

// Subscriber receives events published by a system.
type Subscriber[E any] interface {
	Deliver(event E)
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc[E any] func(event E)

// Deliver calls f(event).
func (f SubscriberFunc[E]) Deliver(event E) {
	f(event)
}

// Subscribers is an ordered list of subscribers.
//
// It is not safe for concurrent use. Subscribe and Publish must only be
// called by the owning system's goroutine, or before Startup by the
// goroutine that built the system.
type Subscribers[E any] struct {
	list []Subscriber[E]
}

// Subscribe appends sub. There is no unsubscribe.
func (s *Subscribers[E]) Subscribe(sub Subscriber[E]) {
	s.list = append(s.list, sub)
}

// Publish delivers event to each subscriber in registration order. A slow
// subscriber blocks the publisher.
func (s *Subscribers[E]) Publish(event E) {
	for _, sub := range s.list {
		sub.Deliver(event)
	}
}

// Len returns the number of subscribers.
func (s *Subscribers[E]) Len() int {
	return len(s.list)
}

// NotifyExit sends the exit notification of the system identified by uid to
// its parent.
//
// A parent that can no longer be reached cannot account for the child any
// more, so failing to deliver the notification panics.
func NotifyExit[M any](parent *Address[M], uid SystemUID, exit M) {
	if err := parent.Send(exit); err != nil {
		panic(fmt.Errorf("system %s cannot report its exit: %w", uid, err))
	}
}
