package core

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrCannotSend is returned when the receive side of a channel is gone.
	ErrCannotSend = errors.New("cannot send message")

	// ErrAddressReleased is returned when sending through a released Address.
	ErrAddressReleased = errors.New("address released")
)

// mailbox is the unbounded FIFO shared by one Queue and its Addresses.
type mailbox[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	items []T
	head  int

	// Live Address references
	senders int

	// Set once the Queue has been closed
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	b := &mailbox[T]{senders: 1}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *mailbox[T]) push(msg T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrCannotSend
	}

	b.items = append(b.items, msg)
	b.cond.Signal()
	return nil
}

func (b *mailbox[T]) pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.len() == 0 && b.senders > 0 && !b.closed {
		b.cond.Wait()
	}

	var zero T
	if b.len() == 0 || b.closed {
		return zero, false
	}

	msg := b.items[b.head]
	b.items[b.head] = zero
	b.head++

	switch {
	case b.head == len(b.items):
		b.items = b.items[:0]
		b.head = 0
	case b.head > 64 && b.head*2 > len(b.items):
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items = b.items[:n]
		b.head = 0
	}

	return msg, true
}

func (b *mailbox[T]) len() int {
	return len(b.items) - b.head
}

func (b *mailbox[T]) retain() {
	b.mu.Lock()
	b.senders++
	b.mu.Unlock()
}

func (b *mailbox[T]) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.senders--
	if b.senders == 0 {
		b.cond.Broadcast()
	}
}

func (b *mailbox[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.items = nil
	b.head = 0
	b.cond.Broadcast()
}

// Address is a cloneable capability to send messages of type T into one
// system's Queue.
//
// Each Address value is one reference. Clone hands out another one; Release
// drops it. Once every reference is released and the queue is drained, the
// owning system's Recv reports that no message will ever arrive.
type Address[T any] struct {
	box      *mailbox[T]
	released atomic.Bool
}

// Send enqueues msg. It never blocks.
//
// Send returns ErrCannotSend if the Queue was closed and ErrAddressReleased
// if this reference was released.
func (a *Address[T]) Send(msg T) error {
	if a.released.Load() {
		return ErrAddressReleased
	}
	return a.box.push(msg)
}

// Deliver sends event and drops it if the receive side is gone, which makes
// any Address usable as a Subscriber.
func (a *Address[T]) Deliver(event T) {
	_ = a.Send(event)
}

// Clone returns a new reference to the same Queue. Cloning a released
// Address yields a released Address.
func (a *Address[T]) Clone() *Address[T] {
	clone := &Address[T]{box: a.box}
	if a.released.Load() {
		clone.released.Store(true)
		return clone
	}
	a.box.retain()
	return clone
}

// Release drops this reference. Releasing twice is a no-op.
func (a *Address[T]) Release() {
	if a.released.CompareAndSwap(false, true) {
		a.box.release()
	}
}

// Queue is the exclusive receive side of a channel. It is owned by exactly
// one system and must never be shared.
type Queue[T any] struct {
	box *mailbox[T]
}

// Recv blocks until a message is available.
//
// It returns false once the channel is permanently closed: every Address was
// released and all messages were drained, or the Queue itself was closed.
func (q *Queue[T]) Recv() (T, bool) {
	return q.box.pop()
}

// Len returns the number of buffered messages.
func (q *Queue[T]) Len() int {
	q.box.mu.Lock()
	defer q.box.mu.Unlock()
	return q.box.len()
}

// Close drops the receive side. Buffered messages are discarded and every
// later Send fails with ErrCannotSend.
func (q *Queue[T]) Close() {
	q.box.close()
}

// Init creates a bound Address/Queue pair. It is the only way to build
// either half.
func Init[T any]() (*Address[T], *Queue[T]) {
	box := newMailbox[T]()
	return &Address[T]{box: box}, &Queue[T]{box: box}
}
