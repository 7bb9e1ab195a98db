// Package mailbox provides an unbounded FIFO queue. Producers never block,
// which lets event handlers enqueue work for the goroutine that is
// currently running them.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mx     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
	}
}

// Put enqueues v. It reports false when the mailbox is closed.
func (mb *Mailbox[T]) Put(v T) bool {
	mb.mx.Lock()
	if mb.closed {
		mb.mx.Unlock()
		return false
	}
	mb.items = append(mb.items, v)
	mb.mx.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready fires whenever items may be available.
func (mb *Mailbox[T]) Ready() <-chan struct{} {
	return mb.notify
}

// Drain removes and returns everything queued so far.
func (mb *Mailbox[T]) Drain() []T {
	mb.mx.Lock()
	defer mb.mx.Unlock()
	items := mb.items
	mb.items = nil
	return items
}

// Close rejects further puts. Items already queued can still be drained.
func (mb *Mailbox[T]) Close() {
	mb.mx.Lock()
	mb.closed = true
	mb.mx.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

func (mb *Mailbox[T]) Closed() bool {
	mb.mx.Lock()
	defer mb.mx.Unlock()
	return mb.closed
}
