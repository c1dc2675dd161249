package notify

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with drop-oldest semantics:
// producers never block, and when the buffer is full the oldest element is
// discarded to make room. Consumers read it like a normal channel via C().
//
// It backs every per-listener notification queue and the scanner's event
// fan-out, both of which feed from native callback paths that must never
// stall on a slow consumer.
type RingChannel[T any] struct {
	ch      chan T
	dropped atomic.Int64
	written atomic.Int64
}

// NewRingChannel creates a ring channel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("notify: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers may range over it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest buffered element when full. When a
// drop was needed it returns the evicted element and true, so callers that
// embed bookkeeping in their elements can recover it.
func (rc *RingChannel[T]) Send(v T) (T, bool) {
	var evicted T
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case old := <-rc.ch:
			rc.dropped.Add(1)
			evicted = old
			dropped = true
		default:
			// A concurrent reader drained the buffer between the
			// two selects; there is room again.
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return evicted, dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Dropped returns the total number of elements discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 { return rc.dropped.Load() }

// Written returns the total number of elements accepted.
func (rc *RingChannel[T]) Written() int64 { return rc.written.Load() }

// Close closes the receive side. Send after Close panics; callers guard
// with their own closed flag.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
