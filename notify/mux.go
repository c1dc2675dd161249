// Package notify fans characteristic value-change events out to listeners.
//
// The multiplexer is reference-counted per characteristic: the first
// listener triggers exactly one backend-level subscribe, later listeners
// attach to the already-open stream, and closing the last listener triggers
// exactly one backend-level unsubscribe. Each listener owns a bounded
// drop-oldest queue so a slow consumer can never stall the native event
// path; drops are surfaced as a count on the next delivered value.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
)

// Value is one delivered notification payload.
type Value struct {
	// Data is read-only; listeners sharing a characteristic receive the
	// same backing slice.
	Data []byte
	// TsUs is the receive timestamp in microseconds.
	TsUs int64
	// Seq increases monotonically across the whole multiplexer.
	Seq uint64
	// Dropped counts values discarded from this listener's queue since
	// the previous delivery. Zero when nothing was lost.
	Dropped uint64
}

// BackendSubscriber performs the actual backend subscribe/unsubscribe.
// The session implements it on top of its operation queue so backend CCCD
// writes stay serialized with every other GATT operation.
type BackendSubscriber interface {
	SubscribeBackend(ctx context.Context, ref backend.CharRef, fn func(data []byte)) error
	UnsubscribeBackend(ctx context.Context, ref backend.CharRef) error
}

// Listener is one consumer of a characteristic's notification stream.
type Listener struct {
	ring         *RingChannel[Value]
	pendingDrops atomic.Uint64
	closed       atomic.Bool

	mux    *Mux
	sub    BackendSubscriber
	ref    backend.CharRef
	stream *charStream
}

// C yields values in the order the backend emitted them. The channel is
// closed when the listener is closed or its session disconnects.
func (l *Listener) C() <-chan Value {
	return l.ring.C()
}

// Characteristic returns the subscribed characteristic reference.
func (l *Listener) Characteristic() backend.CharRef {
	return l.ref
}

// Close detaches the listener. Closing the last listener of a
// characteristic issues the backend unsubscribe. Idempotent.
func (l *Listener) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.mux.remove(ctx, l)
}

// charStream is the shared fan-out state of one subscribed characteristic.
type charStream struct {
	mu        sync.Mutex
	listeners []*Listener
	defunct   bool // stream removed from the registry; do not attach
}

// Mux multiplexes backend notification streams to listeners.
type Mux struct {
	logger  *logrus.Logger
	buffer  int
	seq     atomic.Uint64
	streams *xsync.MapOf[backend.CharRef, *charStream]
}

// NewMux creates a multiplexer whose listeners buffer up to buffer values.
func NewMux(buffer int, logger *logrus.Logger) *Mux {
	if logger == nil {
		logger = logrus.New()
	}
	return &Mux{
		logger:  logger,
		buffer:  buffer,
		streams: xsync.NewMapOf[backend.CharRef, *charStream](),
	}
}

// Subscribe attaches a listener to ref's stream, opening the backend
// subscription if this is the first listener.
func (m *Mux) Subscribe(ctx context.Context, sub BackendSubscriber, ref backend.CharRef) (*Listener, error) {
	for {
		stream, _ := m.streams.LoadOrCompute(ref, func() *charStream {
			return &charStream{}
		})

		stream.mu.Lock()
		if stream.defunct {
			// Lost the race against the last listener detaching;
			// the entry is gone from the registry, start over.
			stream.mu.Unlock()
			continue
		}

		listener := &Listener{
			ring:   NewRingChannel[Value](m.buffer),
			mux:    m,
			sub:    sub,
			ref:    ref,
			stream: stream,
		}

		if len(stream.listeners) == 0 {
			// First listener opens the backend stream. Holding the
			// stream lock here is safe: no notifications for ref
			// can arrive before the subscribe completes.
			err := sub.SubscribeBackend(ctx, ref, func(data []byte) {
				m.dispatch(ref, data)
			})
			if err != nil {
				stream.defunct = true
				stream.mu.Unlock()
				m.streams.Delete(ref)
				return nil, err
			}
			m.logger.WithFields(logrus.Fields{
				"service":        ref.Service,
				"characteristic": ref.Characteristic,
			}).Debug("backend subscription opened")
		}

		stream.listeners = append(stream.listeners, listener)
		stream.mu.Unlock()
		return listener, nil
	}
}

// dispatch fans one backend notification out to every listener of ref.
// Called from the adapter's event-delivery path; it copies the payload once
// and never blocks.
func (m *Mux) dispatch(ref backend.CharRef, data []byte) {
	stream, ok := m.streams.Load(ref)
	if !ok {
		return
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	seq := m.seq.Add(1)
	ts := time.Now().UnixMicro()

	stream.mu.Lock()
	defer stream.mu.Unlock()
	for _, l := range stream.listeners {
		v := Value{
			Data:    payload,
			TsUs:    ts,
			Seq:     seq,
			Dropped: l.pendingDrops.Swap(0),
		}
		if evicted, dropped := l.ring.Send(v); dropped {
			// The evicted value may itself have carried a drop count
			// that was never delivered; fold it back in so the
			// listener's total never understates its losses.
			l.pendingDrops.Add(evicted.Dropped + 1)
		}
	}
}

// remove detaches a closed listener and, when it was the last one, tears
// down the backend subscription.
func (m *Mux) remove(ctx context.Context, listener *Listener) error {
	stream := listener.stream

	stream.mu.Lock()
	for i, l := range stream.listeners {
		if l == listener {
			stream.listeners = append(stream.listeners[:i], stream.listeners[i+1:]...)
			break
		}
	}
	listener.ring.Close()
	last := len(stream.listeners) == 0 && !stream.defunct
	if last {
		stream.defunct = true
	}
	stream.mu.Unlock()

	if !last {
		return nil
	}

	m.streams.Delete(listener.ref)
	if err := listener.sub.UnsubscribeBackend(ctx, listener.ref); err != nil {
		m.logger.WithFields(logrus.Fields{
			"characteristic": listener.ref.Characteristic,
			"error":          err,
		}).Warn("backend unsubscribe failed")
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"service":        listener.ref.Service,
		"characteristic": listener.ref.Characteristic,
	}).Debug("backend subscription closed")
	return nil
}

// InvalidateAll closes every listener without touching the backend: the
// link is gone, so each consumer sees its stream end rather than a silent
// stall. Subscriptions must be re-established after reconnect.
func (m *Mux) InvalidateAll() {
	m.streams.Range(func(ref backend.CharRef, stream *charStream) bool {
		stream.mu.Lock()
		stream.defunct = true
		for _, l := range stream.listeners {
			if l.closed.CompareAndSwap(false, true) {
				l.ring.Close()
			}
		}
		stream.listeners = nil
		stream.mu.Unlock()
		m.streams.Delete(ref)
		return true
	})
}
