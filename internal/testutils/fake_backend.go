// Package testutils provides a programmable in-memory backend and builders
// for exercising the core without a radio.
package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensegrid/blecentral/backend"
)

// WriteRecord captures one write observed by a FakeConn.
type WriteRecord struct {
	Ref  backend.CharRef
	Data []byte
	Mode backend.WriteMode
}

// FakeAdapter is a programmable backend.Adapter. Scans replay the
// configured advertisements and then deliver anything pushed through
// Announce until the context ends.
type FakeAdapter struct {
	// Advertisements are replayed to every scan on start.
	Advertisements []backend.Advertisement
	// ScanErr, when set, fails Scan immediately.
	ScanErr error
	// ConnectErr, when set, fails Connect immediately.
	ConnectErr error
	// ConnectHang makes Connect block until its context ends, simulating
	// a device that never answers.
	ConnectHang bool
	// NewConn overrides connection construction per address.
	NewConn func(address string) *FakeConn

	mu        sync.Mutex
	listeners []chan backend.Advertisement
	scans     atomic.Int32
	conns     []*FakeConn
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{}
}

func (a *FakeAdapter) Name() string { return "fake" }

// ScanCount reports how many native scans were started.
func (a *FakeAdapter) ScanCount() int32 { return a.scans.Load() }

// Conns returns every connection handed out so far.
func (a *FakeAdapter) Conns() []*FakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*FakeConn, len(a.conns))
	copy(out, a.conns)
	return out
}

// Announce delivers an advertisement to every active scan.
func (a *FakeAdapter) Announce(adv backend.Advertisement) {
	a.mu.Lock()
	listeners := make([]chan backend.Advertisement, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()
	for _, ch := range listeners {
		ch <- adv
	}
}

func (a *FakeAdapter) Scan(ctx context.Context, allowDuplicates bool, fn func(backend.Advertisement)) error {
	if a.ScanErr != nil {
		return a.ScanErr
	}
	a.scans.Add(1)

	live := make(chan backend.Advertisement, 16)
	a.mu.Lock()
	a.listeners = append(a.listeners, live)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		for i, ch := range a.listeners {
			if ch == live {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
	}()

	for _, adv := range a.Advertisements {
		fn(adv)
	}
	for {
		select {
		case adv := <-live:
			fn(adv)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *FakeAdapter) Connect(ctx context.Context, address string) (backend.Conn, error) {
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	if a.ConnectHang {
		// Surface the raw context error, like a backend that does not
		// classify its failures.
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var conn *FakeConn
	if a.NewConn != nil {
		conn = a.NewConn(address)
	} else {
		conn = NewFakeConn(address)
	}

	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

// FakeConn is a programmable backend.Conn backed by in-memory values.
type FakeConn struct {
	Address string

	// Services is what DiscoverServices returns.
	Services []backend.Service
	// DiscoverErr, when set, fails DiscoverServices.
	DiscoverErr error

	// ReadErr / WriteErr / SubscribeErr fail the corresponding call.
	ReadErr      error
	WriteErr     error
	SubscribeErr error
	// ReadDelay / WriteDelay stall the call, honoring the context, to
	// exercise deadlines.
	ReadDelay  time.Duration
	WriteDelay time.Duration
	// OnWrite, when set, observes each write after it is recorded. Tests
	// use it to script a peripheral answering commands.
	OnWrite func(WriteRecord)

	mu           sync.Mutex
	values       map[backend.CharRef][]byte
	writes       []WriteRecord
	subscribes   []backend.CharRef
	unsubscribes []backend.CharRef
	handlers     map[backend.CharRef]func([]byte)

	closed       atomic.Bool
	disconnected chan error
}

func NewFakeConn(address string) *FakeConn {
	return &FakeConn{
		Address:      address,
		values:       make(map[backend.CharRef][]byte),
		handlers:     make(map[backend.CharRef]func([]byte)),
		disconnected: make(chan error, 1),
	}
}

// SetValue seeds the value returned by Read for ref.
func (c *FakeConn) SetValue(ref backend.CharRef, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[ref] = value
}

// Writes returns every write observed, in order.
func (c *FakeConn) Writes() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WriteRecord, len(c.writes))
	copy(out, c.writes)
	return out
}

// SubscribeCalls returns every backend-level subscribe, in order.
func (c *FakeConn) SubscribeCalls() []backend.CharRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.CharRef, len(c.subscribes))
	copy(out, c.subscribes)
	return out
}

// UnsubscribeCalls returns every backend-level unsubscribe, in order.
func (c *FakeConn) UnsubscribeCalls() []backend.CharRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.CharRef, len(c.unsubscribes))
	copy(out, c.unsubscribes)
	return out
}

// Notify emits a value on ref's subscription, if one is active.
func (c *FakeConn) Notify(ref backend.CharRef, data []byte) {
	c.mu.Lock()
	fn := c.handlers[ref]
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// DropLink simulates an unexpected disconnect.
func (c *FakeConn) DropLink(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.disconnected <- err
		close(c.disconnected)
	}
}

func (c *FakeConn) DiscoverServices(ctx context.Context) ([]backend.Service, error) {
	if c.DiscoverErr != nil {
		return nil, c.DiscoverErr
	}
	return c.Services, nil
}

func (c *FakeConn) Read(ctx context.Context, ref backend.CharRef) ([]byte, error) {
	if err := wait(ctx, c.ReadDelay); err != nil {
		return nil, err
	}
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[ref]
	if !ok {
		return nil, backend.Errorf(backend.KindProtocolError, "no value for %s", ref.Characteristic)
	}
	return value, nil
}

func (c *FakeConn) Write(ctx context.Context, ref backend.CharRef, data []byte, mode backend.WriteMode) error {
	if err := wait(ctx, c.WriteDelay); err != nil {
		return err
	}
	if c.WriteErr != nil {
		return c.WriteErr
	}
	recorded := make([]byte, len(data))
	copy(recorded, data)
	record := WriteRecord{Ref: ref, Data: recorded, Mode: mode}

	c.mu.Lock()
	c.writes = append(c.writes, record)
	hook := c.OnWrite
	c.mu.Unlock()

	if hook != nil {
		hook(record)
	}
	return nil
}

func (c *FakeConn) Subscribe(ref backend.CharRef, fn func(data []byte)) error {
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes = append(c.subscribes, ref)
	c.handlers[ref] = fn
	return nil
}

func (c *FakeConn) Unsubscribe(ref backend.CharRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, ref)
	delete(c.handlers, ref)
	return nil
}

func (c *FakeConn) Disconnected() <-chan error {
	return c.disconnected
}

func (c *FakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.disconnected)
	}
	return nil
}

// Closed reports whether the connection has been torn down, by either side.
func (c *FakeConn) Closed() bool {
	return c.closed.Load()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
