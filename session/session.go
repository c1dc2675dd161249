// Package session manages one logical connection to a peripheral: a state
// machine over the backend connection handle, a FIFO operation queue, the
// discovered service tree, and the notification multiplexer. Sessions on
// different devices proceed independently; operations within one session
// are strictly serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/gatt"
	"github.com/sensegrid/blecentral/internal/groutine"
	"github.com/sensegrid/blecentral/notify"
)

const stateTopic = "state"

// ErrNotDisconnected is returned by Connect when the session is already
// connecting, connected, or shutting down. Caller misuse, not a device
// fault, so it carries no backend error kind.
var ErrNotDisconnected = errors.New("session is not disconnected")

// Options configures one session.
type Options struct {
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
	// DiscoverTimeout bounds service discovery after a connect.
	DiscoverTimeout time.Duration
	// OperationTimeout is the default deadline for each GATT operation.
	OperationTimeout time.Duration
	// AutoReconnect re-establishes the link after an unexpected drop.
	AutoReconnect bool
	// MaxReconnectAttempts caps the backoff loop before the session
	// settles into a terminal Disconnected state.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the first backoff delay; it doubles per
	// attempt up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// NotifyBuffer is the per-listener notification queue depth.
	NotifyBuffer int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = 15 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 16 * time.Second
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 128
	}
	return o
}

// Session is a per-device connection state machine. Create with New, open
// with Connect.
type Session struct {
	address string
	adapter backend.Adapter
	opts    Options
	logger  *logrus.Logger

	state atomic.Int32

	mu            sync.Mutex
	conn          backend.Conn
	tree          *gatt.Tree
	queue         *opQueue
	generation    uint64
	lastErr       error
	connectCancel context.CancelFunc

	mux    *notify.Mux
	events *pubsub.PubSub[string, StateChange]
}

// New creates a session for the peripheral at address. The session starts
// Disconnected.
func New(adapter backend.Adapter, address string, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	o := opts.withDefaults()
	return &Session{
		address: address,
		adapter: adapter,
		opts:    o,
		logger:  logger,
		mux:     notify.NewMux(o.NotifyBuffer, logger),
		events:  pubsub.New[string, StateChange](8),
	}
}

// Address returns the peripheral address this session is bound to.
func (s *Session) Address() string { return s.address }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastError returns the error attached to the most recent failure-driven
// transition, typically the cause of a terminal Disconnected.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Events subscribes to state transitions. Release with CancelEvents.
func (s *Session) Events() chan StateChange {
	return s.events.Sub(stateTopic)
}

// CancelEvents releases a channel obtained from Events.
func (s *Session) CancelEvents(ch chan StateChange) {
	s.events.Unsub(ch, stateTopic)
}

// setState must be called with s.mu held.
func (s *Session) setState(next State, cause error) {
	prev := State(s.state.Swap(int32(next)))
	if cause != nil {
		s.lastErr = cause
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"from":    prev.String(),
		"to":      next.String(),
	}).Debug("session state changed")
	s.events.TryPub(StateChange{State: next, Err: cause}, stateTopic)
}

// Connect opens the connection and discovers the service tree. On timeout
// or backend failure the session returns to Disconnected and the error is
// surfaced here.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if State(s.state.Load()) != StateDisconnected {
		st := State(s.state.Load())
		s.mu.Unlock()
		return fmt.Errorf("%w: connect requested while %s", ErrNotDisconnected, st)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.connectCancel = cancel
	s.setState(StateConnecting, nil)
	s.mu.Unlock()
	defer cancel()

	conn, services, err := s.establish(ctx)

	s.mu.Lock()
	s.connectCancel = nil
	if err != nil {
		s.setState(StateDisconnected, err)
		s.mu.Unlock()
		return err
	}
	if State(s.state.Load()) != StateConnecting {
		// Disconnect raced the dial; release the fresh handle.
		s.mu.Unlock()
		_ = conn.Close()
		return backend.Errorf(backend.KindCancelled, "connect aborted by disconnect")
	}
	s.attach(conn, services)
	s.mu.Unlock()
	return nil
}

// establish dials and discovers. Each phase carries its own timeout.
func (s *Session) establish(ctx context.Context) (backend.Conn, []backend.Service, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(dialCtx, s.address)
	if err != nil {
		if backend.KindOf(err) == "" {
			// An adapter that passed a raw context error through;
			// an expired dial means the device is out of reach.
			if errors.Is(err, context.DeadlineExceeded) {
				err = backend.Wrap(backend.KindDeviceUnreachable, err)
			} else if errors.Is(err, context.Canceled) {
				err = backend.Wrap(backend.KindCancelled, err)
			}
		}
		return nil, nil, err
	}

	discCtx, cancel := context.WithTimeout(ctx, s.opts.DiscoverTimeout)
	defer cancel()

	services, err := conn.DiscoverServices(discCtx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, backend.FromContext(err)
	}
	return conn, services, nil
}

// attach installs a live connection. Must be called with s.mu held.
func (s *Session) attach(conn backend.Conn, services []backend.Service) {
	s.generation++
	s.conn = conn
	s.tree = gatt.NewTree(s.generation, services)
	s.queue = newOpQueue(s.logger)
	s.setState(StateConnected, nil)
	groutine.Go(context.Background(), "link-watch:"+s.address, func(context.Context) {
		s.watchLink(conn)
	})

	s.logger.WithFields(logrus.Fields{
		"address":    s.address,
		"services":   len(services),
		"generation": s.generation,
	}).Info("session connected")
}

// watchLink waits for the connection's out-of-band loss signal. The channel
// closes without a value on a local Close, which is not a link loss.
func (s *Session) watchLink(conn backend.Conn) {
	err, ok := <-conn.Disconnected()
	if !ok {
		return
	}
	s.handleLinkLoss(conn, err)
}

// handleLinkLoss reacts to an unexpected drop: every pending operation
// fails with ConnectionLost in submission order, subscriptions are
// invalidated (listeners see their stream close), and the session either
// starts the reconnect backoff loop or settles Disconnected.
func (s *Session) handleLinkLoss(conn backend.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || State(s.state.Load()) != StateConnected {
		s.mu.Unlock()
		return
	}
	queue := s.queue
	s.conn = nil
	s.tree = nil
	s.queue = nil
	if s.opts.AutoReconnect {
		s.setState(StateReconnecting, cause)
	} else {
		s.setState(StateDisconnected, cause)
	}
	reconnect := s.opts.AutoReconnect
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"error":   cause,
	}).Warn("link lost")

	queue.failAll(backend.Wrap(backend.KindConnectionLost, cause))
	s.mux.InvalidateAll()
	_ = conn.Close()

	if reconnect {
		s.reconnectLoop(cause)
	}
}

// reconnectLoop retries with exponential backoff until success, explicit
// disconnect, or attempt exhaustion. Exhaustion is a terminal Disconnected
// with the last error attached, observable through Events.
func (s *Session) reconnectLoop(cause error) {
	delay := s.opts.ReconnectBaseDelay
	lastErr := cause

	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(delay)

		if s.State() != StateReconnecting {
			// Explicitly disconnected while backing off.
			return
		}

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"attempt": attempt,
		}).Info("reconnecting")

		conn, services, err := s.establish(context.Background())
		if err == nil {
			s.mu.Lock()
			if State(s.state.Load()) != StateReconnecting {
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
			s.attach(conn, services)
			s.mu.Unlock()
			return
		}

		lastErr = err
		delay *= 2
		if delay > s.opts.ReconnectMaxDelay {
			delay = s.opts.ReconnectMaxDelay
		}
	}

	s.mu.Lock()
	if State(s.state.Load()) == StateReconnecting {
		s.setState(StateDisconnected, lastErr)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"error":   lastErr,
	}).Warn("reconnect attempts exhausted")
}

// Disconnect closes the session. Calling it while already Disconnected is
// a no-op, not an error.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	switch State(s.state.Load()) {
	case StateDisconnected, StateDisconnecting:
		s.mu.Unlock()
		return nil
	case StateReconnecting:
		// Abandon the backoff loop; there is no native handle to close.
		s.setState(StateDisconnected, nil)
		s.mu.Unlock()
		return nil
	}
	if s.connectCancel != nil {
		s.connectCancel()
	}
	queue := s.queue
	conn := s.conn
	s.conn = nil
	s.tree = nil
	s.queue = nil
	s.setState(StateDisconnecting, nil)
	s.mu.Unlock()

	if queue != nil {
		queue.failAll(backend.Errorf(backend.KindConnectionLost, "session disconnected"))
	}
	s.mux.InvalidateAll()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	s.mu.Lock()
	s.setState(StateDisconnected, nil)
	s.mu.Unlock()
	return err
}

// DiscoverServices returns the service tree cached at connect time. The
// tree is rediscovered from scratch on every reconnect; handles from a
// previous tree are stale.
func (s *Session) DiscoverServices(ctx context.Context) (*gatt.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.state.Load()) != StateConnected {
		return nil, backend.Errorf(backend.KindConnectionLost, "session is %s", State(s.state.Load()))
	}
	return s.tree, nil
}

// resolve validates connection state, looks the characteristic up, and
// checks it offers the needed properties. Must not hold s.mu on return.
func (s *Session) resolve(serviceUUID, charUUID string, need backend.Property) (*gatt.Characteristic, *opQueue, backend.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.state.Load()) != StateConnected {
		return nil, nil, nil, backend.Errorf(backend.KindConnectionLost, "session is %s", State(s.state.Load()))
	}
	char, err := s.tree.Characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, nil, nil, err
	}
	if need != 0 && !char.Supports(need) {
		return nil, nil, nil, backend.Errorf(backend.KindUnsupported,
			"characteristic %s does not offer %s", char.UUID(), need)
	}
	return char, s.queue, s.conn, nil
}

// Read reads a characteristic value. Completion order follows submission
// order across all of the session's operations.
func (s *Session) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	char, queue, conn, err := s.resolve(serviceUUID, charUUID, backend.PropertyRead)
	if err != nil {
		return nil, err
	}

	op := newOperation(ctx, opRead, char.Ref(), s.opts.OperationTimeout, func(ctx context.Context) ([]byte, error) {
		data, err := conn.Read(ctx, char.Ref())
		if err == nil {
			char.SetCachedValue(data)
		}
		return data, err
	})
	if err := queue.submit(op); err != nil {
		return nil, err
	}
	return op.wait()
}

// Write writes a characteristic value. A without-response write resolves as
// soon as the backend accepts it; no device acknowledgment is awaited.
func (s *Session) Write(ctx context.Context, serviceUUID, charUUID string, data []byte, mode backend.WriteMode) error {
	need := backend.PropertyWrite
	if mode == backend.WriteWithoutResponse {
		need = backend.PropertyWriteWithoutResponse
	}
	char, queue, conn, err := s.resolve(serviceUUID, charUUID, need)
	if err != nil {
		return err
	}

	op := newOperation(ctx, opWrite, char.Ref(), s.opts.OperationTimeout, func(ctx context.Context) ([]byte, error) {
		return nil, conn.Write(ctx, char.Ref(), data, mode)
	})
	if err := queue.submit(op); err != nil {
		return err
	}
	_, err = op.wait()
	return err
}

// Subscribe opens a notification stream for the characteristic. The first
// listener triggers the backend subscribe; further listeners share the
// stream. The listener's channel closes when the session disconnects and
// must be re-established after reconnect.
func (s *Session) Subscribe(ctx context.Context, serviceUUID, charUUID string) (*notify.Listener, error) {
	char, _, _, err := s.resolve(serviceUUID, charUUID, 0)
	if err != nil {
		return nil, err
	}
	if !char.Supports(backend.PropertyNotify) && !char.Supports(backend.PropertyIndicate) {
		return nil, backend.Errorf(backend.KindUnsupported,
			"characteristic %s offers neither notify nor indicate", char.UUID())
	}
	return s.mux.Subscribe(ctx, s, char.Ref())
}

// ReadHandle is Read for a handle obtained from DiscoverServices. Handles
// from a previous connection generation are rejected.
func (s *Session) ReadHandle(ctx context.Context, char *gatt.Characteristic) ([]byte, error) {
	if err := s.validateHandle(char); err != nil {
		return nil, err
	}
	return s.Read(ctx, char.ServiceUUID(), char.UUID())
}

// WriteHandle is Write for a handle obtained from DiscoverServices.
func (s *Session) WriteHandle(ctx context.Context, char *gatt.Characteristic, data []byte, mode backend.WriteMode) error {
	if err := s.validateHandle(char); err != nil {
		return err
	}
	return s.Write(ctx, char.ServiceUUID(), char.UUID(), data, mode)
}

func (s *Session) validateHandle(char *gatt.Characteristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.state.Load()) != StateConnected {
		return backend.Errorf(backend.KindConnectionLost, "session is %s", State(s.state.Load()))
	}
	return s.tree.Validate(char)
}

// SubscribeBackend implements notify.BackendSubscriber: the CCCD write goes
// through the operation queue like every other GATT operation.
func (s *Session) SubscribeBackend(ctx context.Context, ref backend.CharRef, fn func(data []byte)) error {
	s.mu.Lock()
	if State(s.state.Load()) != StateConnected {
		s.mu.Unlock()
		return backend.Errorf(backend.KindConnectionLost, "session is %s", State(s.state.Load()))
	}
	queue, conn := s.queue, s.conn
	char, _ := s.tree.Characteristic(ref.Service, ref.Characteristic)
	s.mu.Unlock()

	op := newOperation(ctx, opSubscribe, ref, s.opts.OperationTimeout, func(ctx context.Context) ([]byte, error) {
		return nil, conn.Subscribe(ref, func(data []byte) {
			if char != nil {
				char.SetCachedValue(data)
			}
			fn(data)
		})
	})
	if err := queue.submit(op); err != nil {
		return err
	}
	_, err := op.wait()
	return err
}

// UnsubscribeBackend implements notify.BackendSubscriber. After a link
// loss there is nothing to tear down; the backend subscription died with
// the connection.
func (s *Session) UnsubscribeBackend(ctx context.Context, ref backend.CharRef) error {
	s.mu.Lock()
	if State(s.state.Load()) != StateConnected {
		s.mu.Unlock()
		return nil
	}
	queue, conn := s.queue, s.conn
	s.mu.Unlock()

	op := newOperation(ctx, opUnsubscribe, ref, s.opts.OperationTimeout, func(ctx context.Context) ([]byte, error) {
		return nil, conn.Unsubscribe(ref)
	})
	if err := queue.submit(op); err != nil {
		return err
	}
	_, err := op.wait()
	return err
}
