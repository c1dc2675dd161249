package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/internal/groutine"
)

// opKind labels queued operations for logging.
type opKind string

const (
	opRead        opKind = "read"
	opWrite       opKind = "write"
	opSubscribe   opKind = "subscribe"
	opUnsubscribe opKind = "unsubscribe"
)

// opResult is what an operation resolves to.
type opResult struct {
	data []byte
	err  error
}

// operation is a single queued GATT request. Its completion slot is
// fulfilled exactly once, no matter how many of the racing outcomes
// (backend completion, deadline, caller cancellation, connection loss)
// fire; late backend results after a local timeout are discarded by the
// once-resolution.
type operation struct {
	id       uuid.UUID
	kind     opKind
	ref      backend.CharRef
	deadline time.Time
	ctx      context.Context
	exec     func(ctx context.Context) ([]byte, error)

	once    sync.Once
	done    chan opResult // caller's completion slot, buffered(1)
	settled chan struct{} // closed once the slot is fulfilled
}

func newOperation(ctx context.Context, kind opKind, ref backend.CharRef, timeout time.Duration, exec func(ctx context.Context) ([]byte, error)) *operation {
	return &operation{
		id:       uuid.New(),
		kind:     kind,
		ref:      ref,
		deadline: time.Now().Add(timeout),
		ctx:      ctx,
		exec:     exec,
		done:     make(chan opResult, 1),
		settled:  make(chan struct{}),
	}
}

// resolve fulfills the completion slot. Later calls are no-ops.
func (o *operation) resolve(data []byte, err error) {
	o.once.Do(func() {
		o.done <- opResult{data: data, err: err}
		close(o.settled)
	})
}

// wait blocks the caller until the operation resolves or the caller's
// context ends. Cancellation resolves the slot itself, guaranteeing the
// caller always gets an answer even if the backend never acknowledges the
// abort.
func (o *operation) wait() ([]byte, error) {
	select {
	case res := <-o.done:
		return res.data, res.err
	case <-o.ctx.Done():
		o.resolve(nil, backend.Wrap(backend.KindCancelled, o.ctx.Err()))
		res := <-o.done
		return res.data, res.err
	}
}

// opQueue serializes GATT operations for one connection: submissions are
// accepted concurrently from any number of callers, dispatched one at a
// time, first-in-first-out. BLE links cannot reliably multiplex concurrent
// GATT transactions, so at most one operation is in flight per session.
type opQueue struct {
	logger *logrus.Logger

	mu      sync.Mutex
	pending []*operation
	stopped bool
	wake    chan struct{}

	stop     chan struct{} // closed by failAll
	loopDone chan struct{} // closed when the dispatch loop exits
}

func newOpQueue(logger *logrus.Logger) *opQueue {
	q := &opQueue{
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	groutine.Go(context.Background(), "gatt-op-queue", func(context.Context) {
		q.run()
	})
	return q
}

// submit appends op to the queue. Fails immediately when the queue has
// already been torn down by a disconnect.
func (q *opQueue) submit(op *operation) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return backend.Errorf(backend.KindConnectionLost, "session is not connected")
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest pending operation.
func (q *opQueue) pop() *operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	op := q.pending[0]
	q.pending = q.pending[1:]
	return op
}

// run is the dispatch loop: one operation at a time, in submission order,
// so completions are delivered in submission order as well.
func (q *opQueue) run() {
	defer close(q.loopDone)

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		op := q.pop()
		if op == nil {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		q.dispatch(op)
	}
}

// dispatch executes one operation against the backend, bounded by the
// operation deadline and the caller's context. The backend call runs in its
// own goroutine; whichever outcome loses the race is discarded.
func (q *opQueue) dispatch(op *operation) {
	if err := op.ctx.Err(); err != nil {
		op.resolve(nil, backend.Wrap(backend.KindCancelled, err))
		return
	}

	execCtx, cancel := context.WithDeadline(context.Background(), op.deadline)
	defer cancel()

	start := time.Now()
	go func() {
		data, err := op.exec(execCtx)
		op.resolve(data, backend.FromContext(err))
	}()

	select {
	case <-op.settled:
	case <-execCtx.Done():
		op.resolve(nil, backend.Errorf(backend.KindOperationTimeout,
			"%s %s exceeded its deadline", op.kind, op.ref.Characteristic))
	case <-op.ctx.Done():
		op.resolve(nil, backend.Wrap(backend.KindCancelled, op.ctx.Err()))
	case <-q.stop:
		op.resolve(nil, backend.Errorf(backend.KindConnectionLost,
			"connection closed while %s %s was in flight", op.kind, op.ref.Characteristic))
	}

	q.logger.WithFields(logrus.Fields{
		"op":             string(op.kind),
		"id":             op.id,
		"characteristic": op.ref.Characteristic,
		"elapsed":        time.Since(start),
	}).Debug("operation dispatched")
}

// failAll tears the queue down: the in-flight operation (earliest
// submitted) resolves first, then every queued operation resolves with
// cause in submission order. Idempotent.
func (q *opQueue) failAll(cause error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	drained := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.stop)
	<-q.loopDone

	for _, op := range drained {
		op.resolve(nil, cause)
	}
}
