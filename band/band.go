package band

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/internal/groutine"
	"github.com/sensegrid/blecentral/notify"
	"github.com/sensegrid/blecentral/session"
)

// DefaultCommandTimeout bounds how long a command waits for the band's
// response notification.
const DefaultCommandTimeout = 3 * time.Second

type cmdResponse struct {
	status ResponseStatus
	body   []byte
}

// Band drives one gForce armband over an established session. Commands are
// written to the control characteristic and answered by notifications on
// the same characteristic; at most one command per opcode is outstanding.
type Band struct {
	sess   *session.Session
	logger *logrus.Logger

	cmdTimeout time.Duration

	mu       sync.Mutex
	listener *notify.Listener
	pending  map[Command]chan cmdResponse
	opened   bool
}

// New wraps a connected session. Call Open before issuing commands.
func New(sess *session.Session, logger *logrus.Logger) *Band {
	if logger == nil {
		logger = logrus.New()
	}
	return &Band{
		sess:       sess,
		logger:     logger,
		cmdTimeout: DefaultCommandTimeout,
		pending:    make(map[Command]chan cmdResponse),
	}
}

// SetCommandTimeout overrides how long each command waits for its
// response notification.
func (b *Band) SetCommandTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.cmdTimeout = d
	}
}

// Open subscribes to the control characteristic and starts routing
// responses to their callers.
func (b *Band) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}

	listener, err := b.sess.Subscribe(ctx, ServiceUUID, CommandUUID)
	if err != nil {
		return err
	}
	b.listener = listener
	b.opened = true

	groutine.Go(context.Background(), "band-control-router", func(context.Context) {
		for v := range listener.C() {
			b.routeResponse(v.Data)
		}
		b.failPending()
	})
	return nil
}

// Close releases the control subscription. Pending commands fail with
// ConnectionLost.
func (b *Band) Close(ctx context.Context) error {
	b.mu.Lock()
	listener := b.listener
	b.listener = nil
	b.opened = false
	b.mu.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Close(ctx)
}

// routeResponse hands one control notification to the caller waiting on
// its opcode. Frames shorter than the [status, opcode] header are dropped.
func (b *Band) routeResponse(data []byte) {
	if len(data) < 2 {
		b.logger.WithField("len", len(data)).Debug("short control response dropped")
		return
	}
	status := ResponseStatus(data[0])
	cmd := Command(data[1])

	b.mu.Lock()
	ch, ok := b.pending[cmd]
	delete(b.pending, cmd)
	b.mu.Unlock()
	if !ok {
		b.logger.WithField("cmd", cmd).Debug("unsolicited control response")
		return
	}

	body := make([]byte, len(data)-2)
	copy(body, data[2:])
	ch <- cmdResponse{status: status, body: body}
}

// failPending wakes every waiting caller after the control stream closed.
func (b *Band) failPending() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[Command]chan cmdResponse)
	b.opened = false
	b.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// call writes one command frame and waits for the matching response.
func (b *Band) call(ctx context.Context, cmd Command, frame []byte) ([]byte, error) {
	b.mu.Lock()
	if !b.opened {
		b.mu.Unlock()
		return nil, backend.Errorf(backend.KindProtocolError, "band control channel is not open")
	}
	if _, busy := b.pending[cmd]; busy {
		b.mu.Unlock()
		return nil, backend.Errorf(backend.KindProtocolError, "command 0x%02X already outstanding", byte(cmd))
	}
	ch := make(chan cmdResponse, 1)
	b.pending[cmd] = ch
	timeout := b.cmdTimeout
	b.mu.Unlock()

	abandon := func() {
		b.mu.Lock()
		delete(b.pending, cmd)
		b.mu.Unlock()
	}

	if err := b.sess.Write(ctx, ServiceUUID, CommandUUID, frame, backend.WriteWithResponse); err != nil {
		abandon()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rsp, ok := <-ch:
		if !ok {
			return nil, backend.Errorf(backend.KindConnectionLost, "control channel closed awaiting 0x%02X", byte(cmd))
		}
		return rsp.body, statusError(cmd, rsp.status)
	case <-timer.C:
		abandon()
		return nil, backend.Errorf(backend.KindOperationTimeout, "no response to command 0x%02X", byte(cmd))
	case <-ctx.Done():
		abandon()
		return nil, backend.Wrap(backend.KindCancelled, ctx.Err())
	}
}

func statusError(cmd Command, status ResponseStatus) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusNotSupported:
		return backend.Errorf(backend.KindUnsupported, "command 0x%02X: %s", byte(cmd), status)
	default:
		return backend.Errorf(backend.KindProtocolError, "command 0x%02X: %s", byte(cmd), status)
	}
}

// DeviceName reads the band's advertised device name.
func (b *Band) DeviceName(ctx context.Context) (string, error) {
	body, err := b.call(ctx, CmdGetDeviceName, []byte{byte(CmdGetDeviceName)})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// BatteryLevel reads the battery charge percentage.
func (b *Band) BatteryLevel(ctx context.Context) (uint8, error) {
	body, err := b.call(ctx, CmdGetBatteryLevel, []byte{byte(CmdGetBatteryLevel)})
	if err != nil {
		return 0, err
	}
	if len(body) < 1 {
		return 0, backend.Errorf(backend.KindProtocolError, "battery response carries no payload")
	}
	return body[0], nil
}

// SetMotor turns the vibration motor on or off.
func (b *Band) SetMotor(ctx context.Context, on bool) error {
	_, err := b.call(ctx, CmdMotorControl, encodeMotor(on))
	return err
}

// SetSubscription selects which data feeds the band pushes. Zero disables
// all feeds.
func (b *Band) SetSubscription(ctx context.Context, sub Subscription) error {
	_, err := b.call(ctx, CmdSetDataNotifSwitch, encodeSubscription(sub))
	return err
}

// SetEMGRawConfig parameterizes raw EMG sampling; required before
// subscribing to SubEMGRaw.
func (b *Band) SetEMGRawConfig(ctx context.Context, cfg EMGRawConfig) error {
	_, err := b.call(ctx, CmdSetEMGRawDataConfig, encodeEMGRawConfig(cfg))
	return err
}
