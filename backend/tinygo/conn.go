//go:build linux || windows

package tinygo

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	bluetooth "tinygo.org/x/bluetooth"

	"github.com/sensegrid/blecentral/backend"
)

// readBufferSize bounds a single characteristic read. BlueZ and WinRT both
// cap attribute values at the 512-byte ATT maximum.
const readBufferSize = 512

// permissiveProperties is reported for every characteristic because this
// stack does not expose the property mask. Operations the characteristic
// does not actually offer fail at the peripheral instead of locally.
const permissiveProperties = backend.PropertyRead |
	backend.PropertyWrite |
	backend.PropertyWriteWithoutResponse |
	backend.PropertyNotify |
	backend.PropertyIndicate

type conn struct {
	adapter *Adapter
	device  bluetooth.Device
	logger  *logrus.Logger

	mu     sync.Mutex
	chars  map[backend.CharRef]bluetooth.DeviceCharacteristic
	closed bool

	disconnected chan error
	lostOnce     sync.Once
}

func newConn(adapter *Adapter, device bluetooth.Device, logger *logrus.Logger) *conn {
	return &conn{
		adapter:      adapter,
		device:       device,
		logger:       logger,
		chars:        make(map[backend.CharRef]bluetooth.DeviceCharacteristic),
		disconnected: make(chan error, 1),
	}
}

// linkLost is invoked from the adapter's connect handler when the link
// drops without a local Close.
func (c *conn) linkLost() {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.disconnected <- backend.Errorf(backend.KindConnectionLost,
				"link to %s dropped", c.device.Address.String())
		}
		close(c.disconnected)
	})
}

func (c *conn) Disconnected() <-chan error { return c.disconnected }

func (c *conn) DiscoverServices(ctx context.Context) ([]backend.Service, error) {
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, backend.Wrap(backend.KindProtocolError, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]backend.Service, 0, len(services))
	for _, svc := range services {
		svcUUID := backend.NormalizeUUID(svc.UUID().String())
		entry := backend.Service{UUID: svcUUID}

		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, backend.Wrap(backend.KindProtocolError, err)
		}
		for _, char := range chars {
			charUUID := backend.NormalizeUUID(char.UUID().String())
			ref := backend.CharRef{Service: svcUUID, Characteristic: charUUID}
			c.chars[ref] = char
			entry.Characteristics = append(entry.Characteristics, backend.Characteristic{
				UUID:       charUUID,
				Properties: permissiveProperties,
			})
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *conn) lookup(ref backend.CharRef) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[ref]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, backend.Errorf(backend.KindProtocolError,
			"characteristic %s not discovered in service %s", ref.Characteristic, ref.Service)
	}
	return char, nil
}

func (c *conn) Read(ctx context.Context, ref backend.CharRef) ([]byte, error) {
	char, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, readBufferSize)
	n, err := char.Read(buf)
	if err != nil {
		return nil, backend.Wrap(backend.KindProtocolError, err)
	}
	return buf[:n], nil
}

func (c *conn) Write(ctx context.Context, ref backend.CharRef, data []byte, mode backend.WriteMode) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if mode == backend.WriteWithoutResponse {
		_, err = char.WriteWithoutResponse(data)
	} else {
		_, err = char.Write(data)
	}
	if err != nil {
		return backend.Wrap(backend.KindProtocolError, err)
	}
	return nil
}

func (c *conn) Subscribe(ref backend.CharRef, fn func(data []byte)) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(fn); err != nil {
		return backend.Wrap(backend.KindProtocolError, err)
	}
	return nil
}

// Unsubscribe is best-effort: the stack disables CCCD notifications by
// installing a nil handler, but not every BlueZ version acknowledges it.
func (c *conn) Unsubscribe(ref backend.CharRef) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(nil); err != nil {
		c.logger.WithFields(logrus.Fields{
			"characteristic": ref.Characteristic,
			"error":          err,
		}).Debug("tinygo: unsubscribe not acknowledged")
	}
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.adapter.forget(c.device.Address.String())
	err := c.device.Disconnect()
	c.lostOnce.Do(func() { close(c.disconnected) })
	if err != nil {
		return backend.Wrap(backend.KindProtocolError, err)
	}
	return nil
}
