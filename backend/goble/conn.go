package goble

import (
	"context"
	"sync"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
)

const (
	// writeChunkSize is the largest write issued in one ATT operation.
	// BLE 4.0/4.1 guarantees only 20 payload bytes after the ATT header,
	// so longer values are split to stay compatible with every link.
	writeChunkSize = 20

	// writeChunkDelay paces consecutive chunks so the peripheral's receive
	// buffer is not overrun.
	writeChunkDelay = 10 * time.Millisecond
)

// conn owns one ble.Client. GATT calls arrive pre-serialized from the
// session's operation queue; the mutex only guards the characteristic table
// against the disconnect path.
type conn struct {
	client blelib.Client
	logger *logrus.Logger

	mu     sync.Mutex
	chars  map[backend.CharRef]*blelib.Characteristic
	closed bool

	disconnected chan error
}

func newConn(client blelib.Client, logger *logrus.Logger) *conn {
	c := &conn{
		client:       client,
		logger:       logger,
		chars:        make(map[backend.CharRef]*blelib.Characteristic),
		disconnected: make(chan error, 1),
	}
	go c.watchLink()
	return c
}

// watchLink translates go-ble's out-of-band disconnect signal into the
// contract's single-error channel. A local Close closes the channel without
// a value.
func (c *conn) watchLink() {
	<-c.client.Disconnected()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.disconnected <- backend.Errorf(backend.KindConnectionLost, "link to %s dropped", c.client.Addr())
	}
	close(c.disconnected)
}

func (c *conn) Disconnected() <-chan error { return c.disconnected }

func (c *conn) DiscoverServices(ctx context.Context) ([]backend.Service, error) {
	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, NormalizeError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	services := make([]backend.Service, 0, len(profile.Services))
	for _, svc := range profile.Services {
		svcUUID := backend.NormalizeUUID(svc.UUID.String())
		out := backend.Service{UUID: svcUUID}
		for _, char := range svc.Characteristics {
			charUUID := backend.NormalizeUUID(char.UUID.String())
			ref := backend.CharRef{Service: svcUUID, Characteristic: charUUID}
			c.chars[ref] = char
			out.Characteristics = append(out.Characteristics, backend.Characteristic{
				UUID:       charUUID,
				Properties: propertiesFromBLE(char.Property),
			})
		}
		services = append(services, out)
	}
	return services, nil
}

// lookup resolves a CharRef to the live go-ble characteristic handle.
func (c *conn) lookup(ref backend.CharRef) (*blelib.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[ref]
	if !ok {
		return nil, backend.Errorf(backend.KindProtocolError,
			"characteristic %s not discovered in service %s", ref.Characteristic, ref.Service)
	}
	return char, nil
}

func (c *conn) Read(ctx context.Context, ref backend.CharRef) ([]byte, error) {
	char, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(char)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

// Write issues a characteristic write. Values longer than one ATT payload
// are split into paced chunks; without-response writes resolve once the
// local stack accepted the last chunk. go-ble applies no flow control to
// without-response writes, which is a platform trait, hence the pacing.
func (c *conn) Write(ctx context.Context, ref backend.CharRef, data []byte, mode backend.WriteMode) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	noRsp := mode == backend.WriteWithoutResponse

	if len(data) <= writeChunkSize {
		if err := c.client.WriteCharacteristic(char, data, noRsp); err != nil {
			return NormalizeError(err)
		}
		return nil
	}

	for offset := 0; offset < len(data); offset += writeChunkSize {
		if err := ctx.Err(); err != nil {
			return backend.FromContext(err)
		}
		end := offset + writeChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.client.WriteCharacteristic(char, data[offset:end], noRsp); err != nil {
			return NormalizeError(err)
		}
		if end < len(data) {
			time.Sleep(writeChunkDelay)
		}
	}
	return nil
}

func (c *conn) Subscribe(ref backend.CharRef, fn func(data []byte)) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	indicate := char.Property&blelib.CharNotify == 0 && char.Property&blelib.CharIndicate != 0
	if err := c.client.Subscribe(char, indicate, func(data []byte) {
		fn(data)
	}); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (c *conn) Unsubscribe(ref backend.CharRef) error {
	char, err := c.lookup(ref)
	if err != nil {
		return err
	}
	// Try both modes; a characteristic subscribed as notify fails the
	// indicate unsubscribe and vice versa.
	errNotify := c.client.Unsubscribe(char, false)
	errIndicate := c.client.Unsubscribe(char, true)
	if errNotify != nil && errIndicate != nil {
		return NormalizeError(errNotify)
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

	if err := c.client.CancelConnection(); err != nil {
		c.logger.WithField("error", err).Warn("goble: disconnect finished with error")
		return NormalizeError(err)
	}
	return nil
}

// propertiesFromBLE converts go-ble's property bits to the contract mask.
func propertiesFromBLE(p blelib.Property) backend.Property {
	var out backend.Property
	if p&blelib.CharBroadcast != 0 {
		out |= backend.PropertyBroadcast
	}
	if p&blelib.CharRead != 0 {
		out |= backend.PropertyRead
	}
	if p&blelib.CharWriteNR != 0 {
		out |= backend.PropertyWriteWithoutResponse
	}
	if p&blelib.CharWrite != 0 {
		out |= backend.PropertyWrite
	}
	if p&blelib.CharNotify != 0 {
		out |= backend.PropertyNotify
	}
	if p&blelib.CharIndicate != 0 {
		out |= backend.PropertyIndicate
	}
	return out
}
