// Package goble implements the backend contract on top of go-ble/ble. It is
// the reference adapter: CoreBluetooth on darwin and a raw HCI socket on
// linux. On other platforms device creation surfaces AdapterUnavailable.
package goble

import (
	"context"
	"errors"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
)

// Adapter drives a single go-ble device.
type Adapter struct {
	dev    blelib.Device
	logger *logrus.Logger
}

// New creates the adapter, initializing the native device through
// DeviceFactory (overridable in tests).
func New(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &Adapter{dev: dev, logger: logger}, nil
}

func (a *Adapter) Name() string { return "goble" }

// Scan runs discovery until ctx is done. Context termination is a normal
// stop; every other native failure is mapped into the taxonomy.
func (a *Adapter) Scan(ctx context.Context, allowDuplicates bool, fn func(backend.Advertisement)) error {
	err := a.dev.Scan(ctx, allowDuplicates, func(adv blelib.Advertisement) {
		fn(newAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// Connect dials the peripheral. The caller bounds the attempt through ctx;
// a deadline here maps to DeviceUnreachable, not OperationTimeout.
func (a *Adapter) Connect(ctx context.Context, address string) (backend.Conn, error) {
	client, err := a.dev.Dial(ctx, blelib.NewAddr(address))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, backend.Wrap(backend.KindDeviceUnreachable, err)
		}
		return nil, NormalizeError(err)
	}

	c := newConn(client, a.logger)
	a.logger.WithField("address", address).Debug("goble: connected")
	return c, nil
}
