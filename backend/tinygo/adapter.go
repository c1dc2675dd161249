//go:build linux || windows

// Package tinygo implements the backend contract on top of
// tinygo.org/x/bluetooth: BlueZ over D-Bus on linux, WinRT on windows.
// This stack does not expose characteristic property masks, so discovery
// reports a permissive mask and unsupported operations surface as errors
// from the peripheral instead of a local Unsupported. Write-without-response
// is not flow-controlled on either platform.
package tinygo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bluetooth "tinygo.org/x/bluetooth"

	"github.com/sensegrid/blecentral/backend"
)

// AdapterFactory returns the native adapter. A variable so tests can
// substitute a mock-backed adapter.
var AdapterFactory = func() *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

// Adapter drives one tinygo bluetooth adapter.
type Adapter struct {
	native *bluetooth.Adapter
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[string]*conn // by peripheral address, for link-loss routing
}

// New enables the radio and installs the adapter-wide connect handler used
// to route out-of-band disconnect events to the owning conn.
func New(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	native := AdapterFactory()
	if err := native.Enable(); err != nil {
		return nil, backend.Wrap(backend.KindAdapterUnavailable, err)
	}

	a := &Adapter{
		native: native,
		logger: logger,
		conns:  make(map[string]*conn),
	}
	native.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		c := a.conns[device.Address.String()]
		delete(a.conns, device.Address.String())
		a.mu.Unlock()
		if c != nil {
			c.linkLost()
		}
	})
	return a, nil
}

func (a *Adapter) Name() string { return "tinygo" }

// Scan runs discovery until ctx is done. The native Scan call blocks, so a
// helper goroutine issues StopScan on context termination.
func (a *Adapter) Scan(ctx context.Context, allowDuplicates bool, fn func(backend.Advertisement)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.native.StopScan()
		case <-stop:
		}
	}()

	seen := make(map[string]bool)
	err := a.native.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !allowDuplicates {
			if seen[result.Address.String()] {
				return
			}
			seen[result.Address.String()] = true
		}
		fn(newAdvertisement(&result))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return backend.Wrap(backend.KindAdapterUnavailable, err)
	}
	return nil
}

// Connect dials the peripheral. The native connect timeout is taken from
// the ctx deadline when one is set.
func (a *Adapter) Connect(ctx context.Context, address string) (backend.Conn, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, backend.Errorf(backend.KindDeviceUnreachable, "invalid address %q: %v", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := a.native.Connect(addr, params)
	if err != nil {
		return nil, backend.Wrap(backend.KindDeviceUnreachable, err)
	}

	c := newConn(a, device, a.logger)
	a.mu.Lock()
	a.conns[address] = c
	a.mu.Unlock()

	a.logger.WithField("address", address).Debug("tinygo: connected")
	return c, nil
}

// forget drops the link-loss routing entry after a local close.
func (a *Adapter) forget(address string) {
	a.mu.Lock()
	delete(a.conns, address)
	a.mu.Unlock()
}
