//go:build linux

package goble

import (
	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the native ble.Device over a raw HCI socket.
// A variable so tests can substitute a mock.
var DeviceFactory = func() (blelib.Device, error) {
	return linux.NewDevice()
}
