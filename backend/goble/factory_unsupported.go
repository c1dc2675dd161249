//go:build !darwin && !linux

package goble

import (
	blelib "github.com/go-ble/ble"

	"github.com/sensegrid/blecentral/backend"
)

// DeviceFactory has no go-ble transport on this platform; the tinygo
// adapter covers windows. A variable for symmetry with the other platforms
// so tests can still inject a mock.
var DeviceFactory = func() (blelib.Device, error) {
	return nil, backend.Errorf(backend.KindAdapterUnavailable, "go-ble has no transport for this platform")
}
