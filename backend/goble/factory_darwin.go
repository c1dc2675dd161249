//go:build darwin

package goble

import (
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the native ble.Device. A variable so tests can
// substitute a mock.
var DeviceFactory = func() (blelib.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// CoreBluetooth reports a powered-off radio as an invalid
		// central manager state; translate to something actionable.
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("bluetooth is turned off: %w", err)
			}
		}
		return nil, err
	}
	return dev, nil
}
