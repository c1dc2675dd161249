//go:build linux

package ble

import (
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/backend/goble"
)

// The raw HCI stack through go-ble is the default on Linux; it needs
// CAP_NET_ADMIN but avoids a BlueZ dependency. Callers on a D-Bus desktop
// can install the tinygo adapter through AdapterFactory instead.
func defaultAdapterFactory(logger *logrus.Logger) (backend.Adapter, error) {
	return goble.New(logger)
}
