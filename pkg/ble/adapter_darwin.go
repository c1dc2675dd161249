//go:build darwin

package ble

import (
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/backend/goble"
)

// CoreBluetooth through go-ble is the default stack on macOS.
func defaultAdapterFactory(logger *logrus.Logger) (backend.Adapter, error) {
	return goble.New(logger)
}
