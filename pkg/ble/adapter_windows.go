//go:build windows

package ble

import (
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/backend/tinygo"
)

// WinRT through the tinygo bluetooth stack is the only supported backend
// on Windows.
func defaultAdapterFactory(logger *logrus.Logger) (backend.Adapter, error) {
	return tinygo.New(logger)
}
