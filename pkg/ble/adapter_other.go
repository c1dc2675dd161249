//go:build !darwin && !linux && !windows

package ble

import (
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
)

func defaultAdapterFactory(logger *logrus.Logger) (backend.Adapter, error) {
	return nil, backend.Errorf(backend.KindAdapterUnavailable, "no BLE backend for this platform")
}
