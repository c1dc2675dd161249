package goble

import (
	"strings"

	"github.com/sensegrid/blecentral/backend"
)

// NormalizeError maps known go-ble error strings into the backend taxonomy.
// go-ble reports most failures as formatted strings, so matching on message
// fragments is the only stable classification point; unmatched errors are
// surfaced as ProtocolError so nothing native crosses the boundary unmapped.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no devices available"),
		containsIgnoreCase(msg, "operation not permitted"):
		return backend.Wrap(backend.KindAdapterUnavailable, err)

	case containsIgnoreCase(msg, "connection timed out"),
		containsIgnoreCase(msg, "can't dial"),
		containsIgnoreCase(msg, "unknown device"):
		return backend.Wrap(backend.KindDeviceUnreachable, err)

	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"),
		containsIgnoreCase(msg, "input channel closed"):
		return backend.Wrap(backend.KindConnectionLost, err)

	case containsIgnoreCase(msg, "not support"),
		containsIgnoreCase(msg, "request not supported"),
		containsIgnoreCase(msg, "doesn't support"):
		return backend.Wrap(backend.KindUnsupported, err)

	default:
		return backend.Wrap(backend.KindProtocolError, err)
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
