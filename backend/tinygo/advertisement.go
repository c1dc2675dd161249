//go:build linux || windows

package tinygo

import (
	"encoding/binary"

	bluetooth "tinygo.org/x/bluetooth"

	"github.com/sensegrid/blecentral/backend"
)

// txPowerUnknown matches the BLE convention for "TX power not present".
const txPowerUnknown = 127

// advertisement adapts a tinygo ScanResult to the backend view. Valid only
// inside the scan callback, like the result it wraps.
type advertisement struct {
	result *bluetooth.ScanResult
}

func newAdvertisement(result *bluetooth.ScanResult) backend.Advertisement {
	return &advertisement{result: result}
}

func (a *advertisement) Addr() string      { return a.result.Address.String() }
func (a *advertisement) LocalName() string { return a.result.LocalName() }
func (a *advertisement) RSSI() int         { return int(a.result.RSSI) }

// TxPowerLevel is not surfaced by this stack's payload view.
func (a *advertisement) TxPowerLevel() int { return txPowerUnknown }

// Connectable: neither BlueZ nor WinRT expose the flag through this stack;
// discovered peripherals are treated as connectable.
func (a *advertisement) Connectable() bool { return true }

// Services: the payload view only answers membership queries
// (HasServiceUUID), not enumeration, so the advertised list is unavailable.
// Scanner-side service filters fall back to service data UUIDs here.
func (a *advertisement) Services() []string { return nil }

func (a *advertisement) ServiceData() []backend.ServiceData {
	src := a.result.ServiceData()
	out := make([]backend.ServiceData, 0, len(src))
	for _, sd := range src {
		out = append(out, backend.ServiceData{
			UUID: backend.NormalizeUUID(sd.UUID.String()),
			Data: sd.Data,
		})
	}
	return out
}

// ManufacturerData flattens the first element back to its wire form:
// little-endian company id followed by the payload.
func (a *advertisement) ManufacturerData() []byte {
	elements := a.result.ManufacturerData()
	if len(elements) == 0 {
		return nil
	}
	first := elements[0]
	out := make([]byte, 2+len(first.Data))
	binary.LittleEndian.PutUint16(out, first.CompanyID)
	copy(out[2:], first.Data)
	return out
}
