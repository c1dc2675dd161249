// Package bledb names well-known GATT UUIDs for display. Lookups accept
// any UUID form; 128-bit UUIDs on the Bluetooth base are folded to their
// 16-bit alias before the lookup.
package bledb

import "github.com/sensegrid/blecentral/backend"

// baseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in normalized form.
const baseSuffix = "00001000800000805f9b34fb"

var names = map[string]string{
	// Services.
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1809": "Health Thermometer",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery",
	"1812": "Human Interface Device",
	"181a": "Environmental Sensing",
	"fe59": "Nordic DFU",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART",

	// Characteristics.
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a1c": "Temperature Measurement",
	"2a23": "System ID",
	"2a24": "Model Number",
	"2a25": "Serial Number",
	"2a26": "Firmware Revision",
	"2a27": "Hardware Revision",
	"2a28": "Software Revision",
	"2a29": "Manufacturer Name",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",

	// gForce armband profile.
	"f000ffd004514000b000000000000000": "gForce Service",
	"f000ffe104514000b000000000000000": "gForce Command",
	"f000ffe204514000b000000000000000": "gForce Data",

	// Descriptors.
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
}

// Lookup returns the display name of a well-known UUID.
func Lookup(uuid string) (string, bool) {
	n := backend.NormalizeUUID(uuid)
	if len(n) == 32 && n[:4] == "0000" && n[8:] == baseSuffix {
		n = n[4:8]
	}
	name, ok := names[n]
	return name, ok
}

// Name returns the display name, or the normalized UUID itself when it is
// not a well-known one.
func Name(uuid string) string {
	if name, ok := Lookup(uuid); ok {
		return name
	}
	return backend.NormalizeUUID(uuid)
}
