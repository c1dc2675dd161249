// Package backend defines the capability contract every native BLE stack
// adapter implements, together with the uniform error taxonomy the rest of
// the library is written against. The core never touches a native stack
// directly; it is written once against Adapter/Conn and a concrete adapter
// is selected at startup.
package backend

import (
	"context"
	"strings"
)

// WriteMode selects how a characteristic write is acknowledged.
type WriteMode int

const (
	// WriteWithResponse waits for the peripheral's ATT write response.
	WriteWithResponse WriteMode = iota
	// WriteWithoutResponse resolves as soon as the local stack accepts the
	// write. No device-side acknowledgment is awaited; whether the stack
	// applies flow control is a platform trait (see each adapter).
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// Property is a bitmask of operations a characteristic supports.
type Property uint8

const (
	PropertyBroadcast Property = 1 << iota
	PropertyRead
	PropertyWriteWithoutResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all bits of p are set.
func (p Property) Has(want Property) bool {
	return p&want == want
}

func (p Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropertyBroadcast, "broadcast"},
		{PropertyRead, "read"},
		{PropertyWriteWithoutResponse, "write-without-response"},
		{PropertyWrite, "write"},
		{PropertyNotify, "notify"},
		{PropertyIndicate, "indicate"},
	}
	var out []string
	for _, n := range names {
		if p&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, "|")
}

// CharRef identifies a characteristic within one connection by its owning
// service UUID and its own UUID. Both are normalized (lowercase, no dashes).
type CharRef struct {
	Service        string
	Characteristic string
}

// ServiceData is one advertised service-data entry.
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is the uniform view of one received advertisement. Instances
// are only valid for the duration of the scan callback; callers that retain
// fields must copy them.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	TxPowerLevel() int
	Connectable() bool
	Services() []string
	ServiceData() []ServiceData
	ManufacturerData() []byte
}

// Characteristic describes one discovered characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Service describes one discovered service with its characteristics in
// discovery order.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Adapter is implemented once per native stack. Implementations must map
// every native error into the taxonomy in errors.go before returning it;
// no native error type crosses this boundary unmapped.
type Adapter interface {
	// Name identifies the backing stack, e.g. "goble" or "tinygo".
	Name() string

	// Scan runs device discovery, invoking fn for each received
	// advertisement, until ctx is done. fn is called from the native
	// event-delivery path and must not block or re-enter the adapter.
	// A ctx cancellation or deadline is a normal stop, not an error.
	Scan(ctx context.Context, allowDuplicates bool, fn func(Advertisement)) error

	// Connect establishes a connection to the peripheral at address.
	// The returned Conn is exclusively owned by the caller.
	Connect(ctx context.Context, address string) (Conn, error)
}

// Conn is an exclusive handle on one native connection. All methods except
// Disconnected and Close are invoked one at a time by the session's
// operation queue; implementations need not serialize them further.
type Conn interface {
	// DiscoverServices walks the peripheral's GATT database and returns
	// services in discovery order.
	DiscoverServices(ctx context.Context) ([]Service, error)

	Read(ctx context.Context, ref CharRef) ([]byte, error)
	Write(ctx context.Context, ref CharRef, data []byte, mode WriteMode) error

	// Subscribe enables notifications (or indications) for ref. fn is
	// invoked from the native event-delivery path and must not block.
	Subscribe(ref CharRef, fn func(data []byte)) error
	Unsubscribe(ref CharRef) error

	// Disconnected yields exactly one error when the link drops without a
	// local Close, then is closed. After a local Close it is closed
	// without a value.
	Disconnected() <-chan error

	// Close tears the connection down. Idempotent.
	Close() error
}

// NormalizeUUID converts a UUID string to the canonical internal form:
// lowercase with dashes removed. Both 16-bit short forms and full 128-bit
// forms pass through otherwise unchanged.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}
