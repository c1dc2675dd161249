package testutils

import (
	"strings"

	"github.com/sensegrid/blecentral/backend"
)

// Adv is a concrete backend.Advertisement for tests.
type Adv struct {
	AddressVal     string
	NameVal        string
	RSSIVal        int
	TxPowerVal     int
	ConnectableVal bool
	ServicesVal    []string
	ServiceDataVal []backend.ServiceData
	ManufDataVal   []byte
}

func (a *Adv) Addr() string                       { return a.AddressVal }
func (a *Adv) LocalName() string                  { return a.NameVal }
func (a *Adv) RSSI() int                          { return a.RSSIVal }
func (a *Adv) TxPowerLevel() int                  { return a.TxPowerVal }
func (a *Adv) Connectable() bool                  { return a.ConnectableVal }
func (a *Adv) Services() []string                 { return a.ServicesVal }
func (a *Adv) ServiceData() []backend.ServiceData { return a.ServiceDataVal }
func (a *Adv) ManufacturerData() []byte           { return a.ManufDataVal }

// AdvertisementBuilder builds advertisements for testing with a fluent API.
type AdvertisementBuilder struct {
	adv Adv
}

// NewAdvertisementBuilder creates a builder with connectable=true defaults.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Adv{ConnectableVal: true, TxPowerVal: 127}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.NameVal = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.AddressVal = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIVal = rssi
	return b
}

// WithServices adds service UUIDs, normalized, to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServicesVal = append(b.adv.ServicesVal, backend.NormalizeUUIDs(uuids)...)
	return b
}

// WithServiceData adds a service-data entry for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.ServiceDataVal = append(b.adv.ServiceDataVal, backend.ServiceData{
		UUID: backend.NormalizeUUID(uuid),
		Data: data,
	})
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufDataVal = data
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.ConnectableVal = c
	return b
}

// Build returns the configured advertisement.
func (b *AdvertisementBuilder) Build() *Adv {
	adv := b.adv
	return &adv
}

// ProfileBuilder assembles a GATT database for a FakeConn.
type ProfileBuilder struct {
	services []backend.Service
}

// NewProfileBuilder creates an empty profile builder.
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// WithService appends a service; characteristics attach to the last added
// service.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.services = append(b.services, backend.Service{UUID: backend.NormalizeUUID(uuid)})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
// Properties is a comma-separated list: "read,write,notify,indicate,
// write-without-response".
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string) *ProfileBuilder {
	if len(b.services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.services[len(b.services)-1]
	svc.Characteristics = append(svc.Characteristics, backend.Characteristic{
		UUID:       backend.NormalizeUUID(uuid),
		Properties: parseProperties(properties),
	})
	return b
}

// Build returns the assembled services in insertion order.
func (b *ProfileBuilder) Build() []backend.Service {
	return b.services
}

func parseProperties(props string) backend.Property {
	if props == "" {
		return backend.PropertyRead | backend.PropertyWrite | backend.PropertyNotify
	}
	var property backend.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "broadcast":
			property |= backend.PropertyBroadcast
		case "read":
			property |= backend.PropertyRead
		case "write":
			property |= backend.PropertyWrite
		case "write-without-response":
			property |= backend.PropertyWriteWithoutResponse
		case "notify":
			property |= backend.PropertyNotify
		case "indicate":
			property |= backend.PropertyIndicate
		}
	}
	return property
}
