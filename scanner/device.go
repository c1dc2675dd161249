package scanner

import (
	"sync"
	"time"

	"github.com/sensegrid/blecentral/backend"
)

// Device is one discovered peripheral. Repeated advertisements from the
// same address update the entry in place; the scanner never creates a
// second entry for a known address within a scan.
type Device struct {
	mu sync.RWMutex

	address          string
	name             string
	rssi             int
	txPower          int
	connectable      bool
	services         []string
	serviceData      []backend.ServiceData
	manufacturerData []byte

	firstSeen time.Time
	lastSeen  time.Time
	advCount  int
}

func newDevice(adv backend.Advertisement) *Device {
	d := &Device{
		address:   adv.Addr(),
		firstSeen: time.Now(),
	}
	d.update(adv)
	return d
}

// update folds a fresh advertisement into the entry. Fields that an
// advertisement may legitimately omit (name, services) are only
// overwritten when the new frame carries them, so a scan response that
// lacks the name does not erase one learned earlier.
func (d *Device) update(adv backend.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.txPower = adv.TxPowerLevel()
	d.connectable = adv.Connectable()
	d.lastSeen = time.Now()
	d.advCount++

	if name := adv.LocalName(); name != "" {
		d.name = name
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		d.services = append(d.services[:0], svcs...)
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		d.serviceData = d.serviceData[:0]
		for _, e := range sd {
			data := make([]byte, len(e.Data))
			copy(data, e.Data)
			d.serviceData = append(d.serviceData, backend.ServiceData{UUID: e.UUID, Data: data})
		}
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		d.manufacturerData = append(d.manufacturerData[:0], md...)
	}
}

func (d *Device) Address() string {
	return d.address
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *Device) TxPowerLevel() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *Device) Connectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

// Services returns the advertised service UUIDs, normalized.
func (d *Device) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.services))
	copy(out, d.services)
	return out
}

func (d *Device) ServiceData() []backend.ServiceData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]backend.ServiceData, len(d.serviceData))
	copy(out, d.serviceData)
	return out
}

func (d *Device) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, len(d.manufacturerData))
	copy(out, d.manufacturerData)
	return out
}

func (d *Device) FirstSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firstSeen
}

func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// AdvCount returns how many advertisements have been folded into this entry.
func (d *Device) AdvCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advCount
}
