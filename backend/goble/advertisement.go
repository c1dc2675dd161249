package goble

import (
	blelib "github.com/go-ble/ble"

	"github.com/sensegrid/blecentral/backend"
)

// advertisement lazily adapts a ble.Advertisement to the backend view.
// go-ble advertisements are only valid inside the scan callback, so the
// wrapper carries the same lifetime.
type advertisement struct {
	adv blelib.Advertisement
}

func newAdvertisement(adv blelib.Advertisement) backend.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) Addr() string      { return a.adv.Addr().String() }
func (a *advertisement) LocalName() string { return a.adv.LocalName() }
func (a *advertisement) RSSI() int         { return a.adv.RSSI() }
func (a *advertisement) TxPowerLevel() int { return a.adv.TxPowerLevel() }
func (a *advertisement) Connectable() bool { return a.adv.Connectable() }

func (a *advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, backend.NormalizeUUID(u.String()))
	}
	return out
}

func (a *advertisement) ServiceData() []backend.ServiceData {
	src := a.adv.ServiceData()
	out := make([]backend.ServiceData, 0, len(src))
	for _, sd := range src {
		out = append(out, backend.ServiceData{
			UUID: backend.NormalizeUUID(sd.UUID.String()),
			Data: sd.Data,
		})
	}
	return out
}

func (a *advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
