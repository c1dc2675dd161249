// Package scanner discovers advertising peripherals through a backend
// adapter. Advertisements from the same address are deduplicated into one
// Device entry that updates in place. Concurrent scans on one Scanner are
// coalesced: a second Scan call while one is running joins the active
// native scan instead of starting another.
package scanner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/internal/groutine"
	"github.com/sensegrid/blecentral/notify"
)

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// DeviceEvent is one discovery-stream entry. Device points at the live
// registry entry, which keeps updating in place as advertisements arrive.
type DeviceEvent struct {
	Type   DeviceEventType
	Device *Device
}

// Filter narrows which devices a scan surfaces. Zero value matches
// everything. Filters apply per joiner, so two callers sharing one native
// scan can watch for different devices.
type Filter struct {
	// ServiceUUIDs matches devices advertising any of these services,
	// either in the service list or as a service-data entry. Any UUID
	// form is accepted; matching is normalized.
	ServiceUUIDs []string
	// NamePrefix matches the advertised local name, case-insensitively.
	NamePrefix string
	// AllowList restricts results to these addresses when non-empty.
	AllowList []string
	// BlockList excludes these addresses.
	BlockList []string
}

func (f Filter) normalized() Filter {
	f.ServiceUUIDs = backend.NormalizeUUIDs(f.ServiceUUIDs)
	return f
}

func (f Filter) matches(d *Device) bool {
	addr := d.Address()
	for _, blocked := range f.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}
	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if f.NamePrefix != "" {
		name := d.Name()
		if len(name) < len(f.NamePrefix) || !strings.EqualFold(name[:len(f.NamePrefix)], f.NamePrefix) {
			return false
		}
	}
	if len(f.ServiceUUIDs) > 0 && !f.matchesService(d) {
		return false
	}
	return true
}

func (f Filter) matchesService(d *Device) bool {
	services := d.Services()
	serviceData := d.ServiceData()
	for _, want := range f.ServiceUUIDs {
		for _, have := range services {
			if have == want {
				return true
			}
		}
		// Some peripherals advertise only a service-data entry for the
		// service they are filtered by.
		for _, sd := range serviceData {
			if sd.UUID == want {
				return true
			}
		}
	}
	return false
}

// Options configures one Scan call.
type Options struct {
	// Duration stops this caller's participation after the given time.
	// Zero means scan until Stop or context cancellation. The native scan
	// itself keeps running while any joiner remains.
	Duration time.Duration
	Filter   Filter
	// EventBuffer is this caller's event queue depth; oldest events are
	// dropped when the caller consumes too slowly. Defaults to 128.
	EventBuffer int
}

// Scanner coordinates discovery over one backend adapter. The native scan
// handle is exclusively owned here.
type Scanner struct {
	adapter backend.Adapter
	logger  *logrus.Logger

	mu     sync.Mutex
	active *scanRun
}

// New creates a scanner over the given adapter.
func New(adapter backend.Adapter, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{adapter: adapter, logger: logger}
}

// scanRun is one native scan shared by every joiner attached to it.
type scanRun struct {
	scanner *Scanner
	devices *hashmap.Map[string, *Device]
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	joiners []*Scan
	err     error
}

// Scan is one caller's membership in a (possibly shared) scan. Events
// arrive on Events until the caller stops, its duration elapses, its
// context ends, or the native scan fails.
type Scan struct {
	run    *scanRun
	filter Filter
	ring   *notify.RingChannel[DeviceEvent]
	closed atomic.Bool
	timer  *time.Timer
}

// Scan starts discovery or joins the scan already in progress. The
// returned Scan must be released with Stop.
func (s *Scanner) Scan(ctx context.Context, opts Options) (*Scan, error) {
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 128
	}

	s.mu.Lock()
	run := s.active
	joined := run != nil
	if run == nil {
		run = s.startRun()
		s.active = run
	}
	sc := &Scan{
		run:    run,
		filter: opts.Filter.normalized(),
		ring:   notify.NewRingChannel[DeviceEvent](buffer),
	}
	run.mu.Lock()
	run.joiners = append(run.joiners, sc)
	run.mu.Unlock()
	s.mu.Unlock()

	if joined {
		s.logger.Debug("joined active scan")
		// Devices seen before this caller attached are replayed so a late
		// joiner starts from the same picture as the first one.
		run.replay(sc)
	}

	if opts.Duration > 0 {
		sc.timer = time.AfterFunc(opts.Duration, sc.Stop)
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sc.Stop()
			case <-run.done:
			}
		}()
	}
	return sc, nil
}

// startRun launches the native scan. Must be called with s.mu held.
func (s *Scanner) startRun() *scanRun {
	ctx, cancel := context.WithCancel(context.Background())
	run := &scanRun{
		scanner: s,
		devices: hashmap.New[string, *Device](),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.logger.WithField("adapter", s.adapter.Name()).Info("starting scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := s.adapter.Scan(ctx, true, run.handleAdvertisement)
		run.finish(err)
	})
	return run
}

// handleAdvertisement runs on the native event-delivery path: update the
// registry and fan the event out without blocking.
func (r *scanRun) handleAdvertisement(adv backend.Advertisement) {
	addr := adv.Addr()

	dev, existing := r.devices.Get(addr)
	if existing {
		dev.update(adv)
	} else {
		dev, existing = r.devices.GetOrInsert(addr, newDevice(adv))
		if existing {
			dev.update(adv)
		}
	}

	event := DeviceEvent{Type: EventUpdated, Device: dev}
	if !existing {
		event.Type = EventNew
		r.scanner.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Debug("discovered new device")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sc := range r.joiners {
		if sc.filter.matches(dev) {
			sc.ring.Send(event)
		}
	}
}

// replay delivers already-known devices to a late joiner as EventNew. The
// run lock keeps the ring open for the duration: a concurrent Stop closes
// it only under the same lock.
func (r *scanRun) replay(sc *Scan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc.closed.Load() {
		return
	}
	r.devices.Range(func(_ string, dev *Device) bool {
		if sc.filter.matches(dev) {
			sc.ring.Send(DeviceEvent{Type: EventNew, Device: dev})
		}
		return true
	})
}

// finish tears the run down after the native scan returns. Joiners still
// attached see their event channels close.
func (r *scanRun) finish(err error) {
	r.scanner.mu.Lock()
	if r.scanner.active == r {
		r.scanner.active = nil
	}
	r.scanner.mu.Unlock()

	r.mu.Lock()
	r.err = err
	joiners := r.joiners
	r.joiners = nil
	for _, sc := range joiners {
		if sc.closed.CompareAndSwap(false, true) {
			sc.ring.Close()
		}
	}
	r.mu.Unlock()
	close(r.done)

	entry := r.scanner.logger.WithField("device_count", r.devices.Len())
	if err != nil {
		entry.WithField("error", err).Warn("scan ended with error")
	} else {
		entry.Info("scan completed")
	}
}

// detach removes one joiner; the native scan stops when the last one leaves.
func (r *scanRun) detach(sc *Scan) {
	r.mu.Lock()
	for i, j := range r.joiners {
		if j == sc {
			r.joiners = append(r.joiners[:i], r.joiners[i+1:]...)
			break
		}
	}
	sc.ring.Close()
	last := len(r.joiners) == 0
	r.mu.Unlock()

	if last {
		r.cancel()
	}
}

// Events yields discovery events in arrival order. The channel closes when
// the caller stops or the scan ends.
func (sc *Scan) Events() <-chan DeviceEvent {
	return sc.ring.C()
}

// Devices returns a snapshot of the devices matching this caller's filter.
func (sc *Scan) Devices() []*Device {
	out := make([]*Device, 0, sc.run.devices.Len())
	sc.run.devices.Range(func(_ string, dev *Device) bool {
		if sc.filter.matches(dev) {
			out = append(out, dev)
		}
		return true
	})
	return out
}

// Dropped returns how many events were discarded because this caller
// consumed too slowly.
func (sc *Scan) Dropped() int64 {
	return sc.ring.Dropped()
}

// Stop detaches this caller from the scan. The native scan keeps running
// while other callers remain attached. Idempotent.
func (sc *Scan) Stop() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	if sc.timer != nil {
		sc.timer.Stop()
	}
	sc.run.detach(sc)
}

// Wait blocks until the underlying native scan ends and returns its
// terminal error, if any.
func (sc *Scan) Wait(ctx context.Context) error {
	select {
	case <-sc.run.done:
		sc.run.mu.Lock()
		defer sc.run.mu.Unlock()
		return sc.run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
