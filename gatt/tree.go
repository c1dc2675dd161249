// Package gatt holds the discovered service tree of one session. The tree
// preserves discovery order and is stamped with a generation counter: every
// reconnect rediscovers from scratch under a new generation, and handles
// minted under an older generation are rejected rather than silently reused.
package gatt

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sensegrid/blecentral/backend"
)

// NotFoundError reports a missing service or characteristic.
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// StaleHandleError reports a characteristic handle used after its owning
// connection generation ended.
type StaleHandleError struct {
	Ref        backend.CharRef
	HandleGen  uint64
	CurrentGen uint64
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("characteristic handle %s is from generation %d, connection is at %d; rediscover after reconnect",
		e.Ref.Characteristic, e.HandleGen, e.CurrentGen)
}

// Characteristic is a generation-scoped handle on one discovered
// characteristic. It caches the last value seen through a read or
// notification.
type Characteristic struct {
	serviceUUID string
	uuid        string
	properties  backend.Property
	generation  uint64

	mu    sync.RWMutex
	value []byte
}

func (c *Characteristic) UUID() string                 { return c.uuid }
func (c *Characteristic) ServiceUUID() string          { return c.serviceUUID }
func (c *Characteristic) Properties() backend.Property { return c.properties }
func (c *Characteristic) Generation() uint64           { return c.generation }

// Ref returns the backend reference for this characteristic.
func (c *Characteristic) Ref() backend.CharRef {
	return backend.CharRef{Service: c.serviceUUID, Characteristic: c.uuid}
}

// Supports reports whether the characteristic offers all given properties.
func (c *Characteristic) Supports(p backend.Property) bool {
	return c.properties.Has(p)
}

// CachedValue returns the last value seen for this characteristic, or nil.
// The returned slice is read-only.
func (c *Characteristic) CachedValue() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// SetCachedValue records the latest observed value.
func (c *Characteristic) SetCachedValue(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// Service is one discovered service with its characteristics in discovery
// order.
type Service struct {
	uuid  string
	chars *orderedmap.OrderedMap[string, *Characteristic]
}

func (s *Service) UUID() string { return s.uuid }

// Characteristics returns the service's characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic looks up a characteristic by UUID (any accepted form).
func (s *Service) Characteristic(uuid string) (*Characteristic, error) {
	char, ok := s.chars.Get(backend.NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
	}
	return char, nil
}

// Tree is the immutable result of one service discovery pass.
type Tree struct {
	generation uint64
	services   *orderedmap.OrderedMap[string, *Service]
}

// NewTree builds a tree from backend discovery results under the given
// generation.
func NewTree(generation uint64, services []backend.Service) *Tree {
	t := &Tree{
		generation: generation,
		services:   orderedmap.New[string, *Service](),
	}
	for _, svc := range services {
		svcUUID := backend.NormalizeUUID(svc.UUID)
		entry, ok := t.services.Get(svcUUID)
		if !ok {
			entry = &Service{
				uuid:  svcUUID,
				chars: orderedmap.New[string, *Characteristic](),
			}
			t.services.Set(svcUUID, entry)
		}
		for _, char := range svc.Characteristics {
			charUUID := backend.NormalizeUUID(char.UUID)
			if _, exists := entry.chars.Get(charUUID); exists {
				continue
			}
			entry.chars.Set(charUUID, &Characteristic{
				serviceUUID: svcUUID,
				uuid:        charUUID,
				properties:  char.Properties,
				generation:  generation,
			})
		}
	}
	return t
}

// Generation returns the connection generation this tree belongs to.
func (t *Tree) Generation() uint64 { return t.generation }

// Services returns all services in discovery order.
func (t *Tree) Services() []*Service {
	out := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Service looks up a service by UUID (any accepted form).
func (t *Tree) Service(uuid string) (*Service, error) {
	svc, ok := t.services.Get(backend.NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// Characteristic resolves (service, characteristic) to a handle.
func (t *Tree) Characteristic(serviceUUID, charUUID string) (*Characteristic, error) {
	svc, err := t.Service(serviceUUID)
	if err != nil {
		return nil, err
	}
	return svc.Characteristic(charUUID)
}

// Validate rejects handles from a generation other than the tree's own.
func (t *Tree) Validate(c *Characteristic) error {
	if c.generation != t.generation {
		return &StaleHandleError{Ref: c.Ref(), HandleGen: c.generation, CurrentGen: t.generation}
	}
	return nil
}
