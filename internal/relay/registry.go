package relay

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for which session currently
// represents each device and client identity.
//
// Every mutation happens under one write lock. Mutations accept a callback
// that runs inside the same critical section; the relay uses it to queue
// the messages that must be ordered with the mutation (auth results,
// presence notifications). Callbacks may only call Endpoint.Send and
// Endpoint.SessionID, never back into the Registry.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Endpoint
	clients map[string]Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]Endpoint),
		clients: make(map[string]Endpoint),
	}
}

// RegisterDevice maps id to ep, replacing any previous session for the same
// id, and returns the replaced endpoint (nil if none, or if ep was already
// registered). onRegistered, if non-nil, runs under the lock with the
// replaced endpoint and a snapshot of the registered clients.
func (reg *Registry) RegisterDevice(id string, ep Endpoint, onRegistered func(prev Endpoint, clients []Endpoint)) Endpoint {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	prev := reg.devices[id]
	if prev == ep {
		prev = nil
	}
	reg.devices[id] = ep

	if onRegistered != nil {
		onRegistered(prev, reg.clientsLocked())
	}
	return prev
}

// RegisterClient maps id to ep. onRegistered, if non-nil, runs under the
// lock with the sorted device ids registered at that instant, so nothing
// broadcast after the snapshot can reach the client before it.
func (reg *Registry) RegisterClient(id string, ep Endpoint, onRegistered func(deviceIDs []string)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.clients[id] = ep

	if onRegistered != nil {
		onRegistered(reg.deviceIDsLocked())
	}
}

// RemoveDevice deletes the mapping for id only if it still points at ep,
// and reports whether it did. onRemoved, if non-nil, runs under the lock
// after a removal with a snapshot of the remaining clients.
func (reg *Registry) RemoveDevice(id string, ep Endpoint, onRemoved func(clients []Endpoint)) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if cur, ok := reg.devices[id]; !ok || cur != ep {
		return false
	}
	delete(reg.devices, id)

	if onRemoved != nil {
		onRemoved(reg.clientsLocked())
	}
	return true
}

// RemoveClient deletes the mapping for id only if it still points at ep.
func (reg *Registry) RemoveClient(id string, ep Endpoint) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if cur, ok := reg.clients[id]; !ok || cur != ep {
		return false
	}
	delete(reg.clients, id)
	return true
}

// Device returns the session registered for a device id.
func (reg *Registry) Device(id string) (Endpoint, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ep, ok := reg.devices[id]
	return ep, ok
}

// IfDeviceCurrent runs fn with the registered clients only while ep is the
// session registered for id, and reports whether it ran. fn runs under the
// read lock, so no registration or removal for id can interleave with it.
func (reg *Registry) IfDeviceCurrent(id string, ep Endpoint, fn func(clients []Endpoint)) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if cur, ok := reg.devices[id]; !ok || cur != ep {
		return false
	}
	fn(reg.clientsLocked())
	return true
}

// DeviceIDs returns the registered device ids, sorted.
func (reg *Registry) DeviceIDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.deviceIDsLocked()
}

// Counts returns the number of registered devices and clients.
func (reg *Registry) Counts() (devices, clients int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.devices), len(reg.clients)
}

func (reg *Registry) clientsLocked() []Endpoint {
	out := make([]Endpoint, 0, len(reg.clients))
	for _, ep := range reg.clients {
		out = append(out, ep)
	}
	return out
}

func (reg *Registry) deviceIDsLocked() []string {
	ids := make([]string, 0, len(reg.devices))
	for id := range reg.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
