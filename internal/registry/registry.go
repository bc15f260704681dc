// Package registry holds the ordered list of known beacon devices and
// their rolling distance history. The list is small (single digits to low
// tens of devices), so lookups are a plain linear scan.
package registry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/blescanner/internal/distance"
)

// Entry is the configured or persisted description of a known device.
type Entry struct {
	ID   string `json:"uuid" yaml:"uuid"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Device is a known device together with its distance history.
type Device struct {
	Entry
	history *distance.Ring

	mu       sync.Mutex
	lastSeen time.Time
}

// Observe records a raw distance sample and returns the smoothed value.
func (d *Device) Observe(raw float64, at time.Time) float64 {
	d.mu.Lock()
	d.lastSeen = at
	d.mu.Unlock()
	return d.history.Add(raw)
}

// Smoothed returns the current average, or [distance.NoData].
func (d *Device) Smoothed() float64 {
	return d.history.Mean()
}

// Samples returns the number of samples currently held.
func (d *Device) Samples() int {
	return d.history.Len()
}

// LastSeen returns when the device was last matched, or the zero time.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// DeviceStatus is a point-in-time view of a device for the status page.
type DeviceStatus struct {
	ID       string    `json:"uuid"`
	Name     string    `json:"name"`
	Type     string    `json:"type,omitempty"`
	Distance float64   `json:"distance"`
	Samples  int       `json:"samples"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// Registry is the currently loaded device list. Reload swaps the whole
// list atomically, so a concurrent Lookup sees either the old list or the
// new one, never a mix.
type Registry struct {
	history int
	devices atomic.Pointer[[]*Device]
}

// New creates a registry whose devices keep history samples each.
func New(history int, entries []Entry) *Registry {
	if history <= 0 {
		history = distance.DefaultHistory
	}
	r := &Registry{history: history}
	r.Reload(entries)
	return r
}

// Reload replaces the registry contents wholesale. Distance history is
// not carried over.
func (r *Registry) Reload(entries []Entry) {
	list := make([]*Device, 0, len(entries))
	for _, e := range entries {
		e.ID = Normalize(e.ID)
		list = append(list, &Device{
			Entry:   e,
			history: distance.NewRing(r.history),
		})
	}
	r.devices.Store(&list)
}

// Lookup returns the device with the given identifier.
func (r *Registry) Lookup(id string) (*Device, bool) {
	id = Normalize(id)
	if id == "" {
		return nil, false
	}
	for _, d := range *r.devices.Load() {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Len returns the number of loaded devices.
func (r *Registry) Len() int {
	return len(*r.devices.Load())
}

// Entries returns the loaded device descriptions in order.
func (r *Registry) Entries() []Entry {
	list := *r.devices.Load()
	out := make([]Entry, len(list))
	for i, d := range list {
		out[i] = d.Entry
	}
	return out
}

// Snapshot returns the status of every loaded device in order.
func (r *Registry) Snapshot() []DeviceStatus {
	list := *r.devices.Load()
	out := make([]DeviceStatus, len(list))
	for i, d := range list {
		out[i] = DeviceStatus{
			ID:       d.ID,
			Name:     d.Name,
			Type:     d.Type,
			Distance: d.Smoothed(),
			Samples:  d.Samples(),
			LastSeen: d.LastSeen(),
		}
	}
	return out
}

// Normalize returns the canonical form of a proximity identifier:
// trimmed and lowercase.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
