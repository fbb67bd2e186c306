// Package telemetry holds the latest decoded sensor reading and fans it
// out to attached stream consumers. The cache is last-value-wins: rapid
// updates before a consumer drain coalesce into a single delivery, which
// is the intended behavior for a live orientation stream.
package telemetry

import (
	"sync/atomic"
)

// Reading is the most recent successfully decoded sensor sample plus the
// identity of the device that produced it. ID is null until a session
// opens. Field names are the wire contract for consumers.
type Reading struct {
	ID *string `json:"id"`
	Y  float64 `json:"y"`
	X  float64 `json:"x"`
}

// Cache stores the current Reading. Exactly one writer (the connection
// supervisor) replaces the whole record atomically; any number of
// readers take snapshots. Readers never observe a half-written {y,x}
// pair because the record is swapped as a unit.
type Cache struct {
	current atomic.Pointer[Reading]

	// One-slot signal channel. Update raises it without blocking, so
	// updates that arrive faster than the hub drains coalesce.
	signal chan struct{}
}

// NewCache creates a cache holding a zero Reading with a null device ID.
func NewCache() *Cache {
	c := &Cache{
		signal: make(chan struct{}, 1),
	}
	c.current.Store(&Reading{})
	return c
}

// Update replaces the current sample, keeping the device identity, and
// raises the pending-update signal. Called only from the supervisor
// after a successful parse.
func (c *Cache) Update(y, x float64) {
	prev := c.current.Load()
	c.current.Store(&Reading{ID: prev.ID, Y: y, X: x})
	c.raise()
}

// SetDeviceID stamps the device identity onto the current reading.
// The supervisor calls it once per session, before the first sample.
func (c *Cache) SetDeviceID(id string) {
	prev := c.current.Load()
	c.current.Store(&Reading{ID: &id, Y: prev.Y, X: prev.X})
}

// ClearDeviceID nulls the identity when a session is released.
func (c *Cache) ClearDeviceID() {
	prev := c.current.Load()
	c.current.Store(&Reading{Y: prev.Y, X: prev.X})
}

// Snapshot returns a copy of the current Reading.
func (c *Cache) Snapshot() Reading {
	return *c.current.Load()
}

// Updates exposes the pending-update signal for the broadcast hub. At
// most one signal is buffered; a receive observes the freshest value via
// Snapshot, never a queue of history.
func (c *Cache) Updates() <-chan struct{} {
	return c.signal
}

func (c *Cache) raise() {
	select {
	case c.signal <- struct{}{}:
	default:
		// A signal is already pending; the next drain sees this value.
	}
}
