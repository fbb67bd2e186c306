// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics, used wherever a producer must never block
// on a slow consumer: radio notification queues, scan event streams.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so that producers always make
// progress: when the buffer is full the oldest element is discarded to
// make room for the newest. Consumers read through C() like a normal
// channel, or through Receive/TryReceive when drop accounting matters.
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity. Panics if the
// capacity is not positive, since an unbuffered ring cannot hold even
// one element.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until Close. Reads via C() bypass the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered element if the
// ring is full. It never blocks indefinitely. Returns true when an
// element was discarded to make room.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.metrics.addOverwritten(1)
			dropped = true
		default:
			// A concurrent reader drained the ring between the two
			// selects; the slot below is free either way.
		}
		rc.ch <- v
		rc.metrics.addWritten(1)
	}

	return dropped
}

// TrySend attempts a non-blocking insert without displacing anything.
// Returns false if the ring is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive. Returns (zero, false) if
// no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the ring capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Sending after Close panics, as
// with any Go channel.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// GetMetrics returns a snapshot of the counters. All reads are atomic.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
	}
}

// Metrics tracks ring activity with lock-free counters. Overwritten
// counts elements displaced by Send before any consumer saw them.
type Metrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}
