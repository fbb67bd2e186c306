package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Consumer is a registered telemetry sink. Send must apply its own
// deadline; the hub fires sends concurrently so one stalled consumer
// cannot delay delivery to the others, but it still relies on Send
// returning eventually.
type Consumer interface {
	Send(data []byte) error
}

// Hub owns the set of attached consumers and pushes each cache update to
// all of them. A consumer whose send fails is detached; that is expected
// churn on a public stream endpoint, not a hub-level error.
type Hub struct {
	cache  *Cache
	logger *logrus.Logger

	mu        sync.Mutex
	consumers map[Consumer]struct{}

	broadcasts   atomic.Int64
	sendFailures atomic.Int64
}

// NewHub creates a hub that drains the given cache.
func NewHub(cache *Cache, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		cache:     cache,
		logger:    logger,
		consumers: make(map[Consumer]struct{}),
	}
}

// Attach registers a consumer. Attaching an already-attached consumer is
// a no-op, so concurrent attach races are harmless.
func (h *Hub) Attach(c Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers[c] = struct{}{}
	h.logger.WithField("consumers", len(h.consumers)).Debug("Consumer attached")
}

// Detach removes a consumer. Removal is the only way a consumer stops
// receiving broadcasts.
func (h *Hub) Detach(c Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.consumers, c)
	h.logger.WithField("consumers", len(h.consumers)).Debug("Consumer detached")
}

// ConsumerCount returns the current number of attached consumers.
func (h *Hub) ConsumerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.consumers)
}

// Broadcasts returns the number of completed broadcast cycles.
func (h *Hub) Broadcasts() int64 {
	return h.broadcasts.Load()
}

// SendFailures returns the number of consumer sends that failed.
func (h *Hub) SendFailures() int64 {
	return h.sendFailures.Load()
}

// Run is the delivery loop: wake on a cache signal, broadcast the
// current snapshot, repeat until ctx is cancelled. All consumers are
// detached on exit.
func (h *Hub) Run(ctx context.Context) {
	defer h.detachAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.cache.Updates():
			h.BroadcastCurrent()
		}
	}
}

// BroadcastCurrent serializes the latest reading once and delivers it to
// every attached consumer concurrently. Consumers whose send fails are
// detached after the cycle completes.
func (h *Hub) BroadcastCurrent() {
	reading := h.cache.Snapshot()
	payload, err := json.Marshal(reading)
	if err != nil {
		// Reading is a flat struct; this cannot happen in practice.
		h.logger.WithError(err).Warn("Failed to serialize reading")
		return
	}

	h.mu.Lock()
	targets := make([]Consumer, 0, len(h.consumers))
	for c := range h.consumers {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var (
		failedMu sync.Mutex
		failed   []Consumer
		wg       sync.WaitGroup
	)

	for _, c := range targets {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			if err := c.Send(payload); err != nil {
				h.sendFailures.Add(1)
				h.logger.WithError(err).Warn("Consumer send failed, detaching")
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, c := range failed {
		h.Detach(c)
	}

	h.broadcasts.Add(1)
}

func (h *Hub) detachAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.consumers {
		delete(h.consumers, c)
	}
	h.logger.Debug("All consumers detached")
}
