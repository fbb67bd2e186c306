package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/kiribridge/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConsumer captures payloads and optionally fails every send.
type recordingConsumer struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (r *recordingConsumer) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.payloads = append(r.payloads, cp)
	return nil
}

func (r *recordingConsumer) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestHubBroadcastsLatestReading(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	sink := &recordingConsumer{}
	hub.Attach(sink)

	cache.SetDeviceID("AA:BB")
	cache.Update(1, 1)
	cache.Update(2, 2)
	cache.Update(3, 3)
	hub.BroadcastCurrent()

	got := sink.received()
	require.Len(t, got, 1, "coalesced updates deliver exactly one reading")

	var reading telemetry.Reading
	require.NoError(t, json.Unmarshal(got[0], &reading))
	assert.Equal(t, 3.0, reading.Y)
	assert.Equal(t, 3.0, reading.X)
	require.NotNil(t, reading.ID)
	assert.Equal(t, "AA:BB", *reading.ID)
}

func TestHubNullIdentityOnWire(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	sink := &recordingConsumer{}
	hub.Attach(sink)
	hub.BroadcastCurrent()

	got := sink.received()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"id":null,"y":0,"x":0}`, string(got[0]))
}

func TestHubConsumerIsolation(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	bad := &recordingConsumer{fail: true}
	good := &recordingConsumer{}
	hub.Attach(bad)
	hub.Attach(good)

	cache.Update(1.5, -3.2)
	hub.BroadcastCurrent()

	// The failing consumer is gone; the healthy one keeps receiving.
	assert.Equal(t, 1, hub.ConsumerCount())
	assert.Equal(t, int64(1), hub.SendFailures())

	cache.Update(2.5, -4.2)
	hub.BroadcastCurrent()

	got := good.received()
	require.Len(t, got, 2)

	var last telemetry.Reading
	require.NoError(t, json.Unmarshal(got[1], &last))
	assert.Equal(t, 2.5, last.Y)
}

func TestHubAttachIsIdempotent(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	sink := &recordingConsumer{}
	hub.Attach(sink)
	hub.Attach(sink)

	assert.Equal(t, 1, hub.ConsumerCount())

	hub.BroadcastCurrent()
	assert.Len(t, sink.received(), 1)
}

func TestHubDetachStopsDelivery(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	sink := &recordingConsumer{}
	hub.Attach(sink)
	hub.Detach(sink)

	hub.BroadcastCurrent()

	assert.Empty(t, sink.received())
	assert.Equal(t, int64(1), hub.Broadcasts())
}

func TestHubRunDrainsSignalsAndDetachesOnExit(t *testing.T) {
	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, quietLogger())

	sink := &recordingConsumer{}
	hub.Attach(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cache.Update(1.5, -3.2)

	require.Eventually(t, func() bool {
		return len(sink.received()) == 1
	}, time.Second, 5*time.Millisecond, "broadcast should follow the update signal")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop on context cancellation")
	}

	assert.Zero(t, hub.ConsumerCount(), "shutdown detaches everyone")
}
