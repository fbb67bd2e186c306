package bridge_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/srg/kiribridge/bridge"
	"github.com/srg/kiribridge/internal/telemetry"
	"github.com/srg/kiribridge/internal/testutils"
	"github.com/srg/kiribridge/internal/wsserver"
)

// TestSensorToWebSocketPipeline drives the full path: fake peripheral,
// supervisor session, telemetry hub, WebSocket client.
func TestSensorToWebSocketPipeline(t *testing.T) {
	dev, notifyChar, writeChar := newSensorDevice()
	f := startSupervisor(t, fastConfig(), dev, &fakeFinder{info: dev})

	logger := testutils.NewQuietLogger()
	hub := telemetry.NewHub(f.cache, logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	srv := wsserver.New(wsserver.Options{Host: "127.0.0.1", Port: 0}, hub, f.cache, logger)
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop(time.Second) }()

	waitForState(t, f.sup, bridge.StateConnected)
	require.Eventually(t, func() bool { return len(writeChar.Written()) == 1 },
		time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", srv.Addr()), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Connect replay carries the current (zero-sample) reading.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ConsumerCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.True(t, notifyChar.Notify([]byte("N:150:-320\r")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	testutils.NewJSONAsserter(t).Assert(string(payload),
		fmt.Sprintf(`{"id": %q, "y": 1.5, "x": -3.2}`, sensorAddr))
}
