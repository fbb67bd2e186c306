package main

import (
	"errors"

	"github.com/srg/kiribridge/bridge"
	"github.com/srg/kiribridge/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during
	// operation. This is distinct from device.ErrNotConnected, which indicates an
	// attempt to use a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError maps internal errors onto messages a user can act on.
// Unrecognized errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrTimeout):
		return "The sensor did not respond in time. Make sure it is powered on and in range."
	case errors.Is(err, bridge.ErrReconnectExhausted):
		return "Gave up reconnecting to the sensor: " + err.Error()
	case errors.Is(err, ErrConnectionLost):
		return "Lost the connection to the sensor."
	default:
		return err.Error()
	}
}
