package device_test

import (
	"testing"

	"github.com/srg/kiribridge/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short form untouched", "180f", "180f"},
		{"uppercase lowered", "180F", "180f"},
		{"0x prefix stripped", "0x2902", "2902"},
		{"dashes removed", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"sig base collapses to 16-bit", "0000180f-0000-1000-8000-00805f9b34fb", "180f"},
		{"non-base 128-bit stays long", "1000180d-0000-1000-8000-00805f9b34fb", "1000180d00001000800000805f9b34fb"},
		{"surrounding whitespace trimmed", "  180a ", "180a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, device.NormalizeUUID(tt.input))
		})
	}
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes valid UUIDs", func(t *testing.T) {
		got, err := device.ValidateUUID("180F", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")

		require.NoError(t, err)
		assert.Equal(t, []string{"180f", "6e400003b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := device.ValidateUUID()
		assert.Error(t, err)
	})

	t.Run("rejects empty UUID", func(t *testing.T) {
		_, err := device.ValidateUUID("180f", "")
		assert.Error(t, err)
	})

	t.Run("rejects non-hex UUID", func(t *testing.T) {
		_, err := device.ValidateUUID("not-a-uuid!")
		assert.Error(t, err)
	})
}

func TestConnectionErrorModel(t *testing.T) {
	t.Run("sentinels compare by state", func(t *testing.T) {
		err := &device.ConnectionError{State: device.NotConnected, Msg: "dial failed"}

		assert.ErrorIs(t, err, device.ErrNotConnected)
		assert.NotErrorIs(t, err, device.ErrAlreadyConnected)
	})

	t.Run("IsConnectionState unwraps", func(t *testing.T) {
		wrapped := wrapErr(device.ErrBluetoothOff)

		assert.True(t, device.IsConnectionState(wrapped, device.BluetoothOff))
		assert.False(t, device.IsConnectionState(wrapped, device.NotConnected))
	})
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, `service "180f" not found`,
		(&device.NotFoundError{Resource: "service", UUIDs: []string{"180f"}}).Error())
	assert.Equal(t, `characteristic "2a19" not found in service "180f"`,
		(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{"180f", "2a19"}}).Error())
}

func wrapErr(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ inner error }

func (w *wrappedErr) Error() string { return "context: " + w.inner.Error() }
func (w *wrappedErr) Unwrap() error { return w.inner }
