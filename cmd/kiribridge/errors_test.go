package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/kiribridge/bridge"
	"github.com/srg/kiribridge/internal/device"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "bluetooth off",
			err:  fmt.Errorf("connect: %w", device.ErrBluetoothOff),
			want: "Bluetooth is turned off. Turn it on and try again.",
		},
		{
			name: "timeout",
			err:  fmt.Errorf("dial: %w", device.ErrTimeout),
			want: "The sensor did not respond in time. Make sure it is powered on and in range.",
		},
		{
			name: "reconnect exhausted",
			err:  fmt.Errorf("%w after 3 attempts", bridge.ErrReconnectExhausted),
			want: "Gave up reconnecting to the sensor: reconnect attempts exhausted after 3 attempts",
		},
		{
			name: "connection lost",
			err:  ErrConnectionLost,
			want: "Lost the connection to the sensor.",
		},
		{
			name: "passthrough",
			err:  errors.New("something else"),
			want: "something else",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
