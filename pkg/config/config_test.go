package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, []string{"KIRIRI01", "KIRIRI02", "KIRIRI03", "KIRI"}, cfg.Device.Names)
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", cfg.Device.ServiceUUID)
	assert.Equal(t, "6e400003-b5a3-f393-e0a9-e50e24dcca9e", cfg.Device.NotifyUUID)
	assert.Equal(t, "6e400002-b5a3-f393-e0a9-e50e24dcca9e", cfg.Device.WriteUUID)

	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, 3, cfg.Scan.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Scan.RetryDelay)

	assert.Equal(t, 30*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.SettleDelay)
	assert.Equal(t, time.Second, cfg.Session.DiscoveryDelay)

	assert.Equal(t, 5*time.Second, cfg.Reconnect.Initial)
	assert.Equal(t, 1.5, cfg.Reconnect.Factor)
	assert.Equal(t, 60*time.Second, cfg.Reconnect.Max)
	assert.Equal(t, 0, cfg.Reconnect.MaxAttempts)

	assert.True(t, cfg.KeepaliveOn())
	assert.Equal(t, 15*time.Second, cfg.Keepalive.Interval)
	assert.Equal(t, "PING\n", cfg.Keepalive.Payload)

	assert.Equal(t, "START\n", cfg.Start.Command)
	assert.Empty(t, cfg.Start.ActivationDevices)

	assert.Equal(t, 60*time.Second, cfg.Monitor.DataTimeout)
	assert.Equal(t, 30*time.Second, cfg.Monitor.StatusInterval)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.False(t, cfg.Server.Metrics)

	require.NoError(t, cfg.Validate())
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiribridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
device:
  names: [MYSENSOR]
scan:
  timeout: 5s
server:
  host: 0.0.0.0
  port: 9000
keepalive:
  enabled: false
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"MYSENSOR"}, cfg.Device.Names)
	assert.Equal(t, 5*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.KeepaliveOn())
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Scan.Attempts)
	assert.Equal(t, "START\n", cfg.Start.Command)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/kiribridge.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "device: [unclosed")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Names = nil
	cfg.Scan.Attempts = 0
	cfg.Server.Port = 99999
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.names must not be empty")
	assert.Contains(t, err.Error(), "scan.attempts must be at least 1")
	assert.Contains(t, err.Error(), "server.port must be in 1..65535")
	assert.Contains(t, err.Error(), `log.level "loud" is not a valid level`)
}

func TestValidateReconnectBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.Factor = 1.0
	cfg.Reconnect.Max = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect.factor must be greater than 1")
	assert.Contains(t, err.Error(), "reconnect.max must not be below reconnect.initial")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Log.Level = tt.level

			logger := cfg.NewLogger()

			require.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
