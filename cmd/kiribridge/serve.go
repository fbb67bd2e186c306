package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/kiribridge/bridge"
	"github.com/srg/kiribridge/internal/groutine"
	"github.com/srg/kiribridge/internal/telemetry"
	"github.com/srg/kiribridge/internal/wsserver"
	"github.com/srg/kiribridge/pkg/config"
	"github.com/srg/kiribridge/scanner"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sensor-to-WebSocket bridge",
	Long: `Connects to the configured sensor and serves its telemetry stream.

The bridge scans for a device whose advertised name matches one of the
configured names, connects, subscribes to the sensor's notify
characteristic and republishes every decoded reading to all connected
WebSocket clients. Lost connections are re-established automatically
with exponential backoff.

Clients connect to ws://<host>:<port>/ and receive one JSON message per
reading: {"id": "<device-address>", "y": <degrees>, "x": <degrees>}.

Example:
  kiribridge serve
  kiribridge serve --config /etc/kiribridge.yaml --port 9000`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveHost       string
	servePort       int
	serveMetrics    bool
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "Enable the Prometheus /metrics endpoint")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	// Flags override file values.
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveMetrics {
		cfg.Server.Metrics = true
	}

	fileLevel, _ := logrus.ParseLevel(cfg.Log.Level)
	logger, err := configureLogger(cmd, "", fileLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	cache := telemetry.NewCache()
	hub := telemetry.NewHub(cache, logger)
	groutine.Go(ctx, "telemetry-hub", hub.Run)

	scan, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	sup := bridge.NewSupervisor(supervisorConfig(cfg), cache, logger)
	sup.SetScanner(scan)

	var registry *prometheus.Registry
	if cfg.Server.Metrics {
		registry = prometheus.NewRegistry()
	}

	srv := wsserver.New(wsserver.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Health:          healthFunc(sup),
		MetricsRegistry: registry,
	}, hub, cache, logger)

	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		if err := srv.Stop(5 * time.Second); err != nil {
			logger.WithError(err).Warn("Stream server shutdown incomplete")
		}
	}()

	runErr := sup.Run(ctx)

	snap := sup.Stats().Snapshot()
	logger.WithFields(logrus.Fields{
		"uptime":          snap.Uptime.Round(time.Second),
		"connections":     snap.Connections,
		"disconnections":  snap.Disconnections,
		"frames_received": snap.FramesReceived,
		"parse_failures":  snap.ParseFailures,
	}).Info("Bridge stopped")

	return runErr
}

// supervisorConfig maps the user-facing configuration onto the
// supervisor's tuning surface.
func supervisorConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		DeviceNames: cfg.Device.Names,

		ServiceUUID: cfg.Device.ServiceUUID,
		NotifyUUID:  cfg.Device.NotifyUUID,
		WriteUUID:   cfg.Device.WriteUUID,

		ScanTimeout:    cfg.Scan.Timeout,
		ScanAttempts:   cfg.Scan.Attempts,
		ScanRetryDelay: cfg.Scan.RetryDelay,

		ConnectTimeout: cfg.Session.ConnectTimeout,
		SettleDelay:    cfg.Session.SettleDelay,
		DiscoveryDelay: cfg.Session.DiscoveryDelay,

		ReconnectInitial:     cfg.Reconnect.Initial,
		ReconnectFactor:      cfg.Reconnect.Factor,
		ReconnectMax:         cfg.Reconnect.Max,
		ReconnectMaxAttempts: cfg.Reconnect.MaxAttempts,

		KeepaliveEnabled:  cfg.KeepaliveOn(),
		KeepaliveInterval: cfg.Keepalive.Interval,
		KeepalivePayload:  []byte(cfg.Keepalive.Payload),

		StartCommand:      []byte(cfg.Start.Command),
		ActivationDevices: cfg.Start.ActivationDevices,
		PreStartDelay:     500 * time.Millisecond,

		DataTimeout:    cfg.Monitor.DataTimeout,
		StatusInterval: cfg.Monitor.StatusInterval,
	}
}

// healthFunc builds the /healthz payload from live supervisor state.
func healthFunc(sup *bridge.Supervisor) wsserver.HealthFunc {
	return func() any {
		snap := sup.Stats().Snapshot()

		var lastDataAge *float64
		if !snap.LastData.IsZero() {
			age := time.Since(snap.LastData).Seconds()
			lastDataAge = &age
		}

		return map[string]any{
			"state":             sup.State().String(),
			"uptime_seconds":    snap.Uptime.Seconds(),
			"connections":       snap.Connections,
			"disconnections":    snap.Disconnections,
			"frames_received":   snap.FramesReceived,
			"parse_failures":    snap.ParseFailures,
			"last_data_seconds": lastDataAge,
		}
	}
}
