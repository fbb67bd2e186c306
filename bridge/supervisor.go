package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/backoff"
	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/devicefactory"
	"github.com/srg/kiribridge/internal/frame"
	"github.com/srg/kiribridge/internal/groutine"
	"github.com/srg/kiribridge/internal/ringchan"
	"github.com/srg/kiribridge/internal/telemetry"
)

// ErrReconnectExhausted is returned from Run when a finite reconnect
// attempt cap runs out. It is the supervisor's only fatal outcome.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// notifyQueueSize bounds the radio-to-supervisor handoff. The radio
// callback never blocks; under overload the oldest payloads are dropped.
const notifyQueueSize = 256

// DeviceScanner is the discovery seam. The production implementation is
// scanner.Scanner; tests substitute a fake.
type DeviceScanner interface {
	FindByName(ctx context.Context, names []string, timeout time.Duration) (device.DeviceInfo, error)
}

// Config is the supervisor's complete tuning surface. serve.go maps the
// user-facing YAML config onto it.
type Config struct {
	DeviceNames []string

	ServiceUUID string
	NotifyUUID  string
	WriteUUID   string

	ScanTimeout    time.Duration
	ScanAttempts   int
	ScanRetryDelay time.Duration

	ConnectTimeout time.Duration
	SettleDelay    time.Duration
	DiscoveryDelay time.Duration

	ReconnectInitial     time.Duration
	ReconnectFactor      float64
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	KeepaliveEnabled  bool
	KeepaliveInterval time.Duration
	KeepalivePayload  []byte

	StartCommand      []byte
	ActivationDevices []string
	PreStartDelay     time.Duration

	DataTimeout    time.Duration
	StatusInterval time.Duration
}

// Supervisor owns the connection lifecycle: scan, connect, discover,
// subscribe, supervise, reconnect. Exactly one Run loop writes the
// cache; everything downstream of the cache is someone else's problem.
type Supervisor struct {
	cfg     Config
	cache   *telemetry.Cache
	logger  *logrus.Logger
	stats   *Stats
	policy  *backoff.Policy
	scanner DeviceScanner

	mu    sync.Mutex
	state ConnectionState
}

// NewSupervisor creates a supervisor. The scanner seam must be set with
// SetScanner before Run; serve.go wires the production scanner in.
func NewSupervisor(cfg Config, cache *telemetry.Cache, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{
		cfg:    cfg,
		cache:  cache,
		logger: logger,
		stats:  NewStats(),
		policy: backoff.New(cfg.ReconnectInitial, cfg.ReconnectMax,
			cfg.ReconnectFactor, cfg.ReconnectMaxAttempts),
		state: StateDisconnected,
	}
}

// SetScanner installs the discovery implementation.
func (s *Supervisor) SetScanner(sc DeviceScanner) {
	s.scanner = sc
}

// State returns the current lifecycle state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats exposes the session counters.
func (s *Supervisor) Stats() *Stats {
	return s.stats
}

func (s *Supervisor) setState(state ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   state.String(),
		}).Debug("Connection state changed")
	}
}

// Run drives the reconnect loop until ctx is cancelled or a finite
// attempt cap is exhausted. Cancellation is a clean shutdown and
// returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.scanner == nil {
		return fmt.Errorf("supervisor has no scanner")
	}
	defer func() {
		// Failed is terminal and survives Run returning.
		if s.State() != StateFailed {
			s.setState(StateDisconnected)
		}
	}()

	for {
		info, err := s.scanForDevice(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = s.runSession(ctx, info)
			if ctx.Err() != nil {
				return nil
			}
		}

		s.logger.WithError(err).Warn("Session ended, scheduling reconnect")
		s.setState(StateReconnecting)
		if s.policy.Exhausted() {
			s.setState(StateFailed)
			return fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.policy.Attempts())
		}
		delay := s.policy.Next()
		s.logger.WithFields(logrus.Fields{
			"delay":   delay,
			"attempt": s.policy.Attempts(),
		}).Info("Waiting before reconnect")
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// scanForDevice runs up to ScanAttempts discovery passes looking for a
// device whose advertised name matches one of the configured names.
func (s *Supervisor) scanForDevice(ctx context.Context) (device.DeviceInfo, error) {
	s.setState(StateScanning)

	attempts := s.cfg.ScanAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"of":      attempts,
			"names":   strings.Join(s.cfg.DeviceNames, ", "),
		}).Info("Scanning for sensor...")

		info, err := s.scanner.FindByName(ctx, s.cfg.DeviceNames, s.cfg.ScanTimeout)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"device":  info.Name(),
				"address": info.Address(),
			}).Info("Sensor found")
			return info, nil
		}
		lastErr = err

		if attempt < attempts && !sleepCtx(ctx, s.cfg.ScanRetryDelay) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("scan failed after %d attempts: %w", attempts, lastErr)
}

// runSession owns one connected session from dial to release. Any error
// return means the session is over and the caller decides on backoff.
func (s *Supervisor) runSession(ctx context.Context, info device.DeviceInfo) error {
	s.setState(StateConnecting)

	dev := devicefactory.NewDevice(info.Address(), s.logger)
	if err := dev.Connect(ctx, &device.ConnectOptions{
		Address:        info.Address(),
		ConnectTimeout: s.cfg.ConnectTimeout,
	}); err != nil {
		return fmt.Errorf("connect to %s failed: %w", info.Address(), err)
	}

	connected := false
	defer func() {
		if connected {
			s.stats.ConnectionClosed()
		}
		s.cache.ClearDeviceID()
		if err := dev.Disconnect(); err != nil {
			s.logger.WithError(err).Debug("Disconnect during session release")
		}
	}()

	// The firmware needs a moment after connecting before discovery is
	// reliable.
	if !sleepCtx(ctx, s.cfg.SettleDelay) {
		return nil
	}

	s.setState(StateDiscovering)
	conn := dev.GetConnection()

	writeChar, err := s.requireCapabilities(conn)
	if err != nil {
		return err
	}

	// Activation is decided once per session, here.
	activate := len(s.cfg.StartCommand) > 0 && s.matchesActivation(info.Name())

	if !sleepCtx(ctx, s.cfg.DiscoveryDelay) {
		return nil
	}

	queue := ringchan.New[[]byte](notifyQueueSize)
	handler := func(data []byte) {
		// The slice belongs to the radio stack; copy before queueing.
		buf := make([]byte, len(data))
		copy(buf, data)
		if queue.Send(buf) {
			s.logger.Debug("Notification queue full, dropped oldest payload")
		}
	}

	if err := conn.Subscribe(s.cfg.ServiceUUID, s.cfg.NotifyUUID, handler); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	defer func() {
		if err := conn.Unsubscribe(s.cfg.ServiceUUID, s.cfg.NotifyUUID); err != nil {
			s.logger.WithError(err).Debug("Unsubscribe during session release")
		}
	}()

	s.setState(StateConnected)
	connected = true
	s.stats.ConnectionOpened()
	s.cache.SetDeviceID(info.Address())
	s.policy.Reset()

	s.logger.WithFields(logrus.Fields{
		"device":  info.Name(),
		"address": info.Address(),
	}).Info("Session established")

	if activate {
		if !sleepCtx(ctx, s.cfg.PreStartDelay) {
			return nil
		}
		if err := writeChar.Write(s.cfg.StartCommand, false, s.cfg.ConnectTimeout); err != nil {
			return fmt.Errorf("start command failed: %w", err)
		}
		s.logger.WithField("device", info.Name()).Info("Start command sent")
	}

	return s.superviseSession(ctx, conn, writeChar, queue)
}

// requireCapabilities checks that the notify and write characteristics
// exist under the configured service and returns the write handle.
// Absence fails the session (the firmware may still be registering, so
// the caller retries); missing property bits only warn.
func (s *Supervisor) requireCapabilities(conn device.Connection) (device.Characteristic, error) {
	notifyChar, err := conn.GetCharacteristic(s.cfg.ServiceUUID, s.cfg.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("notify capability missing: %w", err)
	}
	writeChar, err := conn.GetCharacteristic(s.cfg.ServiceUUID, s.cfg.WriteUUID)
	if err != nil {
		return nil, fmt.Errorf("write capability missing: %w", err)
	}

	if props := notifyChar.GetProperties(); props != nil &&
		props.Notify() == nil && props.Indicate() == nil {
		s.logger.WithField("uuid", notifyChar.UUID()).Warn("Notify characteristic does not advertise notification support")
	}
	if props := writeChar.GetProperties(); props != nil &&
		props.Write() == nil && props.WriteWithoutResponse() == nil {
		s.logger.WithField("uuid", writeChar.UUID()).Warn("Write characteristic does not advertise write support")
	}

	return writeChar, nil
}

// matchesActivation reports whether the device name is on the
// activation list. An empty list activates every variant.
func (s *Supervisor) matchesActivation(name string) bool {
	if len(s.cfg.ActivationDevices) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, candidate := range s.cfg.ActivationDevices {
		if strings.Contains(lower, strings.ToLower(candidate)) {
			return true
		}
	}
	return false
}

// superviseSession is the connected steady state: drain notifications,
// run keepalive and staleness timers, watch for link loss.
func (s *Supervisor) superviseSession(ctx context.Context, conn device.Connection, writeChar device.Characteristic, queue *ringchan.RingChannel[[]byte]) error {
	sessionStart := time.Now()
	lastData := time.Now()

	keepalive := newOptionalTicker(s.cfg.KeepaliveEnabled, s.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	watchdog := newOptionalTicker(s.cfg.DataTimeout > 0, s.cfg.DataTimeout)
	defer watchdog.Stop()
	status := newOptionalTicker(s.cfg.StatusInterval > 0, s.cfg.StatusInterval)
	defer status.Stop()

	keepaliveErr := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-conn.Context().Done():
			return fmt.Errorf("link lost: %w", device.ErrNotConnected)

		case err := <-keepaliveErr:
			return fmt.Errorf("keepalive write failed: %w", err)

		case payload := <-queue.C():
			if angles, ok := frame.Parse(payload); ok {
				s.stats.FrameReceived()
				lastData = time.Now()
				s.cache.Update(angles.Y, angles.X)
			} else {
				s.stats.ParseFailed()
				s.logger.WithField("len", len(payload)).Debug("Discarded unparseable notification")
			}

		case <-keepalive.C:
			// The write happens off the loop so a slow radio cannot
			// stall notification draining.
			groutine.Go(ctx, "keepalive-write", func(context.Context) {
				if err := writeChar.Write(s.cfg.KeepalivePayload, false, s.cfg.KeepaliveInterval); err != nil {
					select {
					case keepaliveErr <- err:
					default:
					}
				}
			})

		case <-watchdog.C:
			if age := time.Since(lastData); age > s.cfg.DataTimeout {
				s.logger.WithField("age", age.Round(time.Second)).Warn("No data received recently")
			}

		case <-status.C:
			s.logger.WithFields(logrus.Fields{
				"state":  s.State().String(),
				"uptime": time.Since(sessionStart).Round(time.Second),
				"frames": s.stats.FramesReceived(),
			}).Info("Bridge status")
		}
	}
}

// optionalTicker is a ticker that may be disabled; a disabled ticker's
// channel never fires.
type optionalTicker struct {
	C      <-chan time.Time
	ticker *time.Ticker
}

func newOptionalTicker(enabled bool, interval time.Duration) *optionalTicker {
	if !enabled || interval <= 0 {
		return &optionalTicker{}
	}
	t := time.NewTicker(interval)
	return &optionalTicker{C: t.C, ticker: t}
}

func (t *optionalTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

// sleepCtx sleeps for d unless ctx ends first. Returns false when the
// context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
