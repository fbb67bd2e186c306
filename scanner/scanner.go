// Package scanner drives BLE device discovery and maintains a registry
// of everything seen during a scan window.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/devicefactory"
	"github.com/srg/kiribridge/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent describes a single discovery observation.
type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo device.DeviceInfo
	Timestamp  time.Time
}

// eventBuffer bounds the discovery event stream; a slow consumer loses
// the oldest events rather than stalling the radio callback.
const eventBuffer = 100

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, device.Device]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool

	// NameContains keeps only devices whose advertised local name
	// contains one of these substrings (case-insensitive). Empty means
	// no name filtering.
	NameContains []string

	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: false,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: ringchan.New[DeviceEvent](eventBuffer),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with provided options. It blocks for the
// configured duration (or until ctx is cancelled) and returns a snapshot
// of everything that passed the filters.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]device.DeviceInfo, error) {
	s.devices = hashmap.New[string, device.Device]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	progressCallback("Scanning")

	radio, err := devicefactory.ScannerFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = radio.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	progressCallback("Processing results")

	devices := make(map[string]device.DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value device.Device) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// FindByName scans until a device whose local name contains one of the
// given substrings appears, or the context expires. Returns the first
// match.
func (s *Scanner) FindByName(ctx context.Context, names []string, timeout time.Duration) (device.DeviceInfo, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no device names to match")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan device.DeviceInfo, 1)

	s.devices = hashmap.New[string, device.Device]()
	s.scanOptions = &ScanOptions{NameContains: names}
	defer func() {
		s.scanOptions = nil
	}()

	radio, err := devicefactory.ScannerFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	if timeout > 0 {
		var tcancel context.CancelFunc
		scanCtx, tcancel = context.WithTimeout(scanCtx, timeout)
		defer tcancel()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- radio.Scan(scanCtx, true, func(adv device.Advertisement) {
			if !matchesName(adv.LocalName(), names) {
				return
			}
			dev := s.record(adv)
			select {
			case resultCh <- dev:
				cancel()
			default:
			}
		})
	}()

	select {
	case dev := <-resultCh:
		<-errCh // wait for the radio callback loop to wind down
		return dev, nil
	case err := <-errCh:
		// Scan ended without a match; a late result may still have raced in.
		select {
		case dev := <-resultCh:
			return dev, nil
		default:
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		return nil, fmt.Errorf("no device matching %s found", strings.Join(names, ", "))
	}
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	if !s.shouldIncludeDevice(adv, s.scanOptions) {
		return
	}
	s.record(adv)
}

// record inserts or updates the registry entry for an advertisement and
// publishes the corresponding event.
func (s *Scanner) record(adv device.Advertisement) device.Device {
	deviceID := adv.Addr()

	dev, existing := s.devices.Get(deviceID)
	if !existing {
		dev, existing = s.devices.GetOrInsert(deviceID, devicefactory.NewDeviceFromAdvertisement(adv, s.logger))
	}

	event := DeviceEvent{
		DeviceInfo: dev,
		Timestamp:  time.Now(),
	}

	if existing {
		dev.Update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
	return dev
}

// shouldIncludeDevice applies allow/block/name filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}

	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.NameContains) > 0 && !matchesName(adv.LocalName(), opts.NameContains) {
		return false
	}

	return true
}

// matchesName reports whether the local name contains any of the given
// substrings, case-insensitively.
func matchesName(localName string, names []string) bool {
	if localName == "" {
		return false
	}
	lower := strings.ToLower(localName)
	for _, n := range names {
		if n == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
