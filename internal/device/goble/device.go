package goble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/device"
)

const (
	gapServiceUUID     = "1800"
	deviceNameCharUUID = "2a00"

	// txPowerNotAvailable is the sentinel the radio stack reports when the
	// advertisement carries no TX power field.
	txPowerNotAvailable = 127
)

// BLEDevice implements the Device interface for BLE devices
type BLEDevice struct {
	id                 string
	name               string
	address            string
	rssi               int
	txPower            *int
	connectable        bool
	lastSeen           time.Time
	advertisedServices []string
	manufData          []byte
	serviceData        map[string][]byte
	connection         *BLEConnection
	logger             *logrus.Logger
	mu                 sync.RWMutex
}

// NewBLEDevice creates a BLEDevice with a pre-created connection instance
func NewBLEDevice(address string, logger *logrus.Logger) *BLEDevice {
	if logger == nil {
		logger = logrus.New()
	}

	return &BLEDevice{
		id:                 address,
		address:            address,
		advertisedServices: make([]string, 0),
		serviceData:        make(map[string][]byte),
		lastSeen:           time.Now(),
		connection:         NewBLEConnection(logger),
		logger:             logger,
	}
}

// NewBLEDeviceFromAdvertisement creates a BLEDevice from a device.Advertisement
func NewBLEDeviceFromAdvertisement(adv device.Advertisement, logger *logrus.Logger) *BLEDevice {
	dev := NewBLEDevice(adv.Addr(), logger)

	dev.name = adv.LocalName()
	dev.rssi = adv.RSSI()
	dev.connectable = adv.Connectable()
	dev.manufData = adv.ManufacturerData()

	for _, uuid := range adv.Services() {
		dev.advertisedServices = append(dev.advertisedServices, device.NormalizeUUID(uuid))
	}
	sort.Strings(dev.advertisedServices)

	for _, svcData := range adv.ServiceData() {
		dev.serviceData[device.NormalizeUUID(svcData.UUID)] = svcData.Data
	}

	if adv.TxPowerLevel() != txPowerNotAvailable {
		txPower := adv.TxPowerLevel()
		dev.txPower = &txPower
	}

	return dev
}

// Device interface implementation

func (d *BLEDevice) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

func (d *BLEDevice) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

func (d *BLEDevice) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

func (d *BLEDevice) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *BLEDevice) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *BLEDevice) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *BLEDevice) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advertisedServices
}

func (d *BLEDevice) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufData
}

func (d *BLEDevice) ServiceData() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serviceData
}

// Connect establishes a BLE connection and populates live characteristics
func (d *BLEDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connection == nil {
		return fmt.Errorf("internal error: connection is not initialized")
	}

	if opts == nil {
		opts = &device.ConnectOptions{
			ConnectTimeout: 30 * time.Second,
		}
	}

	if err := d.connection.Connect(ctx, d.address, opts); err != nil {
		return err
	}

	// The GAP Device Name characteristic is more authoritative than the
	// advertisement name, so prefer it when readable.
	if char, err := d.connection.GetCharacteristic(gapServiceUUID, deviceNameCharUUID); err == nil {
		if data, err := char.Read(0); err == nil && len(data) > 0 {
			name := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
			if isValidDeviceName(name) {
				d.name = name
				d.logger.WithFields(logrus.Fields{
					"address": d.address,
					"name":    name,
				}).Debug("Resolved device name from GAP")
			}
		}
	}

	return nil
}

// Disconnect closes the connection and clears live handles
func (d *BLEDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connection == nil {
		return fmt.Errorf("internal error: connection is not initialized")
	}

	return d.connection.Disconnect()
}

// IsConnected returns connection status
func (d *BLEDevice) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isConnectedInternal()
}

func (d *BLEDevice) isConnectedInternal() bool {
	if d.connection == nil {
		return false
	}
	return d.connection.IsConnected()
}

// Update refreshes device information from a new advertisement
func (d *BLEDevice) Update(adv device.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()

	if name := adv.LocalName(); name != "" {
		d.name = name
	}

	if manufData := adv.ManufacturerData(); len(manufData) > 0 {
		d.manufData = manufData
	}

	// Merge advertised services
	needsSort := false
	for _, svc := range adv.Services() {
		normalizedSvc := device.NormalizeUUID(svc)
		if !d.hasServiceUUID(normalizedSvc) {
			d.advertisedServices = append(d.advertisedServices, normalizedSvc)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.advertisedServices)
	}

	for _, svcData := range adv.ServiceData() {
		d.serviceData[device.NormalizeUUID(svcData.UUID)] = svcData.Data
	}

	if adv.TxPowerLevel() != txPowerNotAvailable {
		txPower := adv.TxPowerLevel()
		d.txPower = &txPower
	}
}

// GetConnection returns the BLE connection interface
func (d *BLEDevice) GetConnection() device.Connection {
	return d.connection
}

// hasServiceUUID checks if advertised services already contain the given UUID
func (d *BLEDevice) hasServiceUUID(uuid string) bool {
	for _, s := range d.advertisedServices {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// isValidDeviceName checks if a string looks like a usable device name
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}

	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
