// Package devicefactory is the seam between transport-neutral device
// consumers and the concrete go-ble backed implementation. The factory
// variables can be overridden in tests to substitute fakes.
package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/device/goble"
)

// ScannerFactory creates device.Scanner instances for BLE discovery.
// This is a variable so that it can be overridden in tests.
var ScannerFactory = func() (device.Scanner, error) {
	return goble.NewScanner()
}

// NewDevice creates a new BLE device with the specified address.
// This is the primary constructor for creating device instances.
var NewDevice = func(address string, logger *logrus.Logger) device.Device {
	return goble.NewBLEDevice(address, logger)
}

// NewDeviceFromAdvertisement creates a new BLE device from a device.Advertisement.
// This is used during scanning to create device instances from discovered advertisements.
var NewDeviceFromAdvertisement = func(adv device.Advertisement, logger *logrus.Logger) device.Device {
	return goble.NewBLEDeviceFromAdvertisement(adv, logger)
}
