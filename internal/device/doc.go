// Package device defines the transport-neutral Bluetooth Low Energy (BLE)
// abstraction the bridge is built on.
//
// It provides:
//   - Device, Connection, Service and Characteristic interfaces
//   - A structured connection error model with errors.Is support
//   - UUID normalization and a compact assigned-name table
//
// The production implementation on go-ble/ble lives in the goble
// subpackage; tests substitute fakes behind the same interfaces.
package device
