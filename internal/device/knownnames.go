package device

// Compact name tables for the identifiers this bridge actually touches.
// Keys are normalized UUIDs (lowercase, no dashes, 16-bit short form for
// SIG-base UUIDs).

var knownServiceNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180f": "Battery Service",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var knownCharacteristicNames = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a29": "Manufacturer Name String",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX",
}

// KnownServiceName returns the assigned name for a service UUID, or ""
// if the service is not in the table.
func KnownServiceName(uuid string) string {
	return knownServiceNames[NormalizeUUID(uuid)]
}

// KnownCharacteristicName returns the assigned name for a characteristic
// UUID, or "" if the characteristic is not in the table.
func KnownCharacteristicName(uuid string) string {
	return knownCharacteristicNames[NormalizeUUID(uuid)]
}
