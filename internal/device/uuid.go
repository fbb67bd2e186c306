package device

import (
	"fmt"
	"strings"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb without dashes). UUIDs built on
// the base collapse to their 16-bit short form.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal BLE library
// format: lowercase, no dashes, 0x prefix stripped. Full 128-bit UUIDs
// in the Bluetooth SIG base format reduce to their 16-bit short form
// (e.g., "0000180f-0000-1000-8000-00805f9b34fb" -> "180f").
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
// Accepts one or more UUIDs as variadic arguments.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if !isHex(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
