// Package bridge supervises the radio side of the telemetry pipeline:
// find the sensor, open a session, keep it alive, feed decoded samples
// into the cache, and reconnect with backoff when the link drops.
package bridge

// ConnectionState is the supervisor's lifecycle position. Transitions
// are serialized by the supervisor loop; readers get snapshots.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
