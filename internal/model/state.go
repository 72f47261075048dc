package model

// ConnectionState represents the bridge connection state.
//
// Connected implies a live socket and session id exist. Disconnected implies
// no listener is running. Connecting implies a listener is running but no
// client is attached.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase wire/logging form of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
