package session

// State is the connection state of one session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	// StateReconnecting is entered only from Connected, on an unexpected
	// link drop with auto-reconnect enabled.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is published to state listeners on every transition. Err is
// set when the transition was caused by a failure, most usefully the last
// error attached to a terminal Disconnected after reconnect exhaustion.
type StateChange struct {
	State State
	Err   error
}
