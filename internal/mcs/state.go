package mcs

// State is the lifecycle state of the receive session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingLoginAck
	StateLive
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLoginAck:
		return "awaiting-login-ack"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
