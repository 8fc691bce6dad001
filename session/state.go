package session

// State is the lifecycle phase of a session. Transitions are driven by the
// session's event loop; Closed is terminal and reachable from every state.
type State int

const (
	StateConnecting State = iota // provider legs being established
	StateReady                   // synthesis primed, awaiting client input
	StateListening               // recognition leg live, accepting audio
	StateProcessing              // a response turn is in flight
	StateClosed                  // torn down
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
