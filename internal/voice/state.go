package voice

// State is the lifecycle state of a voice session.
type State int

const (
	// StateConnecting: the output device is open and the transport handshake
	// is in flight.
	StateConnecting State = iota
	// StateConnected: the handshake completed and the microphone is live.
	StateConnected
	// StateError: the session ended because something failed. Terminal.
	StateError
	// StateClosed: the session ended normally or was stopped. Terminal.
	StateClosed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateError || s == StateClosed }
