package peerlink

import "sync/atomic"

// State captures the state of a ConnectionManager: Starting, Online,
// Listening, Connecting, Connected, Disconnecting, Closing, or Closed.
type State uint32

const (
	// Starting is the initial state, before the signaling channel is open.
	Starting State = iota

	// Online is the state in which the relay connection is alive and no
	// pairing is in progress.
	Online

	// Listening is the state in which the manager accepts incoming pairing
	// requests.
	Listening

	// Connecting is the state in which a pairing has been initiated or
	// received, up to the point where the peer transport connects.
	Connecting

	// Connected is the state in which the peer-to-peer session is
	// established.
	Connected

	// Disconnecting is the state in which the session is being torn down.
	Disconnecting

	// Closing is the state in which the manager is shutting down.
	Closing

	// Closed is the terminal state. All further operations fail.
	Closed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Online:
		return "Online"
	case Listening:
		return "Listening"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}
