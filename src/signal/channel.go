package signal

import (
	"sync/atomic"
)

// State captures the state of a signaling channel: Connecting, Open, Closing,
// or Closed.
type State uint32

const (
	// Connecting is the initial state, before the relay connection is
	// established.
	Connecting State = iota

	// Open is the state in which messages can be sent and received.
	Open

	// Closing is the state in which the channel is being torn down.
	Closing

	// Closed is the terminal state.
	Closed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateHolder wraps a State with atomic get and set methods. It is embedded by
// Channel implementations.
type StateHolder struct {
	state State
}

// GetState returns the current state.
func (h *StateHolder) GetState() State {
	stateAddr := (*uint32)(&h.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (h *StateHolder) SetState(s State) {
	stateAddr := (*uint32)(&h.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// Inbound wraps a message received from the relay. Err is set when the raw
// payload could not be decoded; in that case Msg is empty and the payload is
// carried in Raw so it can be reported.
type Inbound struct {
	Msg Message
	Err error
	Raw []byte
}

// Channel is a persistent, ordered, bidirectional message channel to a
// signaling relay. Implementations decode inbound messages and deliver them,
// in arrival order, on the Consumer channel. The Consumer channel is closed
// when the relay connection is lost or the channel is closed.
type Channel interface {
	// Open establishes the relay connection. It blocks until the channel is
	// usable, or fails.
	Open() error

	// State returns the channel state.
	State() State

	// ID returns the local peer id. If the caller did not supply one, it is
	// only valid after Open, once the relay has assigned one.
	ID() string

	// Send delivers a message to the relay. It fails immediately with a
	// Signaling/WS_ERROR if the channel is not open.
	Send(msg Message) error

	// Consumer returns the channel through which inbound messages are
	// received.
	Consumer() <-chan Inbound

	// Close tears down the relay connection. It is idempotent.
	Close() error
}
