// Package peer implements the peer-transport side of the connection engine:
// the Transport abstraction over a point-to-point channel, a production WebRTC
// implementation, an in-memory implementation for testing, and the Negotiator
// which drives the timeout-guarded handshake.
package peer

import "encoding/json"

// EventKind identifies the events emitted by a Transport.
type EventKind uint32

const (
	// ConnectedEvent fires once, when the point-to-point channel is
	// established.
	ConnectedEvent EventKind = iota

	// DataEvent carries one inbound payload message.
	DataEvent

	// StreamEvent announces an inbound media stream.
	StreamEvent

	// ClosedEvent fires when the channel is torn down, locally or remotely.
	ClosedEvent

	// ErrorEvent carries a transport fault.
	ErrorEvent
)

// String returns the string representation of an EventKind.
func (k EventKind) String() string {
	switch k {
	case ConnectedEvent:
		return "Connected"
	case DataEvent:
		return "Data"
	case StreamEvent:
		return "Stream"
	case ClosedEvent:
		return "Closed"
	case ErrorEvent:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is emitted by a Transport on its Events channel.
type Event struct {
	Kind   EventKind
	Data   []byte
	Stream interface{}
	Err    error
}

// Transport is the capability over which one peer-to-peer session is
// established. It is constructed in initiator or non-initiator mode by a
// TransportFactory, produces outgoing signal envelopes, consumes inbound ones,
// and reports progress through events.
type Transport interface {
	// Signals is the channel of outgoing signal envelopes, to be relayed
	// verbatim to the remote side.
	Signals() <-chan json.RawMessage

	// Deliver routes an inbound signal envelope into the transport. Envelopes
	// must be delivered in arrival order.
	Deliver(raw json.RawMessage) error

	// Send transmits a payload over the established channel.
	Send(payload []byte) error

	// Events is the channel of transport events.
	Events() <-chan Event

	// Close tears the transport down. It is idempotent.
	Close() error
}

// TransportFactory constructs a Transport in the requested role. The
// initiator is the side whose pairing request succeeded; it speaks first.
type TransportFactory func(initiator bool) (Transport, error)

// MediaSink receives inbound media streams. Wiring a stream to a display
// surface is a pure side effect and entirely the sink's business.
type MediaSink interface {
	Attach(stream interface{})
}
