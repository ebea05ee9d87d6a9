package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mosaicnetworks/peerlink/src/common"
)

// InmemNetwork links InmemTransports created in the same process. Transports
// rendezvous through handshake envelopes carried over the signaling path, the
// way WebRTC transports exchange SDP; once linked, payloads flow directly.
// It is only used for testing.
type InmemNetwork struct {
	mu        sync.Mutex
	seq       int
	endpoints map[string]*InmemTransport
}

// NewInmemNetwork instantiates an empty InmemNetwork.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		endpoints: make(map[string]*InmemTransport),
	}
}

// Factory returns a TransportFactory producing transports attached to this
// network.
func (n *InmemNetwork) Factory() TransportFactory {
	return func(initiator bool) (Transport, error) {
		return n.newTransport(initiator), nil
	}
}

func (n *InmemNetwork) newTransport(initiator bool) *InmemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++

	t := &InmemTransport{
		network:   n,
		initiator: initiator,
		addr:      fmt.Sprintf("inmem-%d", n.seq),
		signals:   make(chan json.RawMessage, 4),
		events:    make(chan Event, 16),
	}

	n.endpoints[t.addr] = t

	if initiator {
		raw, _ := json.Marshal(inmemEnvelope{Type: "hello", Addr: t.addr})
		t.signals <- raw
	}

	return t
}

type inmemEnvelope struct {
	Type string `json:"type"`
	Addr string `json:"addr"`
}

// InmemTransport implements the Transport interface with in-process links.
type InmemTransport struct {
	network   *InmemNetwork
	initiator bool
	addr      string

	signals chan json.RawMessage
	events  chan Event

	// peer and closed are guarded by network.mu
	peer   *InmemTransport
	closed bool

	closeOnce sync.Once
}

// Signals implements Transport.
func (t *InmemTransport) Signals() <-chan json.RawMessage {
	return t.signals
}

// Deliver implements Transport. The initiator opens with a hello envelope;
// the non-initiator links both endpoints and answers with a welcome.
func (t *InmemTransport) Deliver(raw json.RawMessage) error {
	env := inmemEnvelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return common.NewPeerConnectionError(common.BadSignal, err.Error(), string(raw))
	}

	switch env.Type {
	case "hello":
		if t.initiator {
			return common.NewPeerConnectionError(common.WebRTCError, "unexpected hello", nil)
		}

		t.network.mu.Lock()
		other, ok := t.network.endpoints[env.Addr]
		if !ok || t.closed || other.closed {
			t.network.mu.Unlock()
			return common.NewPeerConnectionError(common.WebRTCError, "unknown endpoint", env.Addr)
		}
		t.peer = other
		other.peer = t
		t.network.mu.Unlock()

		welcome, _ := json.Marshal(inmemEnvelope{Type: "welcome", Addr: t.addr})
		t.signals <- welcome
		t.events <- Event{Kind: ConnectedEvent}

	case "welcome":
		if !t.initiator {
			return common.NewPeerConnectionError(common.WebRTCError, "unexpected welcome", nil)
		}
		t.events <- Event{Kind: ConnectedEvent}

	default:
		// ignore
	}

	return nil
}

// Send implements Transport. Payloads are delivered straight to the linked
// peer, bypassing the relay.
func (t *InmemTransport) Send(payload []byte) error {
	t.network.mu.Lock()
	peer := t.peer
	closed := t.closed
	t.network.mu.Unlock()

	if closed || peer == nil {
		return common.NewPeerConnectionError(common.WebRTCError, "transport not connected", nil)
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	peer.events <- Event{Kind: DataEvent, Data: data}

	return nil
}

// Events implements Transport.
func (t *InmemTransport) Events() <-chan Event {
	return t.events
}

// Close implements Transport. The linked peer observes a ClosedEvent.
func (t *InmemTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.mu.Lock()
		t.closed = true
		peer := t.peer
		t.peer = nil
		delete(t.network.endpoints, t.addr)

		if peer != nil && !peer.closed {
			peer.peer = nil
			peer.events <- Event{Kind: ClosedEvent}
		}
		t.network.mu.Unlock()
	})
	return nil
}

// inertTransport never makes progress. It is used to exercise negotiation
// timeouts.
type inertTransport struct {
	signals chan json.RawMessage
	events  chan Event
}

// NewInertFactory returns a TransportFactory whose transports never connect.
func NewInertFactory() TransportFactory {
	return func(initiator bool) (Transport, error) {
		return &inertTransport{
			signals: make(chan json.RawMessage),
			events:  make(chan Event),
		}, nil
	}
}

func (t *inertTransport) Signals() <-chan json.RawMessage   { return t.signals }
func (t *inertTransport) Deliver(raw json.RawMessage) error { return nil }
func (t *inertTransport) Send(payload []byte) error         { return nil }
func (t *inertTransport) Events() <-chan Event              { return t.events }
func (t *inertTransport) Close() error                      { return nil }
