// Package signal defines the control-message schema spoken with the signaling
// relay, and the Channel interface implemented by the concrete signaling
// bindings (websocket, wamp, inmem).
//
// The relay brokers pairing between peer ids and forwards opaque messages.
// Client to relay: pair, unpair, listPeers. Relay to client: status, peers,
// error. Any message whose type is not one of the reserved relay-to-client
// tags is treated as an opaque signal envelope and relayed verbatim to the
// paired peer.
package signal

import "encoding/json"

// Message types recognised by the engine. TypeStatus, TypePeers and TypeError
// are the reserved control tags on the relay-to-client path.
const (
	TypePair      = "pair"
	TypeUnpair    = "unpair"
	TypeListPeers = "listPeers"
	TypeStatus    = "status"
	TypePeers     = "peers"
	TypeError     = "error"
)

// Status values carried by TypeStatus messages.
const (
	StatusOnline   = "online"
	StatusPaired   = "paired"
	StatusUnpaired = "unpaired"
)

// Peer is one entry in the relay's roster. Busy means the peer is currently
// paired with another endpoint.
type Peer struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Busy bool   `json:"busy"`
}

// Message is the wire format of a control message. Raw always holds the
// original JSON encoding; for passthrough envelopes it is the only meaningful
// field and is forwarded verbatim.
type Message struct {
	Type         string `json:"type"`
	RemotePeerID string `json:"remotePeerId,omitempty"`
	Status       string `json:"status,omitempty"`
	ID           string `json:"id,omitempty"`
	Peers        []Peer `json:"peers,omitempty"`
	Message      string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Pair builds a pairing request for the given remote peer.
func Pair(remotePeerID string) Message {
	return Message{Type: TypePair, RemotePeerID: remotePeerID}
}

// Unpair builds an unpair request.
func Unpair() Message {
	return Message{Type: TypeUnpair}
}

// ListPeers builds a roster request.
func ListPeers() Message {
	return Message{Type: TypeListPeers}
}

// Envelope wraps an opaque signal envelope for forwarding through the relay.
func Envelope(raw json.RawMessage) Message {
	return Message{Raw: raw}
}

// Decode parses a raw relay message. The returned Message always carries the
// raw bytes, so passthrough envelopes can be forwarded without re-encoding.
func Decode(raw []byte) (Message, error) {
	msg := Message{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}

	msg.Raw = make(json.RawMessage, len(raw))
	copy(msg.Raw, raw)

	return msg, nil
}

// Encode returns the wire encoding of the message. Envelopes are passed
// through untouched.
func (m Message) Encode() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(m)
}

// Control reports whether the message carries one of the reserved
// relay-to-client control tags. Everything else is an opaque envelope destined
// for the active peer-transport negotiation.
func (m Message) Control() bool {
	switch m.Type {
	case TypeStatus, TypePeers, TypeError:
		return true
	}
	return false
}
