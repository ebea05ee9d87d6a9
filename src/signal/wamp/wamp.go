// Package wamp implements the signal.Channel interface, and the corresponding
// relay server, on top of the WAMP protocol using the nexus library.
//
// Clients call the relay's registered procedures to join and to submit
// control messages, and subscribe to a per-peer topic through which the relay
// publishes status updates, rosters, and forwarded signal envelopes.
package wamp

const (
	// ErrRelayRequest is the WAMP error URI returned when the relay rejects
	// a request.
	ErrRelayRequest = "io.peerlink.relay_request"

	// procJoin is the RPC procedure through which a client joins the relay.
	// It takes [peerType, peerID, key] and returns the raw status-online
	// message carrying the assigned id.
	procJoin = "peerlink.join"

	// procRelay is the RPC procedure through which a client submits a
	// control message or a signal envelope. It takes [peerID, rawJSON].
	procRelay = "peerlink.relay"

	// peerTopicPrefix prefixes the per-peer topic on which the relay
	// publishes messages destined for that peer.
	peerTopicPrefix = "peerlink.peer."

	// metaOnLeave is the WAMP meta event published by the router when a
	// session disconnects.
	metaOnLeave = "wamp.session.on_leave"
)

func peerTopic(id string) string {
	return peerTopicPrefix + id
}
