package peerlink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/mosaicnetworks/peerlink/src/config"
	"github.com/mosaicnetworks/peerlink/src/events"
	"github.com/mosaicnetworks/peerlink/src/peer"
	"github.com/mosaicnetworks/peerlink/src/signal"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Lifecycle event topics published on the manager's event bus.
const (
	// OnlineEvent fires once the signaling channel is open.
	OnlineEvent = "online"

	// ErrorEvent carries a common.EngineError payload.
	ErrorEvent = "error"

	// CloseEvent fires once, when the manager shuts down. Its payload is the
	// reason string.
	CloseEvent = "close"

	// ConnectionEvent announces an incoming pairing while listening. Its
	// payload is a Connection value.
	ConnectionEvent = "connection"

	// DisconnectionEvent fires when a negotiation attempt ends without a
	// session.
	DisconnectionEvent = "disconnection"

	// ConnectEvent fires when the peer-to-peer session is established.
	ConnectEvent = "connect"

	// DisconnectEvent fires when an established session ends.
	DisconnectEvent = "disconnect"

	// StreamEvent carries an inbound media stream handle.
	StreamEvent = "stream"

	// DataEvent carries a deserialized payload received from the peer.
	DataEvent = "data"
)

// Internal topics used to correlate relay responses with pending operations.
const (
	statusTopic     = "_signal.status"
	peersTopic      = "_signal.peers"
	relayErrorTopic = "_signal.error"
)

// maxPendingSignals bounds the envelopes buffered between a pairing and the
// creation of the negotiator.
const maxPendingSignals = 32

// Connection is the payload of a ConnectionEvent.
type Connection struct {
	RemotePeerID string
}

// ConnectionManager is the public face of the connection engine. It owns a
// signaling channel and, during an active negotiation or session, one
// Negotiator. Every operation is validated against the current state; invalid
// calls fail synchronously with a BadState error and leave the state
// untouched.
type ConnectionManager struct {
	state

	conf    *config.Config
	logger  *logrus.Entry
	channel signal.Channel
	factory peer.TransportFactory
	sink    peer.MediaSink

	bus *events.Bus

	mu             sync.Mutex
	neg            *peer.Negotiator
	remoteID       string
	pending        []json.RawMessage
	cancelled      bool
	pairPending    bool
	selfUnpairs    int
	remoteUnpaired bool
	attemptSeq     int

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewConnectionManager wires a manager from its injected capabilities: the
// signaling channel, the peer-transport factory, and an optional media sink.
func NewConnectionManager(
	conf *config.Config,
	channel signal.Channel,
	factory peer.TransportFactory,
	sink peer.MediaSink,
) *ConnectionManager {
	return &ConnectionManager{
		conf:     conf,
		logger:   conf.Logger(),
		channel:  channel,
		factory:  factory,
		sink:     sink,
		bus:      events.NewBus(),
		closedCh: make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	return m.getState()
}

// ID returns the local peer id. It is only guaranteed after Start, once the
// relay has assigned one.
func (m *ConnectionManager) ID() string {
	return m.channel.ID()
}

// Subscribe registers a persistent handler for a lifecycle event topic.
func (m *ConnectionManager) Subscribe(topic string, group string, handler events.Handler) {
	m.bus.Subscribe(topic, group, handler)
}

// Once registers a one-shot subscription for a lifecycle event topic.
func (m *ConnectionManager) Once(topic string, group string) <-chan events.Event {
	return m.bus.Once(topic, group)
}

// Unsubscribe tears down every subscription of a group.
func (m *ConnectionManager) Unsubscribe(group string) {
	m.bus.Unsubscribe(group)
}

// Start opens the signaling channel and moves the manager online.
func (m *ConnectionManager) Start() error {
	if s := m.getState(); s != Starting {
		return common.NewBadStateError(Starting.String(), s.String())
	}

	if err := m.channel.Open(); err != nil {
		return err
	}

	m.setState(Online)
	m.logger = m.logger.WithField("id", m.channel.ID())
	m.logger.Debug("Online")

	m.bus.Publish(OnlineEvent, nil)

	go m.receiveLoop()

	return nil
}

// receiveLoop processes inbound relay messages in arrival order. It exits
// when the consumer channel closes, which means the relay connection is gone.
func (m *ConnectionManager) receiveLoop() {
	for in := range m.channel.Consumer() {
		if in.Err != nil {
			m.emitError(common.NewSignalingError(common.BadSignal, in.Err.Error(), string(in.Raw)))
			continue
		}

		msg := in.Msg

		switch msg.Type {
		case signal.TypeStatus:
			m.handleStatus(msg)

		case signal.TypePeers:
			m.bus.Publish(peersTopic, msg.Peers)

		case signal.TypeError:
			err := common.NewSignalingError(common.WSError, msg.Message, string(msg.Raw))
			m.bus.Publish(relayErrorTopic, err)
			m.emitError(err)

		default:
			// Opaque signal envelope: routed to the active negotiator, in
			// arrival order. Envelopes that land between the pairing and the
			// negotiator's creation are buffered; outside a pairing they are
			// dropped silently.
			m.mu.Lock()
			neg := m.neg
			if neg == nil && m.getState() == Connecting && len(m.pending) < maxPendingSignals {
				m.pending = append(m.pending, msg.Raw)
			}
			m.mu.Unlock()

			if neg != nil {
				if err := neg.Deliver(msg.Raw); err != nil {
					m.emitError(err)
				}
			}
		}
	}

	if s := m.getState(); s != Closing && s != Closed {
		m.logger.Debug("Relay connection lost")
		m.shutdown("relay connection lost")
	}
}

func (m *ConnectionManager) handleStatus(msg signal.Message) {
	switch msg.Status {
	case signal.StatusPaired:
		m.mu.Lock()
		// The relay answers every unpair we send with an unpaired echo, and
		// queues it ahead of any later pairing. Reaching a paired status means
		// all owed echoes have been consumed.
		m.selfUnpairs = 0
		switch m.getState() {
		case Listening:
			// Incoming pairing: surface it and wait for AcceptConnection.
			m.remoteID = msg.RemotePeerID
			m.setState(Connecting)
			m.mu.Unlock()
			m.logger.WithField("remote", msg.RemotePeerID).Debug("Incoming connection")
			m.bus.Publish(ConnectionEvent, Connection{RemotePeerID: msg.RemotePeerID})

		case Connecting:
			// Response to a pending pair request.
			pending := m.pairPending
			m.mu.Unlock()
			if pending {
				m.bus.Publish(statusTopic, msg)
			}

		default:
			m.selfUnpairs++
			m.mu.Unlock()
			// Unsolicited pairing: answer with a defensive unpair.
			m.logger.WithField("remote", msg.RemotePeerID).Debug("Unsolicited pairing, unpairing")
			if err := m.channel.Send(signal.Unpair()); err != nil {
				m.emitError(err)
			}
		}

	case signal.StatusUnpaired:
		m.mu.Lock()
		if m.selfUnpairs > 0 {
			// Echo of an unpair we sent ourselves. It carries no verdict and
			// no cancellation, so it must never reach a pending pair
			// request's subscription.
			m.selfUnpairs--
			m.mu.Unlock()
			return
		}
		neg := m.neg
		if neg == nil && m.getState() == Connecting {
			// The negotiator is not installed yet; remember the cancellation
			// so negotiate picks it up.
			m.cancelled = true
		}
		if m.getState() == Connecting || (neg != nil && !neg.Connected()) {
			// The relay pairing is already gone; this attempt owes the relay
			// no unpair of its own.
			m.remoteUnpaired = true
		}
		pending := m.pairPending
		m.mu.Unlock()

		if pending {
			m.bus.Publish(statusTopic, msg)
		}

		if neg != nil && !neg.Connected() {
			// Remote-initiated teardown while negotiating is a cancellation,
			// not a fault.
			neg.RemoteCancel()
		}
	}
}

func (m *ConnectionManager) emitError(err error) {
	m.bus.Publish(ErrorEvent, err)
}

func (m *ConnectionManager) nextGroup(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptSeq++
	return fmt.Sprintf("%s-%d", prefix, m.attemptSeq)
}

// GetPeers queries the relay's roster. The roster reflects relay-side state
// at call time and includes this endpoint's own descriptor.
func (m *ConnectionManager) GetPeers() ([]signal.Peer, error) {
	if s := m.channel.State(); s != signal.Open {
		return nil, common.NewBadStateError("open signaling channel", s.String())
	}

	group := m.nextGroup("getPeers")
	defer m.bus.Unsubscribe(group)

	peersCh := m.bus.Once(peersTopic, group)
	errCh := m.bus.Once(relayErrorTopic, group)

	if err := m.channel.Send(signal.ListPeers()); err != nil {
		return nil, err
	}

	select {
	case e := <-peersCh:
		return e.Payload.([]signal.Peer), nil
	case e := <-errCh:
		return nil, e.Payload.(common.EngineError)
	case <-m.closedCh:
		return nil, common.NewSignalingError(common.WSError, "manager closed", nil)
	}
}

// ConnectTo initiates a session with a remote peer. It sends a pair request,
// waits for the relay's verdict, then negotiates as initiator. It returns
// once the session is established, or fails with the negotiation outcome.
func (m *ConnectionManager) ConnectTo(remotePeerID string) error {
	m.mu.Lock()
	if s := m.getState(); s != Online {
		m.mu.Unlock()
		return common.NewBadStateError(Online.String(), s.String())
	}
	m.setState(Connecting)
	m.pairPending = true
	m.mu.Unlock()

	group := m.nextGroup("pair")
	defer m.bus.Unsubscribe(group)
	defer func() {
		m.mu.Lock()
		m.pairPending = false
		m.mu.Unlock()
	}()

	statusCh := m.bus.Once(statusTopic, group)

	if err := m.channel.Send(signal.Pair(remotePeerID)); err != nil {
		m.revertToOnline()
		return err
	}

	select {
	case e := <-statusCh:
		msg := e.Payload.(signal.Message)
		if msg.Status != signal.StatusPaired {
			m.revertToOnline()
			return common.NewSignalingError(
				common.CannotPair,
				fmt.Sprintf("could not pair with %s", remotePeerID),
				nil,
			)
		}
	case <-time.After(m.conf.NegotiationTimeout):
		m.revertToOnline()
		return common.NewSignalingError(common.Timeout, "no pairing verdict from relay", nil)
	case <-m.closedCh:
		return common.NewSignalingError(common.WSError, "manager closed", nil)
	}

	m.mu.Lock()
	m.pairPending = false
	if s := m.getState(); s != Connecting {
		// Disconnected or closed while pairing was in flight.
		m.mu.Unlock()
		return common.NewPeerConnectionError(common.ConnectionRefused, "pairing interrupted", nil)
	}
	m.remoteID = remotePeerID
	m.mu.Unlock()

	return m.negotiate(true)
}

// ListenConnections makes the manager accept incoming pairings. It returns
// immediately; an incoming pairing is announced with a ConnectionEvent.
func (m *ConnectionManager) ListenConnections() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.getState(); s != Online {
		return common.NewBadStateError(Online.String(), s.String())
	}

	m.setState(Listening)

	return nil
}

// AcceptConnection accepts the pairing announced by the last ConnectionEvent
// and negotiates as non-initiator. It returns once the session is
// established, or fails with the negotiation outcome.
func (m *ConnectionManager) AcceptConnection() error {
	m.mu.Lock()
	if s := m.getState(); s != Connecting || m.neg != nil || m.remoteID == "" {
		m.mu.Unlock()
		return common.NewBadStateError(Connecting.String(), s.String())
	}
	m.mu.Unlock()

	return m.negotiate(false)
}

// negotiate runs one negotiation attempt in the given role and settles the
// manager's state on its outcome.
func (m *ConnectionManager) negotiate(initiator bool) error {
	neg, err := peer.NewNegotiator(
		m.factory,
		initiator,
		m.conf.NegotiationTimeout,
		func(raw json.RawMessage) error {
			return m.channel.Send(signal.Envelope(raw))
		},
		m.logger,
	)
	if err != nil {
		m.revertToOnline()
		return err
	}

	// Drain the buffered envelopes before making the negotiator visible to
	// the receive loop. New arrivals keep buffering until the drain observes
	// an empty buffer, so delivery order is arrival order.
	var cancelled bool
	for {
		m.mu.Lock()
		pending := m.pending
		m.pending = nil
		if len(pending) == 0 {
			m.neg = neg
			cancelled = m.cancelled
			m.cancelled = false
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		for _, raw := range pending {
			if err := neg.Deliver(raw); err != nil {
				m.emitError(err)
			}
		}
	}

	if cancelled {
		// An unpair arrived before the negotiator was installed.
		neg.RemoteCancel()
	}

	if err := <-neg.Result(); err != nil {
		neg.Close()
		<-neg.Done()

		m.mu.Lock()
		if m.neg == neg {
			m.neg = nil
			m.remoteID = ""
		}
		m.pending = nil
		m.cancelled = false
		settled := false
		if m.getState() == Connecting {
			m.setState(Online)
			settled = true
		}
		// If the remote already unpaired, the relay pairing is gone and no
		// echo would come back for an unpair of our own.
		unpair := settled && !m.remoteUnpaired
		m.remoteUnpaired = false
		if unpair {
			m.selfUnpairs++
		}
		m.mu.Unlock()

		if settled {
			if unpair {
				// Best effort: release the relay-side pairing.
				if serr := m.channel.Send(signal.Unpair()); serr != nil {
					m.logger.WithError(serr).Debug("Error sending unpair")
				}
			}
			m.bus.Publish(DisconnectionEvent, nil)
		}

		return err
	}

	m.mu.Lock()
	if m.getState() != Connecting {
		// Torn down while the transport was connecting.
		if m.neg == neg {
			m.neg = nil
			m.remoteID = ""
		}
		m.mu.Unlock()
		neg.Close()
		<-neg.Done()
		return common.NewPeerConnectionError(common.ConnectionRefused, "negotiation interrupted", nil)
	}
	m.setState(Connected)
	m.mu.Unlock()

	m.logger.Debug("Connected")
	m.bus.Publish(ConnectEvent, nil)

	go m.sessionLoop(neg)

	return nil
}

// revertToOnline undoes the Connecting transition of a failed pairing.
func (m *ConnectionManager) revertToOnline() {
	m.mu.Lock()
	if m.getState() == Connecting {
		m.setState(Online)
	}
	m.pending = nil
	m.cancelled = false
	m.pairPending = false
	m.remoteUnpaired = false
	m.mu.Unlock()
}

// sessionLoop consumes post-connect events from the active negotiator.
func (m *ConnectionManager) sessionLoop(neg *peer.Negotiator) {
	for {
		select {
		case e := <-neg.Events():
			switch e.Kind {
			case peer.DataEvent:
				v, err := decodePayload(e.Data)
				if err != nil {
					// Malformed payload never aborts the session.
					m.emitError(common.NewPeerConnectionError(common.BadMessage, err.Error(), string(e.Data)))
					continue
				}
				m.bus.Publish(DataEvent, v)

			case peer.StreamEvent:
				if m.sink != nil {
					m.sink.Attach(e.Stream)
				}
				m.bus.Publish(StreamEvent, e.Stream)

			case peer.ErrorEvent:
				// The session is already established, so the fault surfaces
				// as an event, followed by a best-effort teardown.
				m.emitError(common.NewPeerConnectionError(common.WebRTCError, e.Err.Error(), nil))
				go m.Disconnect()

			case peer.ClosedEvent:
				m.finishSession(neg)
				return
			}

		case <-neg.Done():
			m.finishSession(neg)
			return
		}
	}
}

// finishSession releases the negotiator and, if the session ended on its own,
// settles the state back to Online. Explicit teardowns (Disconnect, Close)
// own their transitions.
func (m *ConnectionManager) finishSession(neg *peer.Negotiator) {
	m.mu.Lock()
	if m.neg != neg {
		m.mu.Unlock()
		return
	}
	m.neg = nil
	m.remoteID = ""
	m.pending = nil
	m.cancelled = false
	m.remoteUnpaired = false

	if m.getState() != Connected {
		m.mu.Unlock()
		return
	}
	m.setState(Online)
	m.mu.Unlock()

	neg.Close()
	m.bus.Publish(DisconnectEvent, nil)
}

// Disconnect tears down the active session or negotiation. It sends an unpair
// to the relay, destroys the transport, and settles back to Online. In any
// state other than Connected or Connecting it resolves immediately as a no-op.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	s := m.getState()
	if s != Connected && s != Connecting {
		m.mu.Unlock()
		return nil
	}
	m.setState(Disconnecting)
	neg := m.neg
	m.neg = nil
	m.remoteID = ""
	m.pending = nil
	m.cancelled = false
	m.pairPending = false
	m.remoteUnpaired = false
	m.selfUnpairs++
	m.mu.Unlock()

	if err := m.channel.Send(signal.Unpair()); err != nil {
		m.logger.WithError(err).Debug("Error sending unpair")
	}

	wasConnected := false
	if neg != nil {
		wasConnected = neg.Connected()
		neg.Close()
		<-neg.Done()
	}

	m.mu.Lock()
	if m.getState() == Disconnecting {
		m.setState(Online)
	}
	m.mu.Unlock()

	if wasConnected {
		m.bus.Publish(DisconnectEvent, nil)
	}

	return nil
}

// Send serializes data and forwards it over the active session.
func (m *ConnectionManager) Send(data interface{}) error {
	m.mu.Lock()
	s := m.getState()
	neg := m.neg
	m.mu.Unlock()

	if s != Connected || neg == nil {
		return common.NewBadStateError(Connected.String(), s.String())
	}

	payload, err := encodePayload(data)
	if err != nil {
		return common.NewPeerConnectionError(common.BadMessage, err.Error(), nil)
	}

	return neg.Send(payload)
}

// Close shuts the manager down: it destroys any live peer transport, closes
// the signaling channel, and moves to the terminal Closed state. It is
// idempotent.
func (m *ConnectionManager) Close() error {
	m.shutdown("closed")
	return nil
}

func (m *ConnectionManager) shutdown(reason string) {
	m.closeOnce.Do(func() {
		m.setState(Closing)

		m.mu.Lock()
		neg := m.neg
		m.neg = nil
		m.remoteID = ""
		m.pending = nil
		m.cancelled = false
		m.pairPending = false
		m.selfUnpairs = 0
		m.remoteUnpaired = false
		m.mu.Unlock()

		if neg != nil {
			neg.Close()
			<-neg.Done()
		}

		m.channel.Close()
		close(m.closedCh)

		m.setState(Closed)
		m.logger.WithField("reason", reason).Debug("Closed")
		m.bus.Publish(CloseEvent, reason)
	})
}

// encodePayload and decodePayload implement the payload codec of the data
// path: canonical JSON through ugorji/codec.
func encodePayload(v interface{}) ([]byte, error) {
	b := []byte{}
	jh := new(codec.JsonHandle)
	jh.Canonical = true

	if err := codec.NewEncoderBytes(&b, jh).Encode(v); err != nil {
		return nil, err
	}

	return b, nil
}

func decodePayload(data []byte) (interface{}, error) {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	jh.MapKeyAsString = true

	var v interface{}
	if err := codec.NewDecoderBytes(data, jh).Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}
