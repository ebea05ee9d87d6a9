package peer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/sirupsen/logrus"
)

const (
	// InitiatorTimeout guards the initiator's negotiation. It is short and
	// fixed because the initiator already knows that pairing succeeded.
	InitiatorTimeout = 5 * time.Second

	// DefaultTimeout guards the non-initiator's negotiation when no timeout
	// is configured. The acceptor is still waiting on the remote's first
	// signal, so it gets more slack.
	DefaultTimeout = 15 * time.Second
)

// SendFunc routes an outgoing signal envelope through the signaling relay to
// the remote side.
type SendFunc func(raw json.RawMessage) error

// Negotiator drives one negotiation attempt over one Transport. It owns the
// timeout timer, routes signal envelopes in both directions, and races the
// possible outcomes (connected, remote cancellation, timeout, transport
// error) into a single-settle result. The timer only guards the pre-connect
// phase; once connected, teardown is always explicit.
type Negotiator struct {
	trans     Transport
	initiator bool
	send      SendFunc
	timeout   time.Duration

	resultCh   chan error
	settleOnce sync.Once
	connected  uint32

	eventCh chan Event

	cancelCh   chan struct{}
	cancelOnce sync.Once
	closeCh    chan struct{}
	closeOnce  sync.Once
	doneCh     chan struct{}

	logger *logrus.Entry
}

// NewNegotiator instantiates a Transport in the requested role and starts the
// negotiation loop.
func NewNegotiator(
	factory TransportFactory,
	initiator bool,
	timeout time.Duration,
	send SendFunc,
	logger *logrus.Entry,
) (*Negotiator, error) {

	if initiator {
		timeout = InitiatorTimeout
	} else if timeout <= 0 {
		timeout = DefaultTimeout
	}

	trans, err := factory(initiator)
	if err != nil {
		return nil, common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
	}

	n := &Negotiator{
		trans:     trans,
		initiator: initiator,
		send:      send,
		timeout:   timeout,
		resultCh:  make(chan error, 1),
		eventCh:   make(chan Event, 16),
		cancelCh:  make(chan struct{}),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger.WithField("initiator", initiator),
	}

	go n.run()

	return n, nil
}

func (n *Negotiator) run() {
	defer close(n.doneCh)
	defer n.trans.Close()

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	cancel := n.cancelCh

	for {
		select {
		case raw := <-n.trans.Signals():
			if err := n.send(raw); err != nil {
				if !n.Connected() {
					n.settle(err)
					return
				}
				n.logger.WithError(err).Error("Error relaying signal envelope")
			}

		case e := <-n.trans.Events():
			switch e.Kind {
			case ConnectedEvent:
				timer.Stop()
				atomic.StoreUint32(&n.connected, 1)
				n.settle(nil)

			case DataEvent, StreamEvent:
				if !n.forward(e) {
					return
				}

			case ErrorEvent:
				if !n.Connected() {
					n.settle(common.NewPeerConnectionError(
						common.WebRTCError,
						e.Err.Error(),
						nil,
					))
					return
				}
				// The negotiation promise already resolved; the manager
				// observes the fault as an event and tears the session down.
				if !n.forward(e) {
					return
				}

			case ClosedEvent:
				if !n.Connected() {
					n.settle(common.NewPeerConnectionError(
						common.ConnectionRefused,
						"transport closed during negotiation",
						nil,
					))
					return
				}
				n.forward(e)
				return
			}

		case <-timer.C:
			if !n.Connected() {
				n.settle(common.NewPeerConnectionError(
					common.Timeout,
					"negotiation timed out",
					nil,
				))
				return
			}

		case <-cancel:
			cancel = nil
			if !n.Connected() {
				n.settle(common.NewPeerConnectionError(
					common.ConnectionRefused,
					"remote peer cancelled pairing",
					nil,
				))
				return
			}

		case <-n.closeCh:
			if !n.Connected() {
				n.settle(common.NewPeerConnectionError(
					common.ConnectionRefused,
					"negotiation cancelled",
					nil,
				))
			}
			return
		}
	}
}

// forward hands a post-connect event to the manager. It returns false if the
// negotiator is being closed.
func (n *Negotiator) forward(e Event) bool {
	select {
	case n.eventCh <- e:
		return true
	case <-n.closeCh:
		return false
	}
}

func (n *Negotiator) settle(err error) {
	n.settleOnce.Do(func() {
		n.resultCh <- err
	})
}

// Result is the single-settle outcome of the negotiation: nil once the
// transport connects, an EngineError otherwise.
func (n *Negotiator) Result() <-chan error {
	return n.resultCh
}

// Events is the channel of post-connect transport events (data, stream,
// closed, error).
func (n *Negotiator) Events() <-chan Event {
	return n.eventCh
}

// Deliver routes an inbound signal envelope into the transport, in arrival
// order.
func (n *Negotiator) Deliver(raw json.RawMessage) error {
	return n.trans.Deliver(raw)
}

// Send transmits a payload over the established channel.
func (n *Negotiator) Send(payload []byte) error {
	if !n.Connected() {
		return common.NewPeerConnectionError(common.WebRTCError, "not connected", nil)
	}
	return n.trans.Send(payload)
}

// Connected reports whether the transport has connected.
func (n *Negotiator) Connected() bool {
	return atomic.LoadUint32(&n.connected) == 1
}

// RemoteCancel signals that the relay reported an unpair while negotiating.
// This is a cancellation, not a fault: a pre-connect negotiation settles with
// CONNECTION_REFUSED. It has no effect once connected.
func (n *Negotiator) RemoteCancel() {
	n.cancelOnce.Do(func() {
		close(n.cancelCh)
	})
}

// Close tears the negotiation down. It is idempotent; the transport is
// destroyed exactly once, when the run loop exits.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)
	})
}

// Done is closed once the run loop has exited and the transport is destroyed.
func (n *Negotiator) Done() <-chan struct{} {
	return n.doneCh
}
