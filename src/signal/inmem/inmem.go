// Package inmem implements an in-process signaling relay and the
// corresponding signal.Channel. It reproduces the broker semantics the engine
// assumes from a real relay (roster, pairing, busy flags, envelope
// forwarding) and is used for testing.
package inmem

import (
	"fmt"
	"sync"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/mosaicnetworks/peerlink/src/signal"
)

// consumerBuffer bounds the per-client delivery queue. Deliveries preserve
// arrival order; messages to a full queue are dropped.
const consumerBuffer = 256

// Relay is an in-process signaling relay. Channels created from the same
// Relay can pair with one another.
type Relay struct {
	mu      sync.Mutex
	key     string
	nextID  int
	clients map[string]*Channel
	order   []string
}

// NewRelay instantiates a Relay. If key is not empty, joining channels must
// present the same key.
func NewRelay(key string) *Relay {
	return &Relay{
		key:     key,
		clients: make(map[string]*Channel),
	}
}

// NewChannel creates a channel attached to this relay. The channel joins the
// relay when Open is called.
func (r *Relay) NewChannel(peerType string, peerID string, key string) *Channel {
	return &Channel{
		relay:    r,
		peerType: peerType,
		id:       peerID,
		key:      key,
		consumer: make(chan signal.Inbound, consumerBuffer),
	}
}

func (r *Relay) join(c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.key != "" && c.key != r.key {
		return common.NewSignalingError(common.WSError, "invalid key", nil)
	}

	if c.id == "" {
		r.nextID++
		c.id = fmt.Sprintf("peer-%d", r.nextID)
	}

	if _, ok := r.clients[c.id]; ok {
		return common.NewSignalingError(common.WSError, fmt.Sprintf("id %s taken", c.id), nil)
	}

	r.clients[c.id] = c
	r.order = append(r.order, c.id)

	return nil
}

func (r *Relay) leave(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.pairedWith != "" {
		if partner, ok := r.clients[c.pairedWith]; ok {
			partner.pairedWith = ""
			r.deliver(partner, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		}
		c.pairedWith = ""
	}

	c.closed = true

	delete(r.clients, c.id)
	for i, id := range r.order {
		if id == c.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// handle processes one message from a client, under the relay lock.
func (r *Relay) handle(from *Channel, msg signal.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case signal.TypePair:
		target, ok := r.clients[msg.RemotePeerID]
		if !ok || target == from || target.pairedWith != "" || from.pairedWith != "" {
			r.deliver(from, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
			return
		}
		from.pairedWith = target.id
		target.pairedWith = from.id
		r.deliver(from, signal.Message{
			Type:         signal.TypeStatus,
			Status:       signal.StatusPaired,
			RemotePeerID: target.id,
		})
		r.deliver(target, signal.Message{
			Type:         signal.TypeStatus,
			Status:       signal.StatusPaired,
			RemotePeerID: from.id,
		})

	case signal.TypeUnpair:
		if from.pairedWith == "" {
			return
		}
		partner, ok := r.clients[from.pairedWith]
		from.pairedWith = ""
		r.deliver(from, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		if ok {
			partner.pairedWith = ""
			r.deliver(partner, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		}

	case signal.TypeListPeers:
		peers := []signal.Peer{}
		for _, id := range r.order {
			client := r.clients[id]
			if client.peerType != from.peerType {
				continue
			}
			peers = append(peers, signal.Peer{
				ID:   client.id,
				Type: client.peerType,
				Busy: client.pairedWith != "",
			})
		}
		r.deliver(from, signal.Message{Type: signal.TypePeers, Peers: peers})

	default:
		// Opaque envelope: forward verbatim to the paired peer, drop if
		// unpaired.
		if partner, ok := r.clients[from.pairedWith]; ok {
			r.deliver(partner, msg)
		}
	}
}

func (r *Relay) deliver(to *Channel, msg signal.Message) {
	if to.closed {
		return
	}
	// A stalled consumer must not wedge the relay; drop when its buffer
	// is full.
	select {
	case to.consumer <- signal.Inbound{Msg: msg}:
	default:
	}
}

// Channel implements signal.Channel against an in-process Relay.
type Channel struct {
	signal.StateHolder

	relay    *Relay
	peerType string
	id       string
	key      string

	// pairedWith and closed are guarded by relay.mu
	pairedWith string
	closed     bool

	consumer  chan signal.Inbound
	closeOnce sync.Once
}

// Open implements signal.Channel. It joins the relay, which assigns an id if
// none was supplied.
func (c *Channel) Open() error {
	if err := c.relay.join(c); err != nil {
		return err
	}
	c.SetState(signal.Open)
	return nil
}

// State implements signal.Channel.
func (c *Channel) State() signal.State {
	return c.GetState()
}

// ID implements signal.Channel.
func (c *Channel) ID() string {
	return c.id
}

// Send implements signal.Channel.
func (c *Channel) Send(msg signal.Message) error {
	if s := c.GetState(); s != signal.Open {
		return common.NewSignalingError(
			common.WSError,
			fmt.Sprintf("signaling channel is %s", s),
			nil,
		)
	}

	c.relay.handle(c, msg)

	return nil
}

// Consumer implements signal.Channel.
func (c *Channel) Consumer() <-chan signal.Inbound {
	return c.consumer
}

// Close implements signal.Channel. It is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.SetState(signal.Closing)
		c.relay.leave(c)
		close(c.consumer)
		c.SetState(signal.Closed)
	})
	return nil
}
