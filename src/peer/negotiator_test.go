package peer

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/sirupsen/logrus"
)

// pipe stands in for the relay path between two negotiators. Envelopes sent
// before the destination exists are held back and flushed on bind, in order.
type pipe struct {
	mu      sync.Mutex
	dst     *Negotiator
	backlog []json.RawMessage
}

func (p *pipe) send(raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dst == nil {
		p.backlog = append(p.backlog, raw)
		return nil
	}
	return p.dst.Deliver(raw)
}

func (p *pipe) bind(n *Negotiator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dst = n
	for _, raw := range p.backlog {
		n.Deliver(raw)
	}
	p.backlog = nil
}

func connectedPair(t *testing.T) (*Negotiator, *Negotiator) {
	t.Helper()

	network := NewInmemNetwork()
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	to2 := &pipe{}
	to1 := &pipe{}

	n1, err := NewNegotiator(network.Factory(), true, 0, to2.send, logger)
	if err != nil {
		t.Fatal(err)
	}
	to1.bind(n1)

	n2, err := NewNegotiator(network.Factory(), false, 0, to1.send, logger)
	if err != nil {
		t.Fatal(err)
	}
	to2.bind(n2)

	return n1, n2
}

func TestNegotiationSuccess(t *testing.T) {
	n1, n2 := connectedPair(t)
	defer n1.Close()
	defer n2.Close()

	if err := <-n1.Result(); err != nil {
		t.Fatalf("initiator negotiation failed: %v", err)
	}
	if err := <-n2.Result(); err != nil {
		t.Fatalf("non-initiator negotiation failed: %v", err)
	}

	if !n1.Connected() || !n2.Connected() {
		t.Fatal("both negotiators should report connected")
	}
}

func TestNegotiationData(t *testing.T) {
	n1, n2 := connectedPair(t)
	defer n1.Close()
	defer n2.Close()

	<-n1.Result()
	<-n2.Result()

	payload := []byte(`{"foo":"bar"}`)
	if err := n1.Send(payload); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-n2.Events():
		if e.Kind != DataEvent {
			t.Fatalf("expected data event, got %s", e.Kind)
		}
		if !reflect.DeepEqual(e.Data, payload) {
			t.Fatalf("expected payload %s, got %s", payload, e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data event")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	n, err := NewNegotiator(NewInertFactory(), false, 50*time.Millisecond, func(raw json.RawMessage) error {
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	select {
	case err := <-n.Result():
		if !common.IsCode(err, common.Timeout) {
			t.Fatalf("expected TIMEOUT, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("negotiation did not time out")
	}

	<-n.Done()
}

func TestNegotiationRemoteCancel(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	n, err := NewNegotiator(NewInertFactory(), false, time.Minute, func(raw json.RawMessage) error {
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	n.RemoteCancel()

	select {
	case err := <-n.Result():
		if !common.IsCode(err, common.ConnectionRefused) {
			t.Fatalf("expected CONNECTION_REFUSED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not settle the negotiation")
	}
}

func TestNegotiationClose(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	n, err := NewNegotiator(NewInertFactory(), false, time.Minute, func(raw json.RawMessage) error {
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	n.Close()
	n.Close()

	select {
	case err := <-n.Result():
		if !common.IsKind(err, common.PeerConnection) {
			t.Fatalf("expected PeerConnection error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not settle the negotiation")
	}

	<-n.Done()
}

func TestRemoteClose(t *testing.T) {
	n1, n2 := connectedPair(t)
	defer n2.Close()

	<-n1.Result()
	<-n2.Result()

	n1.Close()

	select {
	case e := <-n2.Events():
		if e.Kind != ClosedEvent {
			t.Fatalf("expected closed event, got %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed event")
	}
}
