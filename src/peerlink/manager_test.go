package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/mosaicnetworks/peerlink/src/config"
	"github.com/mosaicnetworks/peerlink/src/events"
	"github.com/mosaicnetworks/peerlink/src/peer"
	"github.com/mosaicnetworks/peerlink/src/signal"
	"github.com/mosaicnetworks/peerlink/src/signal/inmem"
)

func newTestManager(t *testing.T, relay *inmem.Relay, factory peer.TransportFactory) (*ConnectionManager, *inmem.Channel) {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.NegotiationTimeout = time.Second

	ch := relay.NewChannel("browser", "", "")

	return NewConnectionManager(conf, ch, factory, nil), ch
}

func waitEvent(t *testing.T, ch <-chan events.Event, what string) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return events.Event{}
}

func waitState(t *testing.T, m *ConnectionManager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state is %s, want %s", m.State(), want)
}

// connectedManagers starts two managers on a shared relay and in-process
// transport network and runs the full pairing handshake between them.
func connectedManagers(t *testing.T) (*ConnectionManager, *ConnectionManager) {
	t.Helper()

	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	a, _ := newTestManager(t, relay, network.Factory())
	b, _ := newTestManager(t, relay, network.Factory())

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	connCh := b.Once(ConnectionEvent, "setup")
	acceptErr := make(chan error, 1)
	go func() {
		select {
		case e := <-connCh:
			conn := e.Payload.(Connection)
			if conn.RemotePeerID != a.ID() {
				acceptErr <- errors.New("connection event carries wrong remote id")
				return
			}
			acceptErr <- b.AcceptConnection()
		case <-time.After(3 * time.Second):
			acceptErr <- errors.New("no connection event")
		}
	}()

	if err := a.ConnectTo(b.ID()); err != nil {
		t.Fatal(err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatal(err)
	}

	if s := a.State(); s != Connected {
		t.Fatalf("initiator state is %s, want Connected", s)
	}
	if s := b.State(); s != Connected {
		t.Fatalf("acceptor state is %s, want Connected", s)
	}

	return a, b
}

func TestStartAndClose(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	m, _ := newTestManager(t, relay, network.Factory())

	if s := m.State(); s != Starting {
		t.Fatalf("initial state is %s, want Starting", s)
	}

	onlineCh := m.Once(OnlineEvent, "test")
	closeCh := m.Once(CloseEvent, "test")

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, onlineCh, "online event")

	if m.ID() == "" {
		t.Fatal("no peer id assigned after Start")
	}
	if s := m.State(); s != Online {
		t.Fatalf("state is %s, want Online", s)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, closeCh, "close event")
	if reason := e.Payload.(string); reason != "closed" {
		t.Fatalf("close reason is %q, want %q", reason, "closed")
	}

	if s := m.State(); s != Closed {
		t.Fatalf("state is %s, want Closed", s)
	}

	// Close is idempotent.
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBadStateOperations(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	m, _ := newTestManager(t, relay, network.Factory())

	// Every session operation requires at least Online.
	if err := m.ConnectTo("peer-99"); !common.IsKind(err, common.BadState) {
		t.Fatalf("ConnectTo before Start returned %v, want BadState", err)
	}
	if err := m.ListenConnections(); !common.IsKind(err, common.BadState) {
		t.Fatalf("ListenConnections before Start returned %v, want BadState", err)
	}
	if err := m.AcceptConnection(); !common.IsKind(err, common.BadState) {
		t.Fatalf("AcceptConnection before Start returned %v, want BadState", err)
	}
	if err := m.Send("hello"); !common.IsKind(err, common.BadState) {
		t.Fatalf("Send before Start returned %v, want BadState", err)
	}
	if _, err := m.GetPeers(); !common.IsKind(err, common.BadState) {
		t.Fatalf("GetPeers before Start returned %v, want BadState", err)
	}

	if s := m.State(); s != Starting {
		t.Fatalf("rejected operations moved state to %s", s)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); !common.IsKind(err, common.BadState) {
		t.Fatalf("second Start returned %v, want BadState", err)
	}

	// Disconnect outside a session is a no-op.
	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s := m.State(); s != Online {
		t.Fatalf("state after no-op Disconnect is %s, want Online", s)
	}

	m.Close()

	if err := m.ConnectTo("peer-99"); !common.IsKind(err, common.BadState) {
		t.Fatalf("ConnectTo after Close returned %v, want BadState", err)
	}
}

func TestGetPeers(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	a, _ := newTestManager(t, relay, network.Factory())
	b, _ := newTestManager(t, relay, network.Factory())
	defer a.Close()
	defer b.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	peers, err := a.GetPeers()
	if err != nil {
		t.Fatal(err)
	}

	// The roster lists same-type peers in join order, including the caller.
	expected := []signal.Peer{
		{ID: a.ID(), Type: "browser", Busy: false},
		{ID: b.ID(), Type: "browser", Busy: false},
	}
	if !reflect.DeepEqual(peers, expected) {
		t.Fatalf("roster is %+v, want %+v", peers, expected)
	}
}

func TestConnectAndSend(t *testing.T) {
	a, b := connectedManagers(t)
	defer a.Close()
	defer b.Close()

	fromA := b.Once(DataEvent, "test")
	fromB := a.Once(DataEvent, "test")

	payload := map[string]interface{}{"kind": "chat", "body": "hello"}

	if err := a.Send(payload); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, fromA, "data from initiator")
	if !reflect.DeepEqual(e.Payload, payload) {
		t.Fatalf("received %+v, want %+v", e.Payload, payload)
	}

	reply := map[string]interface{}{"kind": "chat", "body": "hi"}

	if err := b.Send(reply); err != nil {
		t.Fatal(err)
	}
	e = waitEvent(t, fromB, "data from acceptor")
	if !reflect.DeepEqual(e.Payload, reply) {
		t.Fatalf("received %+v, want %+v", e.Payload, reply)
	}
}

func TestConnectRefused(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	a, _ := newTestManager(t, relay, network.Factory())
	b, _ := newTestManager(t, relay, network.Factory())
	defer a.Close()
	defer b.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}

	// Pairing with an unknown peer is rejected by the relay.
	err := a.ConnectTo("peer-99")
	if !common.IsCode(err, common.CannotPair) {
		t.Fatalf("ConnectTo to unknown peer returned %v, want CANNOT_PAIR", err)
	}
	if s := a.State(); s != Online {
		t.Fatalf("state after rejected pairing is %s, want Online", s)
	}

	// b is online but not listening: it answers the stray pairing with a
	// defensive unpair, which cancels the attempt.
	err = a.ConnectTo(b.ID())
	if !common.IsCode(err, common.ConnectionRefused) {
		t.Fatalf("ConnectTo to non-listening peer returned %v, want CONNECTION_REFUSED", err)
	}
	waitState(t, a, Online)

	// The manager is reusable after a refused pairing.
	if _, err := a.GetPeers(); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptTimeout(t *testing.T) {
	relay := inmem.NewRelay("")

	b, _ := newTestManager(t, relay, peer.NewInertFactory())
	defer b.Close()

	b.conf.NegotiationTimeout = 50 * time.Millisecond

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	connCh := b.Once(ConnectionEvent, "test")
	dropCh := b.Once(DisconnectionEvent, "test")

	// Drive the pairing with a bare relay channel standing in for the remote
	// endpoint.
	remote := relay.NewChannel("browser", "", "")
	if err := remote.Open(); err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	if err := remote.Send(signal.Pair(b.ID())); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, connCh, "connection event")

	err := b.AcceptConnection()
	if !common.IsCode(err, common.Timeout) {
		t.Fatalf("AcceptConnection returned %v, want TIMEOUT", err)
	}

	waitEvent(t, dropCh, "disconnection event")
	waitState(t, b, Online)
}

func TestRemoteCancelDuringNegotiation(t *testing.T) {
	relay := inmem.NewRelay("")

	b, _ := newTestManager(t, relay, peer.NewInertFactory())
	defer b.Close()

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	connCh := b.Once(ConnectionEvent, "test")

	remote := relay.NewChannel("browser", "", "")
	if err := remote.Open(); err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	if err := remote.Send(signal.Pair(b.ID())); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, connCh, "connection event")

	// Unpair while b is still negotiating: the attempt resolves as a
	// cancellation, not a fault.
	go func() {
		time.Sleep(50 * time.Millisecond)
		remote.Send(signal.Unpair())
	}()

	err := b.AcceptConnection()
	if !common.IsCode(err, common.ConnectionRefused) {
		t.Fatalf("AcceptConnection returned %v, want CONNECTION_REFUSED", err)
	}

	waitState(t, b, Online)
}

func TestDisconnect(t *testing.T) {
	a, b := connectedManagers(t)
	defer a.Close()
	defer b.Close()

	aDisc := a.Once(DisconnectEvent, "test")
	bDisc := b.Once(DisconnectEvent, "test")

	if err := a.Disconnect(); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, aDisc, "initiator disconnect event")
	waitEvent(t, bDisc, "acceptor disconnect event")

	waitState(t, a, Online)
	waitState(t, b, Online)

	// Both endpoints are reusable after the session ends.
	if _, err := a.GetPeers(); err != nil {
		t.Fatal(err)
	}
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	a, b := connectedManagers(t)
	defer a.Close()
	defer b.Close()

	bDisc := b.Once(DisconnectEvent, "test")

	if err := a.Disconnect(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bDisc, "acceptor disconnect event")
	waitState(t, a, Online)
	waitState(t, b, Online)

	// Run a second full handshake on the same managers.
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	connCh := b.Once(ConnectionEvent, "test")
	acceptErr := make(chan error, 1)
	go func() {
		select {
		case <-connCh:
			acceptErr <- b.AcceptConnection()
		case <-time.After(3 * time.Second):
			acceptErr <- errors.New("no connection event")
		}
	}()

	if err := a.ConnectTo(b.ID()); err != nil {
		t.Fatal(err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatal(err)
	}
}

func TestRelayConnectionLost(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	m, ch := newTestManager(t, relay, network.Factory())

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	closeCh := m.Once(CloseEvent, "test")

	// Killing the underlying channel out from under the manager shuts it
	// down.
	ch.Close()

	e := waitEvent(t, closeCh, "close event")
	if reason := e.Payload.(string); reason != "relay connection lost" {
		t.Fatalf("close reason is %q", reason)
	}

	waitState(t, m, Closed)
}

// recordingTransport captures the order in which signal envelopes are
// delivered and connects once it sees the closing envelope.
type recordingTransport struct {
	mu      sync.Mutex
	seen    []int
	signals chan json.RawMessage
	events  chan peer.Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		signals: make(chan json.RawMessage),
		events:  make(chan peer.Event, 1),
	}
}

func (r *recordingTransport) Signals() <-chan json.RawMessage { return r.signals }

func (r *recordingTransport) Deliver(raw json.RawMessage) error {
	var env struct {
		Seq  int  `json:"seq"`
		Last bool `json:"last"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	r.mu.Lock()
	r.seen = append(r.seen, env.Seq)
	r.mu.Unlock()

	if env.Last {
		r.events <- peer.Event{Kind: peer.ConnectedEvent}
	}
	return nil
}

func (r *recordingTransport) Send(payload []byte) error { return nil }
func (r *recordingTransport) Events() <-chan peer.Event { return r.events }
func (r *recordingTransport) Close() error              { return nil }

func (r *recordingTransport) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func TestBufferedSignalOrder(t *testing.T) {
	relay := inmem.NewRelay("")

	trans := newRecordingTransport()
	factory := func(initiator bool) (peer.Transport, error) {
		return trans, nil
	}

	b, _ := newTestManager(t, relay, factory)
	defer b.Close()

	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	connCh := b.Once(ConnectionEvent, "test")

	remote := relay.NewChannel("browser", "", "")
	if err := remote.Open(); err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	if err := remote.Send(signal.Pair(b.ID())); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, connCh, "connection event")

	const total = 20

	envelope := func(seq int) signal.Message {
		raw := fmt.Sprintf(`{"seq":%d,"last":%t}`, seq, seq == total)
		return signal.Envelope(json.RawMessage(raw))
	}

	// The first envelopes land before the negotiator exists and get
	// buffered.
	for seq := 1; seq <= 2; seq++ {
		if err := remote.Send(envelope(seq)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	// The rest race against the negotiator's installation.
	go func() {
		for seq := 3; seq <= total; seq++ {
			remote.Send(envelope(seq))
		}
	}()

	if err := b.AcceptConnection(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(trans.order()) < total {
		time.Sleep(10 * time.Millisecond)
	}

	got := trans.order()
	if len(got) != total {
		t.Fatalf("delivered %d envelopes, want %d", len(got), total)
	}
	for i, seq := range got {
		if seq != i+1 {
			t.Fatalf("envelopes delivered out of order: %v", got)
		}
	}
}

func TestSelfUnpairEchoSuppressed(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	m, _ := newTestManager(t, relay, network.Factory())
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// A pair request is waiting for its verdict while the echo of an earlier
	// self-sent unpair is still in flight.
	m.mu.Lock()
	m.setState(Connecting)
	m.pairPending = true
	m.selfUnpairs = 1
	m.mu.Unlock()

	statusCh := m.Once(statusTopic, "test")

	m.handleStatus(signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})

	select {
	case <-statusCh:
		t.Fatal("unpair echo surfaced as a pairing verdict")
	default:
	}

	// The genuine verdict that follows must get through.
	m.handleStatus(signal.Message{
		Type:         signal.TypeStatus,
		Status:       signal.StatusPaired,
		RemotePeerID: "remote",
	})

	e := waitEvent(t, statusCh, "pairing verdict")
	if msg := e.Payload.(signal.Message); msg.Status != signal.StatusPaired {
		t.Fatalf("verdict is %+v, want paired", msg)
	}
}

func TestConnectAfterUnsolicitedPairing(t *testing.T) {
	relay := inmem.NewRelay("")
	network := peer.NewInmemNetwork()

	a, _ := newTestManager(t, relay, network.Factory())
	b, _ := newTestManager(t, relay, network.Factory())
	defer a.Close()
	defer b.Close()

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.ListenConnections(); err != nil {
		t.Fatal(err)
	}

	// Pair with a while it is not listening. It answers with a defensive
	// unpair, and the relay echoes that unpair back to it.
	remote := relay.NewChannel("browser", "", "")
	if err := remote.Open(); err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	if err := remote.Send(signal.Pair(a.ID())); err != nil {
		t.Fatal(err)
	}

	for {
		in, ok := <-remote.Consumer()
		if !ok {
			t.Fatal("remote channel closed before unpair")
		}
		if in.Msg.Type == signal.TypeStatus && in.Msg.Status == signal.StatusUnpaired {
			break
		}
	}

	// The echo must not be consumed as the verdict of the next pair request.
	connCh := b.Once(ConnectionEvent, "test")
	acceptErr := make(chan error, 1)
	go func() {
		select {
		case <-connCh:
			acceptErr <- b.AcceptConnection()
		case <-time.After(3 * time.Second):
			acceptErr <- errors.New("no connection event")
		}
	}()

	if err := a.ConnectTo(b.ID()); err != nil {
		t.Fatalf("ConnectTo returned %v, want success", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatal(err)
	}

	waitState(t, a, Connected)
	waitState(t, b, Connected)
}
