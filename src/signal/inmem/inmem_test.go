package inmem

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/mosaicnetworks/peerlink/src/signal"
)

func TestJoinAssignsID(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "", "")
	if err := alice.Open(); err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	if alice.ID() == "" {
		t.Fatal("relay should have assigned an id")
	}
}

func TestRoster(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	bob := relay.NewChannel("browser", "bob", "")
	other := relay.NewChannel("robot", "r2", "")

	for _, c := range []*Channel{alice, bob, other} {
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		defer c.Close()
	}

	if err := alice.Send(signal.ListPeers()); err != nil {
		t.Fatal(err)
	}

	in := <-alice.Consumer()
	if in.Msg.Type != signal.TypePeers {
		t.Fatalf("expected peers message, got %s", in.Msg.Type)
	}

	expected := []signal.Peer{
		{ID: "alice", Type: "browser", Busy: false},
		{ID: "bob", Type: "browser", Busy: false},
	}
	if !reflect.DeepEqual(in.Msg.Peers, expected) {
		t.Fatalf("expected roster %v, got %v", expected, in.Msg.Peers)
	}
}

func TestPairAndForward(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	bob := relay.NewChannel("browser", "bob", "")

	for _, c := range []*Channel{alice, bob} {
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		defer c.Close()
	}

	if err := alice.Send(signal.Pair("bob")); err != nil {
		t.Fatal(err)
	}

	in := <-alice.Consumer()
	if in.Msg.Status != signal.StatusPaired || in.Msg.RemotePeerID != "bob" {
		t.Fatalf("alice expected paired with bob, got %+v", in.Msg)
	}

	in = <-bob.Consumer()
	if in.Msg.Status != signal.StatusPaired || in.Msg.RemotePeerID != "alice" {
		t.Fatalf("bob expected paired with alice, got %+v", in.Msg)
	}

	// Once paired, envelopes are relayed verbatim.
	raw := []byte(`{"type":"offer","sdp":"v=0"}`)
	env, err := signal.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(env); err != nil {
		t.Fatal(err)
	}

	in = <-bob.Consumer()
	if string(in.Msg.Raw) != string(raw) {
		t.Fatalf("expected envelope forwarded verbatim, got %s", in.Msg.Raw)
	}
}

func TestPairBusy(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	bob := relay.NewChannel("browser", "bob", "")
	carol := relay.NewChannel("browser", "carol", "")

	for _, c := range []*Channel{alice, bob, carol} {
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		defer c.Close()
	}

	alice.Send(signal.Pair("bob"))
	<-alice.Consumer()
	<-bob.Consumer()

	carol.Send(signal.Pair("bob"))
	in := <-carol.Consumer()
	if in.Msg.Status != signal.StatusUnpaired {
		t.Fatalf("pairing with a busy peer should report unpaired, got %+v", in.Msg)
	}
}

func TestUnpairNotifiesBoth(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	bob := relay.NewChannel("browser", "bob", "")

	for _, c := range []*Channel{alice, bob} {
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		defer c.Close()
	}

	alice.Send(signal.Pair("bob"))
	<-alice.Consumer()
	<-bob.Consumer()

	alice.Send(signal.Unpair())

	if in := <-alice.Consumer(); in.Msg.Status != signal.StatusUnpaired {
		t.Fatalf("alice expected unpaired, got %+v", in.Msg)
	}
	if in := <-bob.Consumer(); in.Msg.Status != signal.StatusUnpaired {
		t.Fatalf("bob expected unpaired, got %+v", in.Msg)
	}
}

func TestSendClosed(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	if err := alice.Open(); err != nil {
		t.Fatal(err)
	}
	alice.Close()

	err := alice.Send(signal.ListPeers())
	if err == nil {
		t.Fatal("expected send on closed channel to fail")
	}
}

func TestKeyValidation(t *testing.T) {
	relay := NewRelay("secret")

	bad := relay.NewChannel("browser", "alice", "wrong")
	if err := bad.Open(); err == nil {
		t.Fatal("expected join with wrong key to fail")
	}

	good := relay.NewChannel("browser", "alice", "secret")
	if err := good.Open(); err != nil {
		t.Fatal(err)
	}
	good.Close()
}

func TestStalledConsumerDoesNotBlockRelay(t *testing.T) {
	relay := NewRelay("")

	alice := relay.NewChannel("browser", "alice", "")
	bob := relay.NewChannel("browser", "bob", "")

	for _, c := range []*Channel{alice, bob} {
		if err := c.Open(); err != nil {
			t.Fatal(err)
		}
		defer c.Close()
	}

	if err := alice.Send(signal.Pair("bob")); err != nil {
		t.Fatal(err)
	}
	if in := <-alice.Consumer(); in.Msg.Status != signal.StatusPaired {
		t.Fatalf("alice expected paired, got %+v", in.Msg)
	}

	// Bob never reads. Flooding past his delivery buffer must drop the
	// overflow instead of wedging the relay.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < consumerBuffer+16; i++ {
			if err := alice.Send(signal.Envelope(json.RawMessage(`{"n":1}`))); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("relay blocked on a stalled consumer")
	}

	// The relay still serves everyone else.
	if err := alice.Send(signal.ListPeers()); err != nil {
		t.Fatal(err)
	}
	if in := <-alice.Consumer(); in.Msg.Type != signal.TypePeers {
		t.Fatalf("alice expected peers, got %+v", in.Msg)
	}
}
