package signal

import (
	"reflect"
	"testing"
)

func TestDecodeControl(t *testing.T) {
	raw := []byte(`{"type":"status","status":"paired","remotePeerId":"bob"}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	if !msg.Control() {
		t.Fatal("status message should be classified as control")
	}
	if msg.Status != StatusPaired {
		t.Fatalf("expected status paired, got %s", msg.Status)
	}
	if msg.RemotePeerID != "bob" {
		t.Fatalf("expected remotePeerId bob, got %s", msg.RemotePeerID)
	}
}

func TestDecodePeers(t *testing.T) {
	raw := []byte(`{"type":"peers","peers":[{"id":"alice","type":"browser","busy":false},{"id":"bob","type":"browser","busy":true}]}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	expected := []Peer{
		{ID: "alice", Type: "browser", Busy: false},
		{ID: "bob", Type: "browser", Busy: true},
	}
	if !reflect.DeepEqual(msg.Peers, expected) {
		t.Fatalf("expected %v, got %v", expected, msg.Peers)
	}
}

func TestDecodePassthrough(t *testing.T) {
	raw := []byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"}}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	if msg.Control() {
		t.Fatal("offer message should be passthrough, not control")
	}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != string(raw) {
		t.Fatalf("passthrough message should be re-encoded verbatim, got %s", encoded)
	}
}

func TestDecodeBadJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEncodeRequests(t *testing.T) {
	encoded, err := Pair("bob").Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != TypePair || decoded.RemotePeerID != "bob" {
		t.Fatalf("pair request did not round-trip: %+v", decoded)
	}
}
