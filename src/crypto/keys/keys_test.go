package keys

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)
	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}

	if key.D.Cmp(parsed.D) != 0 {
		t.Fatal("parsed key D does not match")
	}
	if PublicKeyHex(&key.PublicKey) != PublicKeyHex(&parsed.PublicKey) {
		t.Fatal("parsed public key does not match")
	}
}

func TestPeerID(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	id := PeerID(&key.PublicKey)
	if len(id) != 2*peerIDBytes {
		t.Fatalf("unexpected id length %d", len(id))
	}
	if id != PeerID(&key.PublicKey) {
		t.Fatal("peer id is not stable")
	}
}

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "keys")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfile := NewSimpleKeyfile(filepath.Join(dir, "priv_key"))

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	if err := keyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}
	if err := keyfile.CheckPerms(); err != nil {
		t.Fatal(err)
	}

	read, err := keyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}
	if key.D.Cmp(read.D) != 0 {
		t.Fatal("read key does not match written key")
	}
}
