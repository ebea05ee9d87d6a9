package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
)

// SimpleKeyfile is a file backed private key store. The key is persisted as
// a hexadecimal string with owner-only permissions.
type SimpleKeyfile struct {
	l string
}

// NewSimpleKeyfile returns a SimpleKeyfile backed by the file at l.
func NewSimpleKeyfile(l string) *SimpleKeyfile {
	return &SimpleKeyfile{l: l}
}

// ReadKey parses the private key from the underlying file.
func (k *SimpleKeyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	buf, err := ioutil.ReadFile(k.l)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(string(buf))
	d, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %v", err)
	}
	return ParsePrivateKey(d)
}

// WriteKey dumps the private key to the underlying file with 0600
// permissions.
func (k *SimpleKeyfile) WriteKey(key *ecdsa.PrivateKey) error {
	keyString := hex.EncodeToString(DumpPrivateKey(key))
	return ioutil.WriteFile(k.l, []byte(keyString), 0600)
}

// CheckPerms verifies that the keyfile is not readable by group or others.
func (k *SimpleKeyfile) CheckPerms() error {
	info, err := os.Stat(k.l)
	if err != nil {
		return err
	}
	if perms := info.Mode().Perm(); perms&0077 != 0 {
		return fmt.Errorf("keyfile %s has loose permissions %#o", k.l, perms)
	}
	return nil
}
