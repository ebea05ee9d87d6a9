package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	if !strings.HasPrefix(Version, "0.1.0") {
		t.Fatalf("unexpected version string: %s", Version)
	}

	if Flag != "" && !strings.Contains(Version, Flag) {
		t.Fatalf("version string does not carry the flag: %s", Version)
	}
}
