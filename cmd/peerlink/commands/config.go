package commands

import (
	"github.com/mosaicnetworks/peerlink/src/config"
)

//CLIConfig contains configuration for the Run and Peers commands
type CLIConfig struct {
	Peerlink config.Config `mapstructure:",squash"`

	// WS uses the plain websocket signaling binding instead of WAMP. This is
	// for relays that do not speak WAMP.
	WS bool `mapstructure:"ws"`

	// Insecure connects to the relay without TLS. Only for testing.
	Insecure bool `mapstructure:"insecure"`

	// Listen accepts incoming connections instead of initiating one.
	Listen bool `mapstructure:"listen"`

	// Connect is the id of the remote peer to connect to.
	Connect string `mapstructure:"connect"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Peerlink: *config.NewDefaultConfig(),
	}
}
