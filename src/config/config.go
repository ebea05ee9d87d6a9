package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/peerlink/src/common"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the identity
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultCertFile is the default name of the file containing the TLS
	// certificate for connecting to the signaling relay.
	DefaultCertFile = "cert.pem"
)

// Default configuration values.
const (
	DefaultLogLevel           = "debug"
	DefaultPeerType           = "browser"
	DefaultSignalAddr         = "127.0.0.1:2443"
	DefaultSignalRealm        = "main"
	DefaultSignalSkipVerify   = false
	DefaultNegotiationTimeout = 15000 * time.Millisecond
	DefaultICEAddress         = "stun:stun.l.google.com:19302"
	DefaultICEUsername        = ""
	DefaultICEPassword        = ""
)

// Config contains all the configuration properties of a peerlink connection
// manager.
type Config struct {
	// DataDir is the top-level directory containing peerlink configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates the log output to a file.
	LogFile string `mapstructure:"log-file"`

	// PeerType partitions the relay's roster; peers only discover peers of
	// the same type.
	PeerType string `mapstructure:"peer-type"`

	// PeerID identifies this endpoint at the relay. If empty, and a keyfile
	// is present, the id is derived from the identity public key; otherwise
	// the relay assigns one.
	PeerID string `mapstructure:"peer-id"`

	// Key is an optional validation key checked by the relay.
	Key string `mapstructure:"key"`

	// SignalAddr is the IP:PORT of the signaling relay. The connection is
	// over secured web-sockets, and it is possible to include a self-signed
	// certificate in a file called cert.pem in the datadir. If no self-signed
	// certificate is found, the relay's certificate signing authority better
	// be trusted.
	SignalAddr string `mapstructure:"signal-addr"`

	// SignalRealm is an administrative domain within the signaling relay.
	// Signaling messages are only routed within a realm.
	SignalRealm string `mapstructure:"signal-realm"`

	// SignalSkipVerify controls whether the signal client verifies the
	// relay's certificate chain and host name. In this mode, TLS is
	// susceptible to man-in-the-middle attacks. This should be used only for
	// testing.
	SignalSkipVerify bool `mapstructure:"signal-skip-verify"`

	// NegotiationTimeout bounds the non-initiator's negotiation phase. The
	// initiator uses a fixed short timeout because it already knows that
	// pairing succeeded.
	NegotiationTimeout time.Duration `mapstructure:"negotiation-timeout"`

	// ICEAddress is the URI of a server providing services for ICE, such as
	// STUN and TURN. The server should support password-based authentication,
	// with the username and password provided in ICEUsername and ICEPassword
	// below. Username and password can also be empty if the ICE server does
	// not use authentication.
	ICEAddress string `mapstructure:"ice-addr"`

	// ICEUsername is the username that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEUsername string `mapstructure:"ice-username"`

	// ICEPassword is the password that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEPassword string `mapstructure:"ice-password"`

	// IdentityKey is the private key from which a stable peer id can be
	// derived.
	IdentityKey *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		PeerType:           DefaultPeerType,
		SignalAddr:         DefaultSignalAddr,
		SignalRealm:        DefaultSignalRealm,
		SignalSkipVerify:   DefaultSignalSkipVerify,
		NegotiationTimeout: DefaultNegotiationTimeout,
		ICEAddress:         DefaultICEAddress,
		ICEUsername:        DefaultICEUsername,
		ICEPassword:        DefaultICEPassword,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Keyfile returns the full path of the file containing the identity private
// key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// CertFile returns the full path of the file containing the relay TLS
// certificate.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// ICEServers returns the list of ICE servers used by the WebRTC transport to
// connect to peers. The list contains a single item based on the ICE
// configuration values, limited to password-based authentication.
func (c *Config) ICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs:           []string{c.ICEAddress},
			Username:       c.ICEUsername,
			Credential:     c.ICEPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		},
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "peerlink".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(pathMap, new(prefixed.TextFormatter)))
		}
	}
	return c.logger.WithField("prefix", "peerlink")
}

// DefaultDataDir returns the default directory name for top-level peerlink
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Peerlink")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Peerlink")
		} else {
			return filepath.Join(home, ".peerlink")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
