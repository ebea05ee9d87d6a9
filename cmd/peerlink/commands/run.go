package commands

import (
	"bufio"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mosaicnetworks/peerlink/src/crypto/keys"
	"github.com/mosaicnetworks/peerlink/src/events"
	"github.com/mosaicnetworks/peerlink/src/peer"
	"github.com/mosaicnetworks/peerlink/src/peerlink"
	"github.com/mosaicnetworks/peerlink/src/signal"
	"github.com/mosaicnetworks/peerlink/src/signal/wamp"
	"github.com/mosaicnetworks/peerlink/src/signal/ws"
)

//NewRunCmd returns the command that connects to a remote peer, or listens for
//an incoming connection, and pipes stdin and stdout through the session.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Open a peer-to-peer session",
		PreRunE: loadConfig,
		RunE:    runPeerlink,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runPeerlink(cmd *cobra.Command, args []string) error {
	logger := _config.Peerlink.Logger()

	if _config.Listen == (_config.Connect != "") {
		return fmt.Errorf("exactly one of --listen and --connect is required")
	}

	factory := peer.NewWebRTCFactory(peer.WebRTCConfig{
		ICEServers: _config.Peerlink.ICEServers(),
	}, logger)

	manager := peerlink.NewConnectionManager(
		&_config.Peerlink,
		newChannel(logger),
		factory,
		nil,
	)

	done := make(chan struct{})

	manager.Subscribe(peerlink.DataEvent, "cli", func(e events.Event) {
		fmt.Printf("%v\n", e.Payload)
	})
	manager.Subscribe(peerlink.ConnectEvent, "cli", func(e events.Event) {
		logger.Info("Session established")
	})
	manager.Subscribe(peerlink.DisconnectEvent, "cli", func(e events.Event) {
		logger.Info("Session ended")
	})
	manager.Subscribe(peerlink.ErrorEvent, "cli", func(e events.Event) {
		logger.Errorf("%v", e.Payload)
	})
	manager.Subscribe(peerlink.CloseEvent, "cli", func(e events.Event) {
		close(done)
	})

	if err := manager.Start(); err != nil {
		return err
	}

	logger.WithField("id", manager.ID()).Info("Online")

	if _config.Listen {
		manager.Subscribe(peerlink.ConnectionEvent, "cli", func(e events.Event) {
			conn := e.Payload.(peerlink.Connection)
			logger.WithField("remote", conn.RemotePeerID).Info("Incoming connection")
			go func() {
				if err := manager.AcceptConnection(); err != nil {
					logger.Errorf("%v", err)
				}
			}()
		})
		if err := manager.ListenConnections(); err != nil {
			manager.Close()
			return err
		}
	} else {
		go func() {
			if err := manager.ConnectTo(_config.Connect); err != nil {
				logger.Errorf("%v", err)
				manager.Close()
			}
		}()
	}

	// Forward stdin lines over the session.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := manager.Send(scanner.Text()); err != nil {
				logger.Debugf("%v", err)
			}
		}
	}()

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		manager.Close()
		<-done
	case <-done:
	}

	return nil
}

// newChannel builds the signaling channel selected by the configuration. The
// default binding is WAMP, matching the signal server in this repository.
func newChannel(logger *logrus.Entry) signal.Channel {
	if _config.WS {
		return ws.NewChannel(ws.Config{
			Server:     _config.Peerlink.SignalAddr,
			PeerType:   _config.Peerlink.PeerType,
			PeerID:     _config.Peerlink.PeerID,
			Key:        _config.Peerlink.Key,
			Insecure:   _config.Insecure,
			CAFile:     _config.Peerlink.CertFile(),
			SkipVerify: _config.Peerlink.SignalSkipVerify,
		}, logger)
	}

	return wamp.NewChannel(wamp.Config{
		Server:     _config.Peerlink.SignalAddr,
		Realm:      _config.Peerlink.SignalRealm,
		PeerType:   _config.Peerlink.PeerType,
		PeerID:     _config.Peerlink.PeerID,
		Key:        _config.Peerlink.Key,
		Insecure:   _config.Insecure,
		CAFile:     _config.Peerlink.CertFile(),
		SkipVerify: _config.Peerlink.SignalSkipVerify,
		Logger:     logger,
	})
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.Peerlink.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Peerlink.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.Peerlink.LogFile, "Duplicate log output to a file")

	// Signaling
	cmd.Flags().StringP("signal-addr", "s", _config.Peerlink.SignalAddr, "IP:Port of the signaling relay")
	cmd.Flags().String("signal-realm", _config.Peerlink.SignalRealm, "Administrative routing domain within the relay")
	cmd.Flags().Bool("signal-skip-verify", _config.Peerlink.SignalSkipVerify, "Ignore the relay certificate (testing only)")
	cmd.Flags().String("peer-type", _config.Peerlink.PeerType, "Peer type, partitions the relay roster")
	cmd.Flags().String("peer-id", _config.Peerlink.PeerID, "Peer id; derived from the identity key, or relay-assigned, if empty")
	cmd.Flags().String("key", _config.Peerlink.Key, "Relay access key")
	cmd.Flags().Bool("ws", _config.WS, "Use the plain websocket signaling binding")
	cmd.Flags().Bool("insecure", _config.Insecure, "Connect to the relay without TLS (testing only)")

	// Session
	cmd.Flags().BoolP("listen", "l", _config.Listen, "Accept an incoming connection")
	cmd.Flags().StringP("connect", "c", _config.Connect, "Id of the remote peer to connect to")
	cmd.Flags().DurationP("negotiation-timeout", "t", _config.Peerlink.NegotiationTimeout, "Negotiation timeout when accepting")

	// ICE
	cmd.Flags().String("ice-addr", _config.Peerlink.ICEAddress, "URI of a STUN/TURN server")
	cmd.Flags().String("ice-username", _config.Peerlink.ICEUsername, "Username for the ICE server")
	cmd.Flags().String("ice-password", _config.Peerlink.ICEPassword, "Password for the ICE server")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	if err := loadIdentity(); err != nil {
		return err
	}

	_config.Peerlink.Logger().WithFields(logrus.Fields{
		"peerlink.DataDir":            _config.Peerlink.DataDir,
		"peerlink.PeerType":           _config.Peerlink.PeerType,
		"peerlink.PeerID":             _config.Peerlink.PeerID,
		"peerlink.SignalAddr":         _config.Peerlink.SignalAddr,
		"peerlink.SignalRealm":        _config.Peerlink.SignalRealm,
		"peerlink.SignalSkipVerify":   _config.Peerlink.SignalSkipVerify,
		"peerlink.NegotiationTimeout": _config.Peerlink.NegotiationTimeout,
		"peerlink.ICEAddress":         _config.Peerlink.ICEAddress,
		"WS":                          _config.WS,
		"Insecure":                    _config.Insecure,
		"Listen":                      _config.Listen,
		"Connect":                     _config.Connect,
	}).Debug("RUN")

	return nil
}

// loadIdentity reads the identity key from the datadir, if present, and
// derives the peer id from it when none was configured.
func loadIdentity() error {
	keyfile := _config.Peerlink.Keyfile()

	if _, err := os.Stat(keyfile); os.IsNotExist(err) {
		return nil
	}

	key, err := keys.NewSimpleKeyfile(keyfile).ReadKey()
	if err != nil {
		return fmt.Errorf("reading identity key: %v", err)
	}

	_config.Peerlink.IdentityKey = key

	if _config.Peerlink.PeerID == "" {
		_config.Peerlink.PeerID = keys.PeerID(&key.PublicKey)
	}

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/peerlink.toml (.json, .yaml also work)
	viper.SetConfigName("peerlink")               // name of config file (without extension)
	viper.AddConfigPath(_config.Peerlink.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Peerlink.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Peerlink.Logger().Debugf("No config file found in: %s", _config.Peerlink.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
