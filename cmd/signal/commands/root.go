package commands

import (
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mosaicnetworks/peerlink/src/config"
	"github.com/mosaicnetworks/peerlink/src/signal/wamp"
)

var (
	address  = "127.0.0.1:2443"
	realm    = config.DefaultSignalRealm
	key      = ""
	certFile = ""
	keyFile  = ""
	logLevel = "debug"
)

//RootCmd is the root command for the signaling relay
var RootCmd = &cobra.Command{
	Use:   "signal",
	Short: "WebRTC signaling relay over WAMP",
	RunE:  runServer,
}

func init() {
	RootCmd.Flags().StringVarP(&address, "listen", "l", address, "Listen IP:Port")
	RootCmd.Flags().StringVar(&realm, "realm", realm, "Administrative routing domain")
	RootCmd.Flags().StringVar(&key, "key", key, "Access key required from joining peers")
	RootCmd.Flags().StringVar(&certFile, "cert", certFile, "TLS certificate file; plain websockets if empty")
	RootCmd.Flags().StringVar(&keyFile, "cert-key", keyFile, "TLS certificate key file")
	RootCmd.Flags().StringVar(&logLevel, "log", logLevel, "debug, info, warn, error, fatal, panic")
}

// runServer starts the relay and waits for a SIGINT or SIGTERM
func runServer(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.Level = config.LogLevel(logLevel)

	server, err := wamp.NewServer(
		address,
		realm,
		key,
		certFile,
		keyFile,
		logger.WithField("prefix", "signal"),
	)
	if err != nil {
		return err
	}

	go server.Run()

	logger.WithField("listen", address).Info("Signaling relay started")

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	server.Shutdown()

	return nil
}
