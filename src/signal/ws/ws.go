// Package ws implements the signal.Channel interface over a plain JSON
// websocket connection to a relay.
//
// The relay is addressed as scheme://host/peer-type[/peer-id[/key]]; the
// optional path segments are only present if supplied in the configuration.
// On join, the relay announces the effective peer id with a status "online"
// message, which is consumed during Open and not forwarded.
package ws

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/mosaicnetworks/peerlink/src/signal"
	"github.com/sirupsen/logrus"
)

// helloTimeout bounds the wait for the relay's join announcement.
const helloTimeout = 10 * time.Second

// Config groups the parameters of a websocket signaling channel.
type Config struct {
	// Server is the host:port of the relay.
	Server string

	// PeerType partitions the relay's roster. Peers only see peers of the
	// same type.
	PeerType string

	// PeerID identifies this endpoint at the relay. If empty, the relay
	// assigns one.
	PeerID string

	// Key is an optional validation key checked by the relay.
	Key string

	// Insecure uses ws instead of wss. Only for testing.
	Insecure bool

	// CAFile optionally points to a PEM certificate to trust when connecting
	// over wss.
	CAFile string

	// SkipVerify disables verification of the relay's certificate chain.
	// Only for testing.
	SkipVerify bool
}

// Channel implements signal.Channel over a websocket connection.
type Channel struct {
	signal.StateHolder

	conf     Config
	id       string
	conn     *websocket.Conn
	consumer chan signal.Inbound

	writeMu   sync.Mutex
	closeOnce sync.Once

	logger *logrus.Entry
}

// NewChannel instantiates a websocket channel. The connection is not
// established until Open is called.
func NewChannel(conf Config, logger *logrus.Entry) *Channel {
	return &Channel{
		conf:     conf,
		id:       conf.PeerID,
		consumer: make(chan signal.Inbound),
		logger:   logger,
	}
}

func (c *Channel) url() string {
	scheme := "wss"
	if c.conf.Insecure {
		scheme = "ws"
	}

	url := fmt.Sprintf("%s://%s/%s", scheme, c.conf.Server, c.conf.PeerType)
	if c.conf.PeerID != "" {
		url += "/" + c.conf.PeerID
		if c.conf.Key != "" {
			url += "/" + c.conf.Key
		}
	}

	return url
}

// tlsConfig prepares the TLS client configuration, optionally trusting a
// PEM-encoded certificate from CAFile. When the certificate file is absent,
// the platform's trusted certificates are used.
func (c *Channel) tlsConfig() (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if c.conf.SkipVerify {
		c.logger.Debug("Skip Verify. Accepting any certificate provided by the relay.")
		tlscfg.InsecureSkipVerify = true
	} else if _, err := os.Stat(c.conf.CAFile); c.conf.CAFile == "" || os.IsNotExist(err) {
		c.logger.Debug("No certificate file found. Relying on platform trusted certificates.")
	} else {
		certPEM, err := ioutil.ReadFile(c.conf.CAFile)
		if err != nil {
			return nil, err
		}

		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(certPEM) {
			return nil, errors.New("failed to import certificate to trust")
		}

		tlscfg.RootCAs = roots

		// Set ServerName to the CN of the trusted cert so that the
		// certificate validates even if CN does not match the DNS name.
		block, _ := pem.Decode(certPEM)
		if block == nil {
			return nil, errors.New("failed to decode certificate to trust")
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}

		c.logger.Debugf("Trusting certificate %s with CN: %s", c.conf.CAFile, cert.Subject.CommonName)

		tlscfg.ServerName = cert.Subject.CommonName
	}

	return tlscfg, nil
}

// Open implements signal.Channel. It dials the relay, waits for the join
// announcement carrying the effective peer id, and starts the read loop.
func (c *Channel) Open() error {
	tlscfg, err := c.tlsConfig()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlscfg,
		HandshakeTimeout: helloTimeout,
	}

	conn, _, err := dialer.Dial(c.url(), nil)
	if err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	c.conn = conn

	// The relay's first message announces the effective peer id.
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}
	conn.SetReadDeadline(time.Time{})

	hello, err := signal.Decode(raw)
	if err != nil || hello.Type != signal.TypeStatus || hello.Status != signal.StatusOnline {
		conn.Close()
		return common.NewSignalingError(common.BadSignal, "unexpected relay announcement", string(raw))
	}

	if hello.ID != "" {
		c.id = hello.ID
	}

	c.SetState(signal.Open)

	c.logger.WithField("id", c.id).Debug("Signaling channel open")

	go c.readLoop()

	return nil
}

func (c *Channel) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.SetState(signal.Closed)
			close(c.consumer)
			return
		}

		msg, err := signal.Decode(raw)
		if err != nil {
			c.consumer <- signal.Inbound{Err: err, Raw: raw}
			continue
		}

		c.consumer <- signal.Inbound{Msg: msg}
	}
}

// State implements signal.Channel.
func (c *Channel) State() signal.State {
	return c.GetState()
}

// ID implements signal.Channel.
func (c *Channel) ID() string {
	return c.id
}

// Send implements signal.Channel. It fails immediately if the channel is not
// open.
func (c *Channel) Send(msg signal.Message) error {
	if s := c.GetState(); s != signal.Open {
		return common.NewSignalingError(
			common.WSError,
			fmt.Sprintf("signaling channel is %s", s),
			nil,
		)
	}

	raw, err := msg.Encode()
	if err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	return nil
}

// Consumer implements signal.Channel.
func (c *Channel) Consumer() <-chan signal.Inbound {
	return c.consumer
}

// Close implements signal.Channel. It is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.SetState(signal.Closing)
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.conn.Close()
		} else {
			// Never opened; the read loop is not running so the consumer
			// must be closed here.
			close(c.consumer)
		}
		c.SetState(signal.Closed)
	})
	return nil
}
