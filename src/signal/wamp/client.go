package wamp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/mosaicnetworks/peerlink/src/signal"
)

// consumerBuffer bounds the inbound delivery queue. The router preserves
// publication order per topic.
const consumerBuffer = 256

// Config regroups the parameters of a WAMP signaling channel.
type Config struct {
	// Server is the address of the WAMP relay (host:port).
	Server string

	// Realm is the WAMP realm to join.
	Realm string

	// PeerType groups endpoints into rosters.
	PeerType string

	// PeerID is the requested peer id. If empty, the relay assigns one.
	PeerID string

	// Key is the relay access key.
	Key string

	// Insecure uses ws:// instead of wss://.
	Insecure bool

	// CAFile is a PEM-encoded certificate to trust. If empty, platform
	// trusted certificates are used.
	CAFile string

	// SkipVerify accepts any certificate presented by the relay.
	SkipVerify bool

	// ResponseTimeout bounds RPC calls to the relay.
	ResponseTimeout time.Duration

	Logger *logrus.Entry
}

// Channel implements signal.Channel over a WAMP session.
type Channel struct {
	signal.StateHolder

	conf   Config
	id     string
	client *client.Client

	consumer chan signal.Inbound
	teardown sync.Once

	logger *logrus.Entry
}

// NewChannel instantiates a WAMP channel. The connection is only established
// when Open is called.
func NewChannel(conf Config) *Channel {
	if conf.ResponseTimeout == 0 {
		conf.ResponseTimeout = 10 * time.Second
	}
	if conf.Logger == nil {
		conf.Logger = logrus.NewEntry(logrus.New())
	}
	return &Channel{
		conf:     conf,
		id:       conf.PeerID,
		consumer: make(chan signal.Inbound, consumerBuffer),
		logger:   conf.Logger,
	}
}

// Open implements signal.Channel. It connects to the relay router, joins the
// relay, and subscribes to the per-peer topic.
func (c *Channel) Open() error {
	tlscfg, err := c.tlsConfig()
	if err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	cfg := client.Config{
		Realm:           c.conf.Realm,
		ResponseTimeout: c.conf.ResponseTimeout,
		TlsCfg:          tlscfg,
		Logger:          c.logger,
	}

	scheme := "wss"
	if c.conf.Insecure {
		scheme = "ws"
	}
	routerURL := fmt.Sprintf("%s://%s", scheme, c.conf.Server)

	cli, err := client.ConnectNet(context.Background(), routerURL, cfg)
	if err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}
	c.client = cli

	if err := c.join(); err != nil {
		cli.Close()
		return err
	}

	if err := cli.Subscribe(peerTopic(c.id), c.eventHandler, nil); err != nil {
		cli.Close()
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	c.SetState(signal.Open)

	go func() {
		<-cli.Done()
		c.close()
	}()

	c.logger.WithField("id", c.id).Debug("Joined WAMP relay")

	return nil
}

// join calls the relay's join procedure and records the assigned id.
func (c *Channel) join() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.ResponseTimeout)
	defer cancel()

	args := wamp.List{c.conf.PeerType, c.conf.PeerID, c.conf.Key}

	result, err := c.client.Call(ctx, procJoin, nil, args, nil, nil)
	if err != nil {
		return common.NewSignalingError(common.WSError, err.Error(), nil)
	}

	if len(result.Arguments) < 1 {
		return common.NewSignalingError(common.WSError, "empty join response", nil)
	}

	raw, ok := wamp.AsString(result.Arguments[0])
	if !ok {
		return common.NewSignalingError(common.WSError, "unreadable join response", nil)
	}

	msg, err := signal.Decode([]byte(raw))
	if err != nil {
		return common.NewSignalingError(common.BadMessage, err.Error(), raw)
	}

	if msg.Type != signal.TypeStatus || msg.Status != signal.StatusOnline {
		return common.NewSignalingError(common.WSError,
			fmt.Sprintf("unexpected join response type %q", msg.Type), raw)
	}

	c.id = msg.ID

	return nil
}

// eventHandler forwards messages published on the per-peer topic to the
// consumer channel.
func (c *Channel) eventHandler(event *wamp.Event) {
	if len(event.Arguments) < 1 {
		return
	}

	raw, ok := wamp.AsString(event.Arguments[0])
	if !ok {
		return
	}

	msg, err := signal.Decode([]byte(raw))
	if err != nil {
		c.consumer <- signal.Inbound{Err: err, Raw: []byte(raw)}
		return
	}

	c.consumer <- signal.Inbound{Msg: msg}
}

// State implements signal.Channel.
func (c *Channel) State() signal.State {
	return c.GetState()
}

// ID implements signal.Channel.
func (c *Channel) ID() string {
	return c.id
}

// Send implements signal.Channel. It submits the message to the relay
// procedure.
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
		return common.NewSignalingError(common.BadMessage, err.Error(), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.ResponseTimeout)
	defer cancel()

	args := wamp.List{c.id, string(raw)}

	if _, err := c.client.Call(ctx, procRelay, nil, args, nil, nil); err != nil {
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
	c.close()
	return nil
}

func (c *Channel) close() {
	c.teardown.Do(func() {
		c.SetState(signal.Closing)
		if c.client != nil {
			c.client.Unsubscribe(peerTopic(c.id))
			c.client.Close()
		}
		close(c.consumer)
		c.SetState(signal.Closed)
	})
}

// tlsConfig builds the TLS configuration used to dial the relay.
func (c *Channel) tlsConfig() (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if c.conf.SkipVerify {
		c.logger.Debug("Skip Verify. Accepting any certificate provided by signal server.")
		tlscfg.InsecureSkipVerify = true
		return tlscfg, nil
	}

	if _, err := os.Stat(c.conf.CAFile); os.IsNotExist(err) {
		c.logger.Debugf("No certificate file found. Relying on platform trusted certificates.")
		return tlscfg, nil
	}

	// Load PEM-encoded certificate to trust.
	certPEM, err := ioutil.ReadFile(c.conf.CAFile)
	if err != nil {
		return nil, err
	}

	// Create CertPool containing the certificate to trust.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("failed to import certificate to trust")
	}

	tlscfg.RootCAs = roots

	// Decode and parse the server cert to extract the subject info.
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate to trust")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("Trusting certificate %s with CN: %s", c.conf.CAFile, cert.Subject.CommonName)

	// Set ServerName in TLS config to CN from trusted cert so that
	// certificate will validate if CN does not match DNS name.
	tlscfg.ServerName = cert.Subject.CommonName

	return tlscfg, nil
}
