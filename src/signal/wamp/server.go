package wamp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/peerlink/src/signal"
)

// member is the relay-side record of a connected peer.
type member struct {
	session    wamp.ID
	peerType   string
	pairedWith string
}

// Server implements the signaling relay on top of a WAMP router. It brokers
// pairing between connected peers and forwards opaque signal envelopes
// between paired peers. It is the server side of the WAMP signaling system.
type Server struct {
	address    string
	router     router.Router
	httpServer *http.Server
	session    *client.Client
	logger     *logrus.Entry

	mu       sync.Mutex
	key      string
	nextID   int
	members  map[string]*member
	sessions map[wamp.ID]string
	order    []string
}

// NewServer instantiates a new relay Server at the specified address. If
// certFile is empty, the server speaks plain websockets; this should only be
// used for testing.
func NewServer(address string,
	realm string,
	key string,
	certFile string,
	keyFile string,
	logger *logrus.Entry) (*Server, error) {

	// Create router instance.
	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
				AllowDisclose: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	httpServer := &http.Server{
		Handler: wss,
		Addr:    address,
	}

	if certFile != "" {
		tlscfg := &tls.Config{}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			nxr.Close()
			return nil, fmt.Errorf("error loading X509 key pair: %s", err)
		}
		tlscfg.Certificates = append(tlscfg.Certificates, cert)
		httpServer.TLSConfig = tlscfg
	}

	res := &Server{
		address:    address,
		router:     nxr,
		httpServer: httpServer,
		logger:     logger,
		key:        key,
		members:    make(map[string]*member),
		sessions:   make(map[wamp.ID]string),
	}

	// The relay logic runs in an embedded local session which registers the
	// join and relay procedures and watches session departures.
	session, err := client.ConnectLocal(nxr, client.Config{
		Realm:  realm,
		Logger: logger,
	})
	if err != nil {
		nxr.Close()
		return nil, err
	}
	res.session = session

	if err := session.Register(procJoin, res.joinHandler,
		wamp.Dict{wamp.OptDiscloseCaller: true}); err != nil {
		res.teardown()
		return nil, err
	}

	if err := session.Register(procRelay, res.relayHandler,
		wamp.Dict{wamp.OptDiscloseCaller: true}); err != nil {
		res.teardown()
		return nil, err
	}

	if err := session.Subscribe(metaOnLeave, res.onLeave, nil); err != nil {
		res.teardown()
		return nil, err
	}

	return res, nil
}

// Run starts the websocket server. It blocks until the server is shut down.
func (s *Server) Run() error {
	var err error
	if s.httpServer.TLSConfig != nil {
		// The certificates have already been loaded in the TLSConfig.
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Run")
	}
	return err
}

// Shutdown stops the websocket server and the WAMP router.
func (s *Server) Shutdown() {
	defer s.teardown()

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down http server")
	}
}

// Addr returns the address of the server.
func (s *Server) Addr() string {
	return s.address
}

func (s *Server) teardown() {
	if s.session != nil {
		s.session.Close()
	}
	s.router.Close()
}

// joinHandler admits a peer into the relay, assigning an id if the peer did
// not request one. It returns the raw status-online message.
func (s *Server) joinHandler(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	if len(inv.Arguments) != 3 {
		return errResult(fmt.Sprintf("join expects 3 arguments, not %d", len(inv.Arguments)))
	}

	peerType, _ := wamp.AsString(inv.Arguments[0])
	peerID, _ := wamp.AsString(inv.Arguments[1])
	key, _ := wamp.AsString(inv.Arguments[2])

	caller, ok := wamp.AsID(inv.Details["caller"])
	if !ok {
		return errResult("caller not disclosed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != "" && key != s.key {
		return errResult("invalid key")
	}

	if peerID == "" {
		s.nextID++
		peerID = fmt.Sprintf("peer-%d", s.nextID)
	} else if _, taken := s.members[peerID]; taken {
		return errResult(fmt.Sprintf("id %s taken", peerID))
	}

	s.members[peerID] = &member{session: caller, peerType: peerType}
	s.sessions[caller] = peerID
	s.order = append(s.order, peerID)

	s.logger.WithFields(logrus.Fields{
		"id":   peerID,
		"type": peerType,
	}).Debug("Peer joined")

	raw, err := signal.Message{
		Type:   signal.TypeStatus,
		Status: signal.StatusOnline,
		ID:     peerID,
	}.Encode()
	if err != nil {
		return errResult(err.Error())
	}

	return client.InvokeResult{Args: wamp.List{string(raw)}}
}

// relayHandler processes one control message or signal envelope from a peer.
func (s *Server) relayHandler(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	if len(inv.Arguments) != 2 {
		return errResult(fmt.Sprintf("relay expects 2 arguments, not %d", len(inv.Arguments)))
	}

	peerID, _ := wamp.AsString(inv.Arguments[0])
	raw, _ := wamp.AsString(inv.Arguments[1])

	caller, ok := wamp.AsID(inv.Details["caller"])
	if !ok {
		return errResult("caller not disclosed")
	}

	msg, err := signal.Decode([]byte(raw))
	if err != nil {
		return errResult(fmt.Sprintf("bad message: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.members[peerID]
	if !ok || from.session != caller {
		return errResult(fmt.Sprintf("unknown peer %s", peerID))
	}

	s.handle(peerID, from, msg)

	return client.InvokeResult{}
}

// handle dispatches one message, under the relay lock.
func (s *Server) handle(fromID string, from *member, msg signal.Message) {
	switch msg.Type {
	case signal.TypePair:
		target, ok := s.members[msg.RemotePeerID]
		if !ok || msg.RemotePeerID == fromID || target.pairedWith != "" || from.pairedWith != "" {
			s.deliver(fromID, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
			return
		}
		from.pairedWith = msg.RemotePeerID
		target.pairedWith = fromID
		s.deliver(fromID, signal.Message{
			Type:         signal.TypeStatus,
			Status:       signal.StatusPaired,
			RemotePeerID: msg.RemotePeerID,
		})
		s.deliver(msg.RemotePeerID, signal.Message{
			Type:         signal.TypeStatus,
			Status:       signal.StatusPaired,
			RemotePeerID: fromID,
		})

	case signal.TypeUnpair:
		if from.pairedWith == "" {
			return
		}
		partner, ok := s.members[from.pairedWith]
		partnerID := from.pairedWith
		from.pairedWith = ""
		s.deliver(fromID, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		if ok {
			partner.pairedWith = ""
			s.deliver(partnerID, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		}

	case signal.TypeListPeers:
		peers := []signal.Peer{}
		for _, id := range s.order {
			m := s.members[id]
			if m.peerType != from.peerType {
				continue
			}
			peers = append(peers, signal.Peer{
				ID:   id,
				Type: m.peerType,
				Busy: m.pairedWith != "",
			})
		}
		s.deliver(fromID, signal.Message{Type: signal.TypePeers, Peers: peers})

	default:
		// Opaque envelope: forward verbatim to the paired peer, drop if
		// unpaired.
		if from.pairedWith != "" {
			s.deliver(from.pairedWith, msg)
		}
	}
}

// deliver publishes a message on the target peer's topic.
func (s *Server) deliver(id string, msg signal.Message) {
	raw, err := msg.Encode()
	if err != nil {
		s.logger.WithError(err).Error("Encoding relay message")
		return
	}
	if err := s.session.Publish(peerTopic(id), nil, wamp.List{string(raw)}, nil); err != nil {
		s.logger.WithError(err).WithField("id", id).Error("Publishing relay message")
	}
}

// onLeave removes departed sessions from the roster and unpairs their
// partner.
func (s *Server) onLeave(event *wamp.Event) {
	if len(event.Arguments) < 1 {
		return
	}
	session, ok := wamp.AsID(event.Arguments[0])
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.sessions[session]
	if !ok {
		return
	}

	m := s.members[id]
	if m != nil && m.pairedWith != "" {
		if partner, ok := s.members[m.pairedWith]; ok {
			partner.pairedWith = ""
			s.deliver(m.pairedWith, signal.Message{Type: signal.TypeStatus, Status: signal.StatusUnpaired})
		}
	}

	delete(s.sessions, session)
	delete(s.members, id)
	for i, ordered := range s.order {
		if ordered == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.logger.WithField("id", id).Debug("Peer left")
}

func errResult(msg string) client.InvokeResult {
	return client.InvokeResult{
		Err:  ErrRelayRequest,
		Args: wamp.List{msg},
	}
}
