package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mosaicnetworks/peerlink/src/common"
	"github.com/pion/datachannel"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// maxMessageSize is the read buffer size of the detached data channel. One
// Read returns one SCTP message.
const maxMessageSize = 65536

// envelope is the wire format of the signal envelopes exchanged during WebRTC
// negotiation. The engine relays these verbatim; only the two transports
// interpret them. The type tags never collide with the reserved relay control
// tags.
type envelope struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

const (
	envOffer     = "offer"
	envAnswer    = "answer"
	envCandidate = "candidate"
)

// WebRTCConfig groups the options of the WebRTC transport.
type WebRTCConfig struct {
	// ICEServers used for connectivity establishment (STUN/TURN).
	ICEServers []webrtc.ICEServer

	// LocalTracks are outbound media tracks added to every peer connection.
	LocalTracks []*webrtc.Track

	// ChannelOptions are passed through to the data channel, untouched.
	ChannelOptions *webrtc.DataChannelInit
}

// NewWebRTCFactory returns a TransportFactory producing WebRTC transports.
func NewWebRTCFactory(conf WebRTCConfig, logger *logrus.Entry) TransportFactory {
	return func(initiator bool) (Transport, error) {
		return newWebRTCTransport(initiator, conf, logger)
	}
}

// webRTCTransport implements Transport around a pion PeerConnection with a
// detached data channel.
type webRTCTransport struct {
	pc        *webrtc.PeerConnection
	initiator bool

	signals chan json.RawMessage
	events  chan Event

	mu                sync.Mutex
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	channel           datachannel.ReadWriteCloser

	closeOnce sync.Once

	logger *logrus.Entry
}

func newWebRTCTransport(initiator bool, conf WebRTCConfig, logger *logrus.Entry) (*webRTCTransport, error) {
	// Create a SettingEngine and enable Detach
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: conf.ICEServers,
	})
	if err != nil {
		return nil, err
	}

	t := &webRTCTransport{
		pc:        pc,
		initiator: initiator,
		signals:   make(chan json.RawMessage, 16),
		events:    make(chan Event, 16),
		logger:    logger,
	}

	pc.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		t.logger.WithField("state", connectionState.String()).Debug("ICE Connection State has changed")
		if connectionState == webrtc.ICEConnectionStateFailed {
			t.emitEvent(Event{Kind: ErrorEvent, Err: fmt.Errorf("ICE connection failed")})
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emitEnvelope(envelope{Type: envCandidate, Candidate: &init})
	})

	for _, track := range conf.LocalTracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnTrack(func(track *webrtc.Track, receiver *webrtc.RTPReceiver) {
		t.emitEvent(Event{Kind: StreamEvent, Stream: track})
	})

	if initiator {
		// The initiator creates the data channel and speaks first with an
		// SDP offer.
		dc, err := pc.CreateDataChannel("data", conf.ChannelOptions)
		if err != nil {
			pc.Close()
			return nil, err
		}
		t.pipeDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, err
		}
		t.emitEnvelope(envelope{Type: envOffer, SDP: &offer})
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.pipeDataChannel(dc)
		})
	}

	return t, nil
}

// pipeDataChannel detaches the data channel when it opens, reports the
// connection, and starts the read loop.
func (t *webRTCTransport) pipeDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			t.logger.WithError(err).Error("Error detaching DataChannel")
			t.emitEvent(Event{Kind: ErrorEvent, Err: err})
			return
		}

		t.mu.Lock()
		t.channel = raw
		t.mu.Unlock()

		t.emitEvent(Event{Kind: ConnectedEvent})

		go t.readLoop(raw)
	})
}

func (t *webRTCTransport) readLoop(raw datachannel.ReadWriteCloser) {
	buf := make([]byte, maxMessageSize)
	for {
		n, err := raw.Read(buf)
		if err != nil {
			t.emitEvent(Event{Kind: ClosedEvent})
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		t.emitEvent(Event{Kind: DataEvent, Data: payload})
	}
}

func (t *webRTCTransport) emitEnvelope(env envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		t.logger.WithError(err).Error("Error encoding signal envelope")
		return
	}

	select {
	case t.signals <- raw:
	default:
		t.logger.Warn("Dropping signal envelope, consumer not keeping up")
	}
}

func (t *webRTCTransport) emitEvent(e Event) {
	select {
	case t.events <- e:
	default:
		t.logger.WithField("kind", e.Kind.String()).Warn("Dropping transport event")
	}
}

// Signals implements Transport.
func (t *webRTCTransport) Signals() <-chan json.RawMessage {
	return t.signals
}

// Deliver implements Transport. It routes a remote envelope into the
// handshake. Candidates arriving before the remote description are queued and
// flushed once it is set.
func (t *webRTCTransport) Deliver(raw json.RawMessage) error {
	env := envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return common.NewPeerConnectionError(common.BadSignal, err.Error(), string(raw))
	}

	switch env.Type {
	case envOffer:
		if t.initiator || env.SDP == nil {
			return common.NewPeerConnectionError(common.WebRTCError, "unexpected offer", nil)
		}
		if err := t.pc.SetRemoteDescription(*env.SDP); err != nil {
			return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
		}
		t.flushCandidates()

		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
		}
		t.emitEnvelope(envelope{Type: envAnswer, SDP: &answer})

	case envAnswer:
		if !t.initiator || env.SDP == nil {
			return common.NewPeerConnectionError(common.WebRTCError, "unexpected answer", nil)
		}
		if err := t.pc.SetRemoteDescription(*env.SDP); err != nil {
			return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
		}
		t.flushCandidates()

	case envCandidate:
		if env.Candidate == nil {
			return common.NewPeerConnectionError(common.WebRTCError, "empty candidate", nil)
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pendingCandidates = append(t.pendingCandidates, *env.Candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.pc.AddICECandidate(*env.Candidate); err != nil {
			return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
		}

	default:
		t.logger.WithField("type", env.Type).Debug("Ignoring unknown signal envelope")
	}

	return nil
}

func (t *webRTCTransport) flushCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.WithError(err).Error("Error adding queued ICE candidate")
		}
	}
}

// Send implements Transport.
func (t *webRTCTransport) Send(payload []byte) error {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()

	if channel == nil {
		return common.NewPeerConnectionError(common.WebRTCError, "data channel not open", nil)
	}

	if _, err := channel.Write(payload); err != nil {
		return common.NewPeerConnectionError(common.WebRTCError, err.Error(), nil)
	}

	return nil
}

// Events implements Transport.
func (t *webRTCTransport) Events() <-chan Event {
	return t.events
}

// Close implements Transport. It is idempotent.
func (t *webRTCTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		channel := t.channel
		t.mu.Unlock()

		if channel != nil {
			channel.Close()
		}
		t.pc.Close()
	})
	return nil
}
