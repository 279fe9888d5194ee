package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/internal/relay"
	"github.com/huskyhao/ScreenShare/pkg/config"
	apperrors "github.com/huskyhao/ScreenShare/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Role says which side of a session this participant is.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

type eventKind int

const (
	evtConnState eventKind = iota
	evtLocalCandidate
	evtGatheringDone
	evtGatheringTimeout
	evtNegotiationTimeout
	evtTrack
	evtControlArrived
	evtControlOpen
	evtControlData
	evtRTCP
	evtReconnect
	evtGrace
	evtAttachMedia
	evtConnectPeer
	evtQualityRequest
)

// loopEvent is the internal union consumed by the dispatch loop. Every
// asynchronous source (signaling reads, pion callbacks, timers) funnels
// through it, which keeps all link state single-threaded.
type loopEvent struct {
	kind eventKind
	peer domain.ConnID
	gen  int

	connState   webrtc.PeerConnectionState
	candidate   *webrtc.ICECandidateInit
	remoteTrack *webrtc.TrackRemote
	channel     *webrtc.DataChannel
	data        []byte
	track       webrtc.TrackLocal
	quality     string

	fractionLost float64
	jitter       uint32
}

// Options configures a coordinator.
type Options struct {
	Role      Role
	SessionID domain.SessionID // requested id for hosts, target id for viewers
	Config    *config.Config
	Logger    *zap.Logger
}

// Coordinator is the per-participant engine: it turns relay-delivered
// signaling into live peer connections and reports lifecycle events to
// its owner. One instance exclusively owns its peer link set.
type Coordinator struct {
	role             Role
	requestedSession domain.SessionID

	iceServers           []webrtc.ICEServer
	gatheringTimeout     time.Duration
	negotiationTimeout   time.Duration
	offerGracePeriod     time.Duration
	reconnectMaxFailures int
	reconnectInterval    time.Duration
	statsInterval        time.Duration
	controlRetransmits   uint16

	signalingURL    string
	connectAttempts int
	connectInterval time.Duration
	connectTimeout  time.Duration
	replyTimeout    time.Duration

	mu        sync.Mutex
	started   bool
	sc        *signalingClient
	connID    domain.ConnID
	sessionID domain.SessionID
	hostConn  domain.ConnID

	links       map[domain.ConnID]*peerLink
	localTrack  webrtc.TrackLocal
	peerQuality map[domain.ConnID]string

	loopCh   chan loopEvent
	events   chan domain.Event
	quit     chan struct{}
	loopDone chan struct{}
	backlog  []relay.Envelope

	shutdownOnce sync.Once

	logger *zap.SugaredLogger
}

// New builds a coordinator; Initialize must be called before use.
func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &Coordinator{
		role:             opts.Role,
		requestedSession: opts.SessionID,

		iceServers:           iceServers,
		gatheringTimeout:     cfg.WebRTC.GatheringTimeout,
		negotiationTimeout:   cfg.WebRTC.NegotiationTimeout,
		offerGracePeriod:     cfg.WebRTC.OfferGracePeriod,
		reconnectMaxFailures: cfg.WebRTC.ReconnectMaxFailures,
		reconnectInterval:    cfg.WebRTC.ReconnectInterval,
		statsInterval:        cfg.WebRTC.StatsInterval,
		controlRetransmits:   cfg.WebRTC.ControlRetransmits,

		signalingURL:    cfg.Signaling.URL,
		connectAttempts: cfg.Signaling.ConnectAttempts,
		connectInterval: cfg.Signaling.ConnectInterval,
		connectTimeout:  cfg.Signaling.ConnectTimeout,
		replyTimeout:    cfg.Signaling.ReplyTimeout,

		links:       make(map[domain.ConnID]*peerLink),
		peerQuality: make(map[domain.ConnID]string),
		loopCh:      make(chan loopEvent, 256),
		events:      make(chan domain.Event, 64),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),

		logger: log.Named("coordinator").Sugar(),
	}
}

func (c *Coordinator) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.iceServers}
}

// Events is the surface the owning capture/UI layer consumes.
func (c *Coordinator) Events() <-chan domain.Event {
	return c.events
}

// ConnID returns the relay-assigned identity, valid after Initialize.
func (c *Coordinator) ConnID() domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// SessionID returns the effective session id, valid after Initialize.
func (c *Coordinator) SessionID() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// PeerQuality returns the last quality preference a peer signalled.
func (c *Coordinator) PeerQuality(peer domain.ConnID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.peerQuality[peer]
	return q, ok
}

// Initialize opens the relay connection, announces or joins the
// session, and starts the dispatch loop. Failures abort the whole call;
// the caller decides whether to retry.
func (c *Coordinator) Initialize(ctx context.Context) error {
	sc, err := dialSignaling(ctx, c.signalingURL, c.connectAttempts, c.connectInterval, c.connectTimeout, c.logger)
	if err != nil {
		return err
	}

	welcome, err := c.awaitEnvelope(ctx, sc, relay.TypeWelcome)
	if err != nil {
		sc.close()
		return err
	}
	var hello relay.WelcomePayload
	if err := json.Unmarshal(welcome.Payload, &hello); err != nil {
		sc.close()
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "malformed welcome payload")
	}

	switch c.role {
	case RoleHost:
		if err := sc.send(relay.NewEnvelope(relay.TypeCreateStream, relay.CreateStreamPayload{SessionID: c.requestedSession})); err != nil {
			sc.close()
			return err
		}
		reply, err := c.awaitEnvelope(ctx, sc, relay.TypeStreamCreated)
		if err != nil {
			sc.close()
			return err
		}
		var created relay.StreamCreatedPayload
		if err := json.Unmarshal(reply.Payload, &created); err != nil {
			sc.close()
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "malformed stream-created payload")
		}
		c.mu.Lock()
		c.sessionID = created.SessionID
		c.mu.Unlock()

	case RoleViewer:
		if err := sc.send(relay.NewEnvelope(relay.TypeJoinStream, relay.JoinStreamPayload{SessionID: c.requestedSession})); err != nil {
			sc.close()
			return err
		}
		reply, err := c.awaitEnvelope(ctx, sc, relay.TypeJoinedStream, relay.TypeError)
		if err != nil {
			sc.close()
			return err
		}
		if reply.Type == relay.TypeError {
			sc.close()
			var errPayload relay.ErrorPayload
			json.Unmarshal(reply.Payload, &errPayload)
			return joinErrorFromMessage(string(c.requestedSession), errPayload.Message)
		}
		var joined relay.JoinedStreamPayload
		if err := json.Unmarshal(reply.Payload, &joined); err != nil {
			sc.close()
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "malformed joined-stream payload")
		}
		c.mu.Lock()
		c.sessionID = joined.SessionID
		c.hostConn = joined.HostConnID
		c.mu.Unlock()

	default:
		sc.close()
		return apperrors.NewInvalidInput("role must be host or viewer")
	}

	c.mu.Lock()
	c.sc = sc
	c.connID = hello.ConnID
	c.started = true
	c.mu.Unlock()

	go c.run()

	if c.role == RoleViewer {
		// Resilience fallback: if the host never initiates (a missed
		// viewer-joined notification), the viewer offers first.
		host := c.hostConn
		time.AfterFunc(c.offerGracePeriod, func() {
			c.post(loopEvent{kind: evtGrace, peer: host})
		})
	}

	c.logger.Infow("coordinator initialized",
		"role", c.role, "conn_id", c.connID, "session_id", c.sessionID)
	return nil
}

// awaitEnvelope waits for one of the wanted message types, stashing
// anything else for the dispatch loop so no notification is lost.
func (c *Coordinator) awaitEnvelope(ctx context.Context, sc *signalingClient, wanted ...string) (relay.Envelope, error) {
	deadline := time.NewTimer(c.replyTimeout)
	defer deadline.Stop()

	for {
		select {
		case env, ok := <-sc.incoming:
			if !ok {
				return relay.Envelope{}, apperrors.NewSignalingUnavailable("signaling connection closed during setup", nil)
			}
			for _, w := range wanted {
				if env.Type == w {
					return env, nil
				}
			}
			c.backlog = append(c.backlog, env)
		case <-deadline.C:
			return relay.Envelope{}, apperrors.NewNegotiationTimeout(strings.Join(wanted, "|"))
		case <-ctx.Done():
			return relay.Envelope{}, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeSignalingUnavailable, "initialization cancelled")
		}
	}
}

// joinErrorFromMessage maps the relay's error text back to a typed
// failure. The wire carries text only, so the mapping keys on it.
func joinErrorFromMessage(sessionID, message string) error {
	switch {
	case strings.Contains(message, "unreachable"):
		return apperrors.NewHostUnreachable(sessionID)
	case strings.Contains(message, "not found"):
		return apperrors.NewSessionNotFound(sessionID)
	default:
		return apperrors.New(apperrors.ErrCodeSignalingUnavailable, message)
	}
}

// Connect proactively starts negotiation with a peer. Hosts call this
// implicitly for every joining viewer.
func (c *Coordinator) Connect(peer domain.ConnID) {
	c.post(loopEvent{kind: evtConnectPeer, peer: peer})
}

// AttachMedia sets or replaces the local media handle on every open
// link; links created afterwards pick it up automatically.
func (c *Coordinator) AttachMedia(track webrtc.TrackLocal) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.localTrack = track
		return
	}
	c.post(loopEvent{kind: evtAttachMedia, track: track})
}

// RequestQuality signals a quality preference to the session host over
// the control channel (viewer side).
func (c *Coordinator) RequestQuality(value string) {
	c.mu.Lock()
	host := c.hostConn
	c.mu.Unlock()
	c.post(loopEvent{kind: evtQualityRequest, peer: host, quality: value})
}

// post delivers an event to the dispatch loop without ever blocking a
// pion callback. Events posted after shutdown are dropped.
func (c *Coordinator) post(ev loopEvent) {
	select {
	case c.loopCh <- ev:
	case <-c.quit:
	}
}

func (c *Coordinator) emit(ev domain.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("event queue full, dropping event", "type", ev.Type)
	}
}

// run is the dispatch loop. It is the only goroutine that touches link
// state, which is what makes the ordering guarantees testable.
func (c *Coordinator) run() {
	defer close(c.loopDone)

	statsTicker := time.NewTicker(c.statsInterval)
	defer statsTicker.Stop()

	for _, env := range c.backlog {
		c.handleEnvelope(env)
	}
	c.backlog = nil

	for {
		select {
		case env, ok := <-c.sc.incoming:
			if !ok {
				c.emit(domain.Event{Type: domain.EventError,
					Err: apperrors.NewSignalingUnavailable("signaling connection lost", nil)})
				c.teardown()
				return
			}
			c.handleEnvelope(env)

		case ev := <-c.loopCh:
			c.handleLoopEvent(ev)

		case <-statsTicker.C:
			c.handleStatsTick()

		case <-c.quit:
			c.teardown()
			return
		}
	}
}

func (c *Coordinator) handleEnvelope(env relay.Envelope) {
	switch env.Type {
	case relay.TypeSignal:
		var fwd relay.SignalForwardPayload
		if err := json.Unmarshal(env.Payload, &fwd); err != nil {
			c.logger.Warnw("malformed signal envelope", "error", err)
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(fwd.Data, &msg); err != nil {
			c.logger.Warnw("malformed signal payload", "from", fwd.From, "error", err)
			return
		}
		c.handleSignal(fwd.From, msg)

	case relay.TypeViewerJoined:
		var payload relay.ViewerJoinedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(domain.Event{Type: domain.EventViewerJoined,
			PeerID: domain.PeerID(payload.ViewerID), SessionID: payload.SessionID})
		if c.role == RoleHost {
			c.connectToPeer(payload.ViewerID)
		}

	case relay.TypeViewerLeft:
		var payload relay.ViewerLeftPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.emit(domain.Event{Type: domain.EventViewerLeft,
			PeerID: domain.PeerID(payload.ViewerID), SessionID: payload.SessionID})
		c.dropLink(payload.ViewerID)

	case relay.TypeStreamEnded:
		var payload relay.StreamEndedPayload
		json.Unmarshal(env.Payload, &payload)
		c.emit(domain.Event{Type: domain.EventStreamEnded, SessionID: payload.SessionID})
		for peer := range c.links {
			c.dropLink(peer)
		}

	case relay.TypeError:
		var payload relay.ErrorPayload
		json.Unmarshal(env.Payload, &payload)
		c.emit(domain.Event{Type: domain.EventError,
			Err: apperrors.New(apperrors.ErrCodeInternal, payload.Message)})

	default:
		c.logger.Debugw("ignoring signaling message", "type", env.Type)
	}
}

func (c *Coordinator) handleSignal(from domain.ConnID, msg signalMessage) {
	switch msg.Kind {
	case signalOffer:
		c.handleRemoteOffer(from, msg)
	case signalAnswer:
		c.handleRemoteAnswer(from, msg)
	case signalCandidate:
		c.handleRemoteCandidate(from, msg)
	default:
		c.logger.Warnw("unknown signal kind", "from", from, "kind", msg.Kind)
	}
}

func (c *Coordinator) handleRemoteOffer(from domain.ConnID, msg signalMessage) {
	if msg.SDP == nil {
		c.logger.Warnw("offer without sdp", "from", from)
		return
	}

	link, ok := c.links[from]
	if ok && link.state == domain.LinkStateOfferSent {
		// Offer glare. The host keeps its own offer; the viewer yields
		// and answers the host's instead.
		if c.role == RoleHost {
			c.logger.Debugw("offer glare, keeping local offer", "peer_id", from)
			return
		}
		link = c.rebuildLink(link, false)
		if link == nil {
			return
		}
	} else if !ok {
		var err error
		link, err = c.ensureLink(from, false)
		if err != nil {
			c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(from), Err: err})
			return
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		c.logger.Errorw("failed to apply remote offer", "peer_id", from, "error", err)
		c.linkFailure(link)
		return
	}
	link.remoteDescSet = true
	link.setState(domain.LinkStateOfferReceived)
	if err := link.flushPending(); err != nil {
		c.logger.Warnw("candidate replay failed", "peer_id", from, "error", err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		c.logger.Errorw("failed to create answer", "peer_id", from, "error", err)
		c.linkFailure(link)
		return
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		c.logger.Errorw("failed to set local answer", "peer_id", from, "error", err)
		c.linkFailure(link)
		return
	}
	if err := c.sc.sendSignal(from, signalMessage{
		Kind: signalAnswer,
		SDP:  &sdpPayload{Type: "answer", SDP: answer.SDP},
	}); err != nil {
		c.logger.Errorw("failed to send answer", "peer_id", from, "error", err)
		return
	}
	link.setState(domain.LinkStateAnswered)
}

func (c *Coordinator) handleRemoteAnswer(from domain.ConnID, msg signalMessage) {
	link, ok := c.links[from]
	if !ok || msg.SDP == nil {
		c.logger.Debugw("answer for unknown link", "from", from)
		return
	}
	if link.state != domain.LinkStateOfferSent {
		c.logger.Debugw("unexpected answer", "peer_id", from, "state", link.state)
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP.SDP}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		c.logger.Errorw("failed to apply remote answer", "peer_id", from, "error", err)
		c.linkFailure(link)
		return
	}
	link.remoteDescSet = true
	if link.negotiationTimer != nil {
		link.negotiationTimer.Stop()
		link.negotiationTimer = nil
	}
	link.setState(domain.LinkStateAnswered)
	if err := link.flushPending(); err != nil {
		c.logger.Warnw("candidate replay failed", "peer_id", from, "error", err)
	}
}

func (c *Coordinator) handleRemoteCandidate(from domain.ConnID, msg signalMessage) {
	if msg.Candidate == nil {
		return
	}
	link, err := c.ensureLink(from, false)
	if err != nil {
		c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(from), Err: err})
		return
	}

	init := webrtc.ICECandidateInit{
		Candidate:        msg.Candidate.Candidate,
		SDPMid:           msg.Candidate.SDPMid,
		SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
		UsernameFragment: msg.Candidate.UsernameFragment,
	}
	if !link.remoteDescSet {
		link.bufferCandidate(init)
		return
	}
	if err := link.pc.AddICECandidate(init); err != nil {
		c.logger.Warnw("failed to add remote candidate", "peer_id", from, "error", err)
	}
}

// ensureLink returns the existing link for a peer or creates one; there
// is never more than one link per peer.
func (c *Coordinator) ensureLink(peer domain.ConnID, initiator bool) (*peerLink, error) {
	if link, ok := c.links[peer]; ok && !link.closed {
		return link, nil
	}
	link, err := c.newPeerLink(peer, initiator, 0)
	if err != nil {
		return nil, err
	}
	c.links[peer] = link
	return link, nil
}

// rebuildLink replaces a link's peer connection while carrying over its
// reconnect budget. Used for reconnect attempts and glare resolution.
func (c *Coordinator) rebuildLink(old *peerLink, initiator bool) *peerLink {
	peer := old.peerID
	breaker := old.breaker
	nextGen := old.gen + 1
	old.close()
	delete(c.links, peer)

	link, err := c.newPeerLink(peer, initiator, nextGen)
	if err != nil {
		c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(peer), Err: err})
		return nil
	}
	link.breaker = breaker
	c.links[peer] = link
	return link
}

func (c *Coordinator) connectToPeer(peer domain.ConnID) {
	link, err := c.ensureLink(peer, true)
	if err != nil {
		c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(peer), Err: err})
		return
	}
	if link.state != domain.LinkStateNew {
		return
	}
	c.sendOffer(link)
}

func (c *Coordinator) sendOffer(link *peerLink) {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		c.logger.Errorw("failed to create offer", "peer_id", link.peerID, "error", err)
		c.linkFailure(link)
		return
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		c.logger.Errorw("failed to set local offer", "peer_id", link.peerID, "error", err)
		c.linkFailure(link)
		return
	}
	if err := c.sc.sendSignal(link.peerID, signalMessage{
		Kind: signalOffer,
		SDP:  &sdpPayload{Type: "offer", SDP: offer.SDP},
	}); err != nil {
		c.logger.Errorw("failed to send offer", "peer_id", link.peerID, "error", err)
		return
	}
	link.setState(domain.LinkStateOfferSent)
	c.armNegotiationTimer(link)
}

func (c *Coordinator) handleLoopEvent(ev loopEvent) {
	switch ev.kind {
	case evtConnectPeer:
		c.connectToPeer(ev.peer)

	case evtGrace:
		// Only fires work if the host never initiated.
		link, ok := c.links[ev.peer]
		if ok && link.state != domain.LinkStateNew {
			return
		}
		c.logger.Infow("host did not offer within grace period, offering first", "peer_id", ev.peer)
		c.connectToPeer(ev.peer)

	case evtAttachMedia:
		c.attachMediaLocked(ev.track)

	case evtQualityRequest:
		c.sendControl(ev.peer, controlMessage{Type: controlQualityChange, Value: ev.quality})

	default:
		link, ok := c.links[ev.peer]
		if !ok || link.closed || link.gen != ev.gen {
			// Late callback against a rebuilt or closed link.
			return
		}
		c.handleLinkEvent(link, ev)
	}
}

func (c *Coordinator) handleLinkEvent(link *peerLink, ev loopEvent) {
	switch ev.kind {
	case evtLocalCandidate:
		if err := c.sc.sendSignal(link.peerID, signalMessage{
			Kind: signalCandidate,
			Candidate: &candidatePayload{
				Candidate:        ev.candidate.Candidate,
				SDPMid:           ev.candidate.SDPMid,
				SDPMLineIndex:    ev.candidate.SDPMLineIndex,
				UsernameFragment: ev.candidate.UsernameFragment,
			},
		}); err != nil {
			c.logger.Warnw("failed to send candidate", "peer_id", link.peerID, "error", err)
		}

	case evtGatheringDone:
		link.iceGatheringDone = true
		if link.gatherTimer != nil {
			link.gatherTimer.Stop()
			link.gatherTimer = nil
		}

	case evtGatheringTimeout:
		if !link.iceGatheringDone {
			c.logger.Warnw("ice gathering timed out, forcing done", "peer_id", link.peerID)
			link.iceGatheringDone = true
		}

	case evtNegotiationTimeout:
		if link.state == domain.LinkStateOfferSent {
			c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(link.peerID),
				Err: apperrors.NewNegotiationTimeout("answer")})
			c.linkFailure(link)
		}

	case evtConnState:
		c.handleConnState(link, ev.connState)

	case evtTrack:
		c.emit(domain.Event{Type: domain.EventTrack,
			PeerID: domain.PeerID(link.peerID), Track: ev.remoteTrack})

	case evtControlArrived:
		link.control = ev.channel

	case evtControlOpen:
		c.sendControl(link.peerID, controlMessage{
			Type: controlPing, Timestamp: time.Now().UnixMilli(),
		})

	case evtControlData:
		c.handleControlData(link, ev.data)

	case evtRTCP:
		link.lastLost = ev.fractionLost
		link.lastJitter = ev.jitter

	case evtReconnect:
		c.attemptReconnect(link)
	}
}

func (c *Coordinator) handleConnState(link *peerLink, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.setState(domain.LinkStateConnected)
		link.breaker.Success()
		c.emit(domain.Event{Type: domain.EventPeerConnected, PeerID: domain.PeerID(link.peerID)})

	case webrtc.PeerConnectionStateDisconnected:
		link.setState(domain.LinkStateDisconnected)
		c.emit(domain.Event{Type: domain.EventPeerDisconnected, PeerID: domain.PeerID(link.peerID)})
		c.scheduleReconnect(link)

	case webrtc.PeerConnectionStateFailed:
		c.linkFailure(link)
	}
}

// linkFailure charges the reconnect budget and either schedules another
// attempt or escalates to a terminal failure event.
func (c *Coordinator) linkFailure(link *peerLink) {
	link.breaker.Failure()
	link.setState(domain.LinkStateFailed)

	if link.breaker.Exhausted() {
		c.emit(domain.Event{Type: domain.EventPeerFailed, PeerID: domain.PeerID(link.peerID),
			Err: apperrors.NewNegotiationFailed(string(link.peerID))})
		c.dropLink(link.peerID)
		return
	}
	c.scheduleReconnect(link)
}

// scheduleReconnect arms a reconnect attempt respecting the minimum
// spacing. Only the offering side re-offers; the responder waits.
func (c *Coordinator) scheduleReconnect(link *peerLink) {
	if !link.initiator {
		return
	}
	delay := link.breaker.NextAttemptIn()
	if delay < 0 {
		c.emit(domain.Event{Type: domain.EventPeerFailed, PeerID: domain.PeerID(link.peerID),
			Err: apperrors.NewNegotiationFailed(string(link.peerID))})
		c.dropLink(link.peerID)
		return
	}

	peer := link.peerID
	gen := link.gen
	time.AfterFunc(delay, func() {
		c.post(loopEvent{kind: evtReconnect, peer: peer, gen: gen})
	})
}

func (c *Coordinator) attemptReconnect(link *peerLink) {
	if link.state != domain.LinkStateDisconnected && link.state != domain.LinkStateFailed {
		return
	}
	if !link.breaker.Allow() {
		if link.breaker.Exhausted() {
			c.emit(domain.Event{Type: domain.EventPeerFailed, PeerID: domain.PeerID(link.peerID),
				Err: apperrors.NewNegotiationFailed(string(link.peerID))})
			c.dropLink(link.peerID)
		}
		return
	}

	c.logger.Infow("reconnecting to peer",
		"peer_id", link.peerID, "attempt_failures", link.breaker.Failures())
	fresh := c.rebuildLink(link, true)
	if fresh == nil {
		return
	}
	c.sendOffer(fresh)
}

func (c *Coordinator) handleControlData(link *peerLink, data []byte) {
	msg, err := decodeControl(data)
	if err != nil {
		c.logger.Warnw("bad control message", "peer_id", link.peerID, "error", err)
		return
	}

	switch msg.Type {
	case controlPing:
		c.sendControl(link.peerID, controlMessage{Type: controlPong, Timestamp: msg.Timestamp})

	case controlPong:
		link.lastRTTMillis = time.Now().UnixMilli() - msg.Timestamp

	case controlStats:
		c.logger.Debugw("peer stats received", "peer_id", link.peerID, "payload", string(msg.Payload))

	case controlQualityChange:
		c.mu.Lock()
		c.peerQuality[link.peerID] = msg.Value
		c.mu.Unlock()
		c.logger.Infow("peer requested quality change", "peer_id", link.peerID, "value", msg.Value)

	default:
		// Unknown control types are logged and ignored, never fatal.
		c.logger.Debugw("unknown control message type", "peer_id", link.peerID, "type", msg.Type)
	}
}

// sendControl pushes a control message to one peer, if its channel is
// open. Control failures never touch the media path.
func (c *Coordinator) sendControl(peer domain.ConnID, msg controlMessage) {
	link, ok := c.links[peer]
	if !ok || link.control == nil {
		return
	}
	if link.control.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := encodeControl(msg)
	if err != nil {
		c.logger.Warnw("control encode failed", "peer_id", peer, "error", err)
		return
	}
	if err := link.control.Send(data); err != nil {
		c.emit(domain.Event{Type: domain.EventError, PeerID: domain.PeerID(peer),
			Err: apperrors.NewControlChannelError("control send failed", err)})
	}
}

func (c *Coordinator) attachMediaLocked(track webrtc.TrackLocal) {
	c.localTrack = track
	for _, link := range c.links {
		if link.closed {
			continue
		}
		if link.sender != nil {
			if err := link.sender.ReplaceTrack(track); err != nil {
				c.logger.Errorw("failed to replace track", "peer_id", link.peerID, "error", err)
			}
			continue
		}
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			c.logger.Errorw("failed to attach track", "peer_id", link.peerID, "error", err)
			continue
		}
		link.sender = sender
		go c.readSenderRTCP(link.peerID, link.gen, sender)

		// Adding a track to an established link needs renegotiation.
		if link.state == domain.LinkStateConnected && link.initiator {
			c.sendOffer(link)
		}
	}
}

func (c *Coordinator) dropLink(peer domain.ConnID) {
	link, ok := c.links[peer]
	if !ok {
		return
	}
	link.close()
	delete(c.links, peer)
}

// Shutdown closes every link, stops timers, ends the hosted session and
// disconnects from the relay. Safe to call multiple times and safe to
// call when initialization never completed.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.quit)

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if started {
			<-c.loopDone
		} else {
			c.teardown()
		}
	})
}

func (c *Coordinator) teardown() {
	for peer, link := range c.links {
		link.close()
		delete(c.links, peer)
	}

	c.mu.Lock()
	sc := c.sc
	sessionID := c.sessionID
	c.mu.Unlock()

	if sc != nil {
		if c.role == RoleHost && sessionID != "" {
			sc.send(relay.NewEnvelope(relay.TypeEndStream, relay.EndStreamPayload{SessionID: sessionID}))
		}
		sc.close()
	}

	close(c.events)
	c.logger.Infow("coordinator shut down", "role", c.role, "session_id", sessionID)
}
