package coordinator

import (
	"fmt"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/pkg/circuitbreaker"

	"github.com/pion/webrtc/v3"
)

// peerLink is this participant's view of one remote counterpart. All
// fields are owned by the coordinator's dispatch loop; pion callbacks
// never touch them directly, they post loop events instead.
type peerLink struct {
	peerID    domain.ConnID
	initiator bool
	state     domain.LinkState

	pc      *webrtc.PeerConnection
	control *webrtc.DataChannel
	sender  *webrtc.RTPSender

	// Candidates that arrived before the remote description. Replayed
	// in arrival order once the description is applied, never dropped.
	pendingRemote    []webrtc.ICECandidateInit
	remoteDescSet    bool
	iceGatheringDone bool

	breaker *circuitbreaker.Breaker

	// gen invalidates timer callbacks scheduled against an older
	// incarnation of this link's peer connection.
	gen int

	gatherTimer      *time.Timer
	negotiationTimer *time.Timer

	lastRTTMillis int64
	lastLost      float64
	lastJitter    uint32

	closed bool
}

func (l *peerLink) setState(state domain.LinkState) {
	l.state = state
}

func (l *peerLink) bufferCandidate(cand webrtc.ICECandidateInit) {
	l.pendingRemote = append(l.pendingRemote, cand)
}

// flushPending applies buffered remote candidates in arrival order.
// Valid only after the remote description has been set.
func (l *peerLink) flushPending() error {
	for _, cand := range l.pendingRemote {
		if err := l.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("failed to apply buffered candidate: %w", err)
		}
	}
	l.pendingRemote = nil
	return nil
}

func (l *peerLink) stopTimers() {
	if l.gatherTimer != nil {
		l.gatherTimer.Stop()
		l.gatherTimer = nil
	}
	if l.negotiationTimer != nil {
		l.negotiationTimer.Stop()
		l.negotiationTimer = nil
	}
}

// close releases all per-peer resources. Idempotent.
func (l *peerLink) close() {
	if l.closed {
		return
	}
	l.closed = true
	l.stopTimers()
	l.pendingRemote = nil
	if l.control != nil {
		l.control.Close()
	}
	if l.pc != nil {
		l.pc.Close()
	}
	l.setState(domain.LinkStateClosed)
}

// newPeerLink builds the pion peer connection for one remote peer and
// wires its callbacks into the dispatch loop. At most one link per peer
// exists; callers go through ensureLink.
func (c *Coordinator) newPeerLink(peer domain.ConnID, initiator bool, gen int) (*peerLink, error) {
	pc, err := webrtc.NewPeerConnection(c.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := &peerLink{
		peerID:    peer,
		initiator: initiator,
		state:     domain.LinkStateNew,
		pc:        pc,
		gen:       gen,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			MaxFailures: c.reconnectMaxFailures,
			MinInterval: c.reconnectInterval,
		}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.post(loopEvent{kind: evtGatheringDone, peer: peer, gen: gen})
			return
		}
		init := cand.ToJSON()
		c.post(loopEvent{kind: evtLocalCandidate, peer: peer, gen: gen, candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(loopEvent{kind: evtConnState, peer: peer, gen: gen, connState: state})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.post(loopEvent{kind: evtTrack, peer: peer, gen: gen, remoteTrack: track})
	})

	if initiator {
		retransmits := c.controlRetransmits
		ordered := true
		dc, dcErr := pc.CreateDataChannel("control", &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if dcErr != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create control channel: %w", dcErr)
		}
		link.control = dc
		c.wireControlChannel(peer, gen, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != "control" {
				c.logger.Debugw("ignoring unexpected data channel", "peer_id", peer, "label", dc.Label())
				return
			}
			c.post(loopEvent{kind: evtControlArrived, peer: peer, gen: gen, channel: dc})
			c.wireControlChannel(peer, gen, dc)
		})
	}

	if c.localTrack != nil {
		sender, addErr := pc.AddTrack(c.localTrack)
		if addErr != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to attach local media: %w", addErr)
		}
		link.sender = sender
		go c.readSenderRTCP(peer, gen, sender)
	}

	// ICE gathering gets its own watchdog so a stalled platform ICE
	// stack cannot block negotiation forever.
	link.gatherTimer = time.AfterFunc(c.gatheringTimeout, func() {
		c.post(loopEvent{kind: evtGatheringTimeout, peer: peer, gen: gen})
	})

	return link, nil
}

func (c *Coordinator) wireControlChannel(peer domain.ConnID, gen int, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.post(loopEvent{kind: evtControlOpen, peer: peer, gen: gen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.post(loopEvent{kind: evtControlData, peer: peer, gen: gen, data: msg.Data})
	})
}

// armNegotiationTimer bounds the wait for the counterpart's description.
// Fires only if the link is still mid-negotiation for this generation.
func (c *Coordinator) armNegotiationTimer(link *peerLink) {
	gen := link.gen
	peer := link.peerID
	if link.negotiationTimer != nil {
		link.negotiationTimer.Stop()
	}
	link.negotiationTimer = time.AfterFunc(c.negotiationTimeout, func() {
		c.post(loopEvent{kind: evtNegotiationTimeout, peer: peer, gen: gen})
	})
}
