package coordinator

import (
	"encoding/json"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// PeerStats is a point-in-time snapshot of one link's transport health.
type PeerStats struct {
	PeerID        domain.ConnID `json:"peerId"`
	State         string        `json:"state"`
	BytesSent     uint64        `json:"bytesSent"`
	BytesReceived uint64        `json:"bytesReceived"`
	RTTMillis     int64         `json:"rttMs"`
	FractionLost  float64       `json:"fractionLost"`
	Jitter        uint32        `json:"jitter"`
}

// handleStatsTick runs on every stats interval inside the dispatch
// loop: it pings each connected peer for RTT and pushes this side's
// transport snapshot over the control channel.
func (c *Coordinator) handleStatsTick() {
	now := time.Now().UnixMilli()
	for peer, link := range c.links {
		if link.closed || link.state != domain.LinkStateConnected {
			continue
		}
		c.sendControl(peer, controlMessage{Type: controlPing, Timestamp: now})

		snap := c.snapshotLink(link)
		payload, err := json.Marshal(linkStats{
			BytesSent:     snap.BytesSent,
			BytesReceived: snap.BytesReceived,
			RTTMillis:     snap.RTTMillis,
			FractionLost:  snap.FractionLost,
			Jitter:        snap.Jitter,
		})
		if err != nil {
			continue
		}
		c.sendControl(peer, controlMessage{Type: controlStats, Timestamp: now, Payload: payload})

		c.logger.Debugw("link stats",
			"peer_id", peer,
			"state", link.state,
			"bytes_sent", snap.BytesSent,
			"bytes_received", snap.BytesReceived,
			"rtt_ms", snap.RTTMillis,
			"fraction_lost", snap.FractionLost,
		)
	}
}

// snapshotLink merges pion transport counters with the RTT and loss
// figures collected from control pongs and RTCP reports.
func (c *Coordinator) snapshotLink(link *peerLink) PeerStats {
	snap := PeerStats{
		PeerID:       link.peerID,
		State:        string(link.state),
		RTTMillis:    link.lastRTTMillis,
		FractionLost: link.lastLost,
		Jitter:       link.lastJitter,
	}
	for _, s := range link.pc.GetStats() {
		if t, ok := s.(webrtc.TransportStats); ok {
			snap.BytesSent += t.BytesSent
			snap.BytesReceived += t.BytesReceived
		}
	}
	return snap
}

// readSenderRTCP drains receiver reports for an outgoing track and
// feeds loss and jitter back to the dispatch loop. Exits when the
// underlying transport closes.
func (c *Coordinator) readSenderRTCP(peer domain.ConnID, gen int, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				c.post(loopEvent{
					kind:         evtRTCP,
					peer:         peer,
					gen:          gen,
					fractionLost: float64(report.FractionLost) / 256.0,
					jitter:       report.Jitter,
				})
			}
		}
	}
}
