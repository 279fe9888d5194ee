package media

import (
	"context"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	defaultClockRate = 90000
	defaultFPS       = 30
	payloadSize      = 1000
)

// Source produces a synthetic video RTP stream. It stands in for a real
// screen capturer so the pipeline can be exercised end to end without
// platform capture hooks.
type Source struct {
	track    *webrtc.TrackLocalStaticRTP
	fps      int
	ssrc     uint32
	payloadT uint8
	logger   *zap.SugaredLogger
}

// NewSource builds a VP8-typed synthetic source with its local track.
func NewSource(id, streamID string, log *zap.Logger) (*Source, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: defaultClockRate},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	return &Source{
		track:    track,
		fps:      defaultFPS,
		ssrc:     rand.Uint32(),
		payloadT: 96,
		logger:   log.Named("media").Sugar(),
	}, nil
}

// Track returns the attachable local track.
func (s *Source) Track() webrtc.TrackLocal {
	return s.track
}

// Run writes one synthetic packet per frame interval until the context
// is cancelled. WriteRTP errors on a track with no attached sender are
// expected and skipped.
func (s *Source) Run(ctx context.Context) {
	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	tsStep := uint32(defaultClockRate / s.fps)

	payload := make([]byte, payloadSize)

	s.logger.Infow("synthetic source started", "fps", s.fps, "ssrc", s.ssrc)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synthetic source stopped")
			return
		case <-ticker.C:
			for i := range payload {
				payload[i] = byte(seq) ^ byte(i)
			}
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					PayloadType:    s.payloadT,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           s.ssrc,
				},
				Payload: payload,
			}
			if err := s.track.WriteRTP(pkt); err != nil {
				s.logger.Debugw("rtp write skipped", "error", err)
			}
			seq++
			ts += tsStep
		}
	}
}
