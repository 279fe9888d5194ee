package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/internal/relay"
	apperrors "github.com/huskyhao/ScreenShare/pkg/errors"
	"github.com/huskyhao/ScreenShare/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// signalKind tags the negotiation blobs relayed between peers. The
// relay never looks inside these; only coordinators do.
type signalKind string

const (
	signalOffer     signalKind = "offer"
	signalAnswer    signalKind = "answer"
	signalCandidate signalKind = "candidate"
)

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type signalMessage struct {
	Kind      signalKind        `json:"kind"`
	SDP       *sdpPayload       `json:"sdp,omitempty"`
	Candidate *candidatePayload `json:"candidate,omitempty"`
}

// signalingClient is the coordinator's persistent relay connection.
// Reads are funneled into a channel consumed by the dispatch loop;
// writes are serialized by a mutex.
type signalingClient struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	incoming chan relay.Envelope

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

// dialSignaling connects to the relay, retrying on a fixed interval up
// to the configured attempt budget, all bounded by the connect timeout.
func dialSignaling(ctx context.Context, url string, attempts int, interval, timeout time.Duration, log *zap.SugaredLogger) (*signalingClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := retry.DoWithResult(dialCtx, retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: interval,
		Multiplier:   1.0,
	}, func() (*websocket.Conn, error) {
		c, _, dialErr := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
		if dialErr != nil {
			log.Debugw("signaling dial attempt failed", "url", url, "error", dialErr)
			return nil, dialErr
		}
		return c, nil
	})
	if err != nil {
		return nil, apperrors.NewSignalingUnavailable(
			fmt.Sprintf("cannot reach signaling relay at %s", url), err)
	}

	sc := &signalingClient{
		conn:     conn,
		incoming: make(chan relay.Envelope, 64),
		done:     make(chan struct{}),
		logger:   log,
	}
	go sc.readLoop()
	return sc, nil
}

func (sc *signalingClient) readLoop() {
	defer close(sc.incoming)
	for {
		var env relay.Envelope
		if err := sc.conn.ReadJSON(&env); err != nil {
			select {
			case <-sc.done:
			default:
				sc.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}
		select {
		case sc.incoming <- env:
		case <-sc.done:
			return
		}
	}
}

func (sc *signalingClient) send(env relay.Envelope) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.conn.WriteJSON(env); err != nil {
		return apperrors.NewSignalingUnavailable("failed to send signaling message", err)
	}
	return nil
}

// sendSignal wraps a negotiation blob for delivery to one peer.
func (sc *signalingClient) sendSignal(to domain.ConnID, msg signalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	return sc.send(relay.NewEnvelope(relay.TypeSignal, relay.SignalPayload{
		To:   to,
		Data: data,
	}))
}

func (sc *signalingClient) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.conn.Close()
	})
}
