package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/internal/monitoring"
	"github.com/huskyhao/ScreenShare/internal/relay"
	"github.com/huskyhao/ScreenShare/pkg/circuitbreaker"
	"github.com/huskyhao/ScreenShare/pkg/config"
	apperrors "github.com/huskyhao/ScreenShare/pkg/errors"

	"github.com/gorilla/websocket"
	gowebrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWait = 5 * time.Second

func startTestRelay(t *testing.T) string {
	t.Helper()

	cfg := config.DefaultConfig()
	metrics := monitoring.NewCollector(prometheus.NewRegistry())
	server := relay.NewServer(cfg, zap.NewNop(), metrics)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testConfig(signalingURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Signaling.URL = signalingURL
	cfg.Signaling.ConnectAttempts = 1
	cfg.Signaling.ReplyTimeout = 3 * time.Second
	cfg.WebRTC.OfferGracePeriod = 200 * time.Millisecond
	return cfg
}

func TestJoinErrorFromMessage(t *testing.T) {
	err := joinErrorFromMessage("s1", "session not found")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))

	err = joinErrorFromMessage("s1", "session host is unreachable")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHostUnreachable))

	err = joinErrorFromMessage("s1", "something else")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingUnavailable))
}

func TestShutdownBeforeInitialize(t *testing.T) {
	coord := New(Options{Role: RoleHost, Config: config.DefaultConfig(), Logger: zap.NewNop()})
	coord.Shutdown()
	coord.Shutdown()

	_, ok := <-coord.Events()
	assert.False(t, ok, "event channel should be closed")
}

func TestHostInitializeAndShutdown(t *testing.T) {
	url := startTestRelay(t)

	coord := New(Options{
		Role:      RoleHost,
		SessionID: "demo",
		Config:    testConfig(url),
		Logger:    zap.NewNop(),
	})

	require.NoError(t, coord.Initialize(context.Background()))
	assert.Equal(t, domain.SessionID("demo"), coord.SessionID())
	assert.NotEmpty(t, coord.ConnID())

	coord.Shutdown()
}

func TestInitializeFailsWhenRelayIsDown(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.Signaling.ConnectInterval = 10 * time.Millisecond

	coord := New(Options{Role: RoleHost, Config: cfg, Logger: zap.NewNop()})
	err := coord.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingUnavailable))

	coord.Shutdown()
}

func TestViewerJoinUnknownSession(t *testing.T) {
	url := startTestRelay(t)

	coord := New(Options{
		Role:      RoleViewer,
		SessionID: "nope",
		Config:    testConfig(url),
		Logger:    zap.NewNop(),
	})

	err := coord.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
}

// rawViewer joins a session over the relay wire protocol directly, so
// the test controls that side of the conversation.
type rawViewer struct {
	conn   *websocket.Conn
	connID domain.ConnID
}

func joinRaw(t *testing.T, url string, sessionID domain.SessionID) *rawViewer {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readRaw(t, conn)
	require.Equal(t, relay.TypeWelcome, env.Type)
	var welcome relay.WelcomePayload
	require.NoError(t, json.Unmarshal(env.Payload, &welcome))

	require.NoError(t, conn.WriteJSON(relay.NewEnvelope(relay.TypeJoinStream,
		relay.JoinStreamPayload{SessionID: sessionID})))
	env = readRaw(t, conn)
	require.Equal(t, relay.TypeJoinedStream, env.Type)

	return &rawViewer{conn: conn, connID: welcome.ConnID}
}

func readRaw(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	var env relay.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHostOffersToJoiningViewer(t *testing.T) {
	url := startTestRelay(t)

	coord := New(Options{
		Role:   RoleHost,
		Config: testConfig(url),
		Logger: zap.NewNop(),
	})
	require.NoError(t, coord.Initialize(context.Background()))
	defer coord.Shutdown()

	viewer := joinRaw(t, url, coord.SessionID())

	// The host reports the join and initiates negotiation.
	select {
	case ev := <-coord.Events():
		assert.Equal(t, domain.EventViewerJoined, ev.Type)
		assert.Equal(t, domain.PeerID(viewer.connID), ev.PeerID)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for viewer-joined event")
	}

	for {
		env := readRaw(t, viewer.conn)
		if env.Type != relay.TypeSignal {
			continue
		}
		var fwd relay.SignalForwardPayload
		require.NoError(t, json.Unmarshal(env.Payload, &fwd))
		assert.Equal(t, coord.ConnID(), fwd.From)

		var msg signalMessage
		require.NoError(t, json.Unmarshal(fwd.Data, &msg))
		if msg.Kind == signalCandidate {
			continue
		}
		require.Equal(t, signalOffer, msg.Kind)
		require.NotNil(t, msg.SDP)
		assert.Contains(t, msg.SDP.SDP, "v=0")
		return
	}
}

func TestViewerOffersAfterGracePeriod(t *testing.T) {
	url := startTestRelay(t)

	// A host that never initiates: raw connection, create only.
	hostConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hostConn.Close() })
	require.Equal(t, relay.TypeWelcome, readRaw(t, hostConn).Type)
	require.NoError(t, hostConn.WriteJSON(relay.NewEnvelope(relay.TypeCreateStream,
		relay.CreateStreamPayload{SessionID: "idle-host"})))
	require.Equal(t, relay.TypeStreamCreated, readRaw(t, hostConn).Type)

	coord := New(Options{
		Role:      RoleViewer,
		SessionID: "idle-host",
		Config:    testConfig(url),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, coord.Initialize(context.Background()))
	defer coord.Shutdown()

	// The viewer's grace period elapses and it offers first.
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		env := readRaw(t, hostConn)
		if env.Type != relay.TypeSignal {
			continue
		}
		var fwd relay.SignalForwardPayload
		require.NoError(t, json.Unmarshal(env.Payload, &fwd))
		var msg signalMessage
		require.NoError(t, json.Unmarshal(fwd.Data, &msg))
		if msg.Kind == signalOffer {
			return
		}
	}
	t.Fatal("host never received the viewer's fallback offer")
}

func TestStreamEndedEventOnHostShutdown(t *testing.T) {
	url := startTestRelay(t)

	host := New(Options{Role: RoleHost, Config: testConfig(url), Logger: zap.NewNop()})
	require.NoError(t, host.Initialize(context.Background()))

	viewer := joinRaw(t, url, host.SessionID())

	host.Shutdown()

	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		env := readRaw(t, viewer.conn)
		if env.Type == relay.TypeStreamEnded {
			return
		}
	}
	t.Fatal("viewer never saw stream-ended")
}

// Two coordinators against an in-process relay negotiate a real peer
// connection over loopback ICE.
func TestEndToEndNegotiation(t *testing.T) {
	url := startTestRelay(t)

	host := New(Options{Role: RoleHost, Config: testConfig(url), Logger: zap.NewNop()})
	require.NoError(t, host.Initialize(context.Background()))
	defer host.Shutdown()

	viewer := New(Options{
		Role:      RoleViewer,
		SessionID: host.SessionID(),
		Config:    testConfig(url),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, viewer.Initialize(context.Background()))
	defer viewer.Shutdown()

	waitForConnected := func(name string, events <-chan domain.Event) {
		deadline := time.After(15 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				require.True(t, ok, "%s event channel closed early", name)
				switch ev.Type {
				case domain.EventPeerConnected:
					return
				case domain.EventPeerFailed:
					t.Fatalf("%s: peer failed during negotiation: %v", name, ev.Err)
				}
			case <-deadline:
				t.Fatalf("%s never reached peer-connected", name)
			}
		}
	}

	waitForConnected("host", host.Events())
	waitForConnected("viewer", viewer.Events())
}

func TestPeerLinkCandidateBufferOrder(t *testing.T) {
	link := &peerLink{state: domain.LinkStateNew}

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		link.bufferCandidate(gowebrtc.ICECandidateInit{Candidate: c})
	}

	require.Len(t, link.pendingRemote, 3)
	assert.Equal(t, "cand-1", link.pendingRemote[0].Candidate)
	assert.Equal(t, "cand-3", link.pendingRemote[2].Candidate)
}

func TestLinkFailureExhaustsReconnectBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ReconnectMaxFailures = 3
	coord := New(Options{Role: RoleViewer, Config: cfg, Logger: zap.NewNop()})

	pc, err := gowebrtc.NewPeerConnection(gowebrtc.Configuration{})
	require.NoError(t, err)

	link := &peerLink{
		peerID:  "host-1",
		state:   domain.LinkStateConnected,
		pc:      pc,
		breaker: circuitbreaker.New(circuitbreaker.Config{MaxFailures: 3, MinInterval: time.Millisecond}),
	}
	coord.links["host-1"] = link

	// Two failures stay within budget: no terminal event yet.
	coord.linkFailure(link)
	coord.linkFailure(link)
	select {
	case ev := <-coord.events:
		t.Fatalf("unexpected event before budget exhausted: %v", ev.Type)
	default:
	}

	coord.linkFailure(link)
	select {
	case ev := <-coord.events:
		assert.Equal(t, domain.EventPeerFailed, ev.Type)
		assert.True(t, apperrors.HasCode(ev.Err, apperrors.ErrCodeNegotiationFailed))
	default:
		t.Fatal("expected terminal peer-failed event")
	}

	// The link was dropped and closed.
	_, ok := coord.links["host-1"]
	assert.False(t, ok)
	assert.Equal(t, domain.LinkStateClosed, link.state)
}

func TestPeerLinkCloseIsIdempotent(t *testing.T) {
	pc, err := gowebrtc.NewPeerConnection(gowebrtc.Configuration{})
	require.NoError(t, err)

	link := &peerLink{peerID: "p1", state: domain.LinkStateNew, pc: pc}
	link.bufferCandidate(gowebrtc.ICECandidateInit{Candidate: "cand"})

	link.close()
	assert.Equal(t, domain.LinkStateClosed, link.state)
	assert.Nil(t, link.pendingRemote)

	link.close()
	assert.Equal(t, domain.LinkStateClosed, link.state)
}
