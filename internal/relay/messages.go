package relay

import (
	"encoding/json"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
)

// Message type names are the wire contract shared with every client.
const (
	// client -> relay
	TypeCreateStream = "create-stream"
	TypeJoinStream   = "join-stream"
	TypeSignal       = "signal"
	TypeEndStream    = "end-stream"

	// relay -> client
	TypeWelcome       = "welcome"
	TypeStreamCreated = "stream-created"
	TypeJoinedStream  = "joined-stream"
	TypeViewerJoined  = "viewer-joined"
	TypeViewerLeft    = "viewer-left"
	TypeStreamEnded   = "stream-ended"
	TypeError         = "error"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals the payload into an envelope. Marshalling a
// payload built from our own types cannot fail, so errors are dropped.
func NewEnvelope(msgType string, payload interface{}) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Type: msgType, Payload: data}
}

type CreateStreamPayload struct {
	SessionID domain.SessionID `json:"sessionId,omitempty"`
}

type JoinStreamPayload struct {
	SessionID domain.SessionID `json:"sessionId"`
}

// SignalPayload carries an opaque negotiation blob between two named
// connections. The relay never inspects Data.
type SignalPayload struct {
	To   domain.ConnID   `json:"to"`
	Data json.RawMessage `json:"payload"`
}

type EndStreamPayload struct {
	SessionID domain.SessionID `json:"sessionId"`
}

type WelcomePayload struct {
	ConnID domain.ConnID `json:"connId"`
}

type StreamCreatedPayload struct {
	SessionID domain.SessionID `json:"sessionId"`
}

type JoinedStreamPayload struct {
	SessionID  domain.SessionID `json:"sessionId"`
	HostConnID domain.ConnID    `json:"hostConnId"`
}

// SignalForwardPayload is the relay-stamped form of SignalPayload.
type SignalForwardPayload struct {
	From domain.ConnID   `json:"from"`
	Data json.RawMessage `json:"payload"`
}

type ViewerJoinedPayload struct {
	ViewerID  domain.ConnID    `json:"viewerId"`
	SessionID domain.SessionID `json:"sessionId"`
}

type ViewerLeftPayload struct {
	ViewerID  domain.ConnID    `json:"viewerId"`
	SessionID domain.SessionID `json:"sessionId"`
}

type StreamEndedPayload struct {
	SessionID domain.SessionID `json:"sessionId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
