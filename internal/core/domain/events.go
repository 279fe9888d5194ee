package domain

import (
	"github.com/pion/webrtc/v3"
)

// EventType identifies a coordinator event.
type EventType string

const (
	EventPeerConnected    EventType = "peer-connected"
	EventPeerDisconnected EventType = "peer-disconnected"
	EventPeerFailed       EventType = "peer-failed"
	EventTrack            EventType = "track"
	EventViewerJoined     EventType = "viewer-joined"
	EventViewerLeft       EventType = "viewer-left"
	EventStreamEnded      EventType = "stream-ended"
	EventError            EventType = "error"
)

// Event is what a coordinator reports to its owner (capture/UI layer).
// Fields are populated depending on Type; unset fields are zero.
type Event struct {
	Type      EventType
	PeerID    PeerID
	SessionID SessionID
	Track     *webrtc.TrackRemote
	Err       error
}
