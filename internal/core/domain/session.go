package domain

import (
	"time"
)

type SessionID string
type ConnID string
type PeerID string

// Session is one shareable stream announced by a host. The registry is
// the only owner of Session records; everything else sees copies.
type Session struct {
	ID        SessionID
	Host      ConnID
	Viewers   map[ConnID]struct{}
	CreatedAt time.Time
}

// HasViewer reports whether the connection is currently joined as a viewer.
func (s *Session) HasViewer(id ConnID) bool {
	_, ok := s.Viewers[id]
	return ok
}

// ViewerList returns the viewer set as a slice. Order is unspecified.
func (s *Session) ViewerList() []ConnID {
	viewers := make([]ConnID, 0, len(s.Viewers))
	for id := range s.Viewers {
		viewers = append(viewers, id)
	}
	return viewers
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *Session) Clone() *Session {
	viewers := make(map[ConnID]struct{}, len(s.Viewers))
	for id := range s.Viewers {
		viewers[id] = struct{}{}
	}
	return &Session{
		ID:        s.ID,
		Host:      s.Host,
		Viewers:   viewers,
		CreatedAt: s.CreatedAt,
	}
}
