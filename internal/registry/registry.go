package registry

import (
	"sync"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/pkg/utils"

	"go.uber.org/zap"
)

// Liveness answers whether a connection still has a live transport. The
// relay implements this over its connection table.
type Liveness interface {
	IsConnected(id domain.ConnID) bool
}

// EndedSession is a session torn down because its host went away,
// together with the viewers that must be notified.
type EndedSession struct {
	ID      domain.SessionID
	Viewers []domain.ConnID
}

// LeftSession is a session a departing viewer was watching, together
// with the host that must be notified.
type LeftSession struct {
	ID   domain.SessionID
	Host domain.ConnID
}

// Registry is the authoritative in-memory directory of active sessions.
// It performs no I/O; host liveness is delegated to the injected check.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.Session
	liveness Liveness

	logger *zap.SugaredLogger
}

// New creates an empty registry.
func New(liveness Liveness, log *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*domain.Session),
		liveness: liveness,
		logger:   log.Named("registry").Sugar(),
	}
}

// Create registers a session for the owning connection and returns the
// effective id. An empty requested id gets a generated one. A requested
// id already owned by the same connection is a reconnection: the host
// slot is overwritten in place and the viewer set survives. A requested
// id owned by a different connection is silently renamed so the request
// still succeeds.
func (r *Registry) Create(requestedID domain.SessionID, owner domain.ConnID) domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := requestedID
	if id == "" {
		id = domain.SessionID(utils.NewSessionID())
	} else if existing, ok := r.sessions[id]; ok {
		if existing.Host == owner {
			// Reconnection: keep viewers, refresh nothing else.
			r.logger.Infow("host reconnected to session", "session_id", id, "conn_id", owner)
			return id
		}
		id = domain.SessionID(utils.NewSessionID())
		r.logger.Infow("session id collision, assigned new id",
			"requested_id", requestedID, "session_id", id, "conn_id", owner)
	}

	r.sessions[id] = &domain.Session{
		ID:        id,
		Host:      owner,
		Viewers:   make(map[domain.ConnID]struct{}),
		CreatedAt: time.Now(),
	}

	r.logger.Infow("session created", "session_id", id, "conn_id", owner)
	return id
}

// Join adds a viewer and returns the host's connection id. A session
// whose host transport is gone is evicted on the spot, so a later join
// for the same id reports not-found rather than host-unreachable.
func (r *Registry) Join(id domain.SessionID, viewer domain.ConnID) (domain.ConnID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return "", domain.ErrSessionNotFound
	}

	if r.liveness != nil && !r.liveness.IsConnected(session.Host) {
		delete(r.sessions, id)
		r.logger.Warnw("evicted orphaned session", "session_id", id, "host", session.Host)
		return "", domain.ErrHostUnreachable
	}

	session.Viewers[viewer] = struct{}{}
	r.logger.Infow("viewer joined session", "session_id", id, "viewer", viewer)
	return session.Host, nil
}

// End removes the session if the requester is its host and returns the
// viewers to notify. Any other requester is a no-op.
func (r *Registry) End(id domain.SessionID, requester domain.ConnID) ([]domain.ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok || session.Host != requester {
		return nil, false
	}

	viewers := session.ViewerList()
	delete(r.sessions, id)
	r.logger.Infow("session ended", "session_id", id, "viewers", len(viewers))
	return viewers, true
}

// RemoveConnection scans all sessions for the departing connection.
// Sessions it hosted are ended; sessions it viewed lose the viewer.
// O(active sessions), which stays small for interactive sharing.
func (r *Registry) RemoveConnection(conn domain.ConnID) (ended []EndedSession, left []LeftSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, session := range r.sessions {
		if session.Host == conn {
			ended = append(ended, EndedSession{ID: id, Viewers: session.ViewerList()})
			delete(r.sessions, id)
			continue
		}
		if session.HasViewer(conn) {
			delete(session.Viewers, conn)
			left = append(left, LeftSession{ID: id, Host: session.Host})
		}
	}

	if len(ended) > 0 || len(left) > 0 {
		r.logger.Infow("connection removed from registry",
			"conn_id", conn, "ended_sessions", len(ended), "left_sessions", len(left))
	}
	return ended, left
}

// Get returns a copy of the session, if present.
func (r *Registry) Get(id domain.SessionID) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
