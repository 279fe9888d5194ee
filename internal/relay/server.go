package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/internal/monitoring"
	"github.com/huskyhao/ScreenShare/internal/registry"
	"github.com/huskyhao/ScreenShare/pkg/config"
	"github.com/huskyhao/ScreenShare/pkg/tracing"
	"github.com/huskyhao/ScreenShare/pkg/utils"
	"github.com/huskyhao/ScreenShare/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client is one signaling connection with its outbound queue.
type client struct {
	id       domain.ConnID
	conn     *websocket.Conn
	send     chan Envelope
	done     chan struct{}
	openedAt time.Time
	limiter  *rate.Limiter

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// connTable tracks live connections. It doubles as the registry's
// liveness check.
type connTable struct {
	mu      sync.RWMutex
	clients map[domain.ConnID]*client
}

func newConnTable() *connTable {
	return &connTable{clients: make(map[domain.ConnID]*client)}
}

func (t *connTable) add(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
}

func (t *connTable) remove(id domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

func (t *connTable) get(id domain.ConnID) (*client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	return c, ok
}

// IsConnected implements registry.Liveness.
func (t *connTable) IsConnected(id domain.ConnID) bool {
	_, ok := t.get(id)
	return ok
}

// Server terminates signaling connections, translates requests into
// registry operations, and forwards opaque signal envelopes by
// connection identity. It holds no negotiation state.
type Server struct {
	registry *registry.Registry
	conns    *connTable

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	// msgLimiter builds a per-connection message limiter; it returns
	// nil when rate limiting is disabled.
	msgLimiter func() *rate.Limiter

	metrics *monitoring.Collector
	logger  *zap.SugaredLogger
}

// NewServer builds a relay with its own registry instance.
func NewServer(cfg *config.Config, log *zap.Logger, metrics *monitoring.Collector) *Server {
	conns := newConnTable()
	s := &Server{
		registry:     registry.New(conns, log),
		conns:        conns,
		pingInterval: cfg.Signal.PingInterval,
		pongTimeout:  cfg.Signal.PongTimeout,
		writeTimeout: cfg.Signal.WriteTimeout,
		metrics:      metrics,
		logger:       log.Named("relay").Sugar(),
	}
	s.msgLimiter = func() *rate.Limiter { return nil }
	if cfg.RateLimiting.Enabled {
		perSecond := rate.Limit(cfg.RateLimiting.MessagesPerSecond)
		burst := cfg.RateLimiting.Burst
		s.msgLimiter = func() *rate.Limiter { return rate.NewLimiter(perSecond, burst) }
	}
	return s
}

// Registry exposes the relay's session registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// IsConnected reports whether a connection is live.
func (s *Server) IsConnected(id domain.ConnID) bool {
	return s.conns.IsConnected(id)
}

// HandleWebSocket upgrades the request and runs the connection until it
// drops. Each connection gets a generated identity announced in a
// welcome message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       domain.ConnID(utils.NewConnectionID()),
		conn:     conn,
		send:     make(chan Envelope, 64),
		done:     make(chan struct{}),
		openedAt: time.Now(),
		limiter:  s.msgLimiter(),
	}

	s.conns.add(c)
	s.metrics.ConnectionOpened()
	s.logger.Infow("client connected", "conn_id", c.id)

	go s.writePump(c)
	s.enqueue(c, NewEnvelope(TypeWelcome, WelcomePayload{ConnID: c.id}))

	s.readLoop(c)
	s.cleanup(c)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.sendError(c, "message rate limit exceeded")
			continue
		}

		if err := s.handleMessage(context.Background(), c, env); err != nil {
			s.logger.Infow("message rejected", "conn_id", c.id, "type", env.Type, "error", err)
			s.sendError(c, err.Error())
		}
	}
}

func (s *Server) writePump(c *client) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// cleanup runs the disconnect cascade: sessions the connection hosted
// end, sessions it viewed get a viewer-left.
func (s *Server) cleanup(c *client) {
	c.close()
	s.conns.remove(c.id)
	s.metrics.ConnectionClosed(time.Since(c.openedAt))

	ended, left := s.registry.RemoveConnection(c.id)
	for _, e := range ended {
		for _, viewer := range e.Viewers {
			s.sendTo(viewer, NewEnvelope(TypeStreamEnded, StreamEndedPayload{SessionID: e.ID}))
		}
	}
	for _, l := range left {
		s.sendTo(l.Host, NewEnvelope(TypeViewerLeft, ViewerLeftPayload{
			ViewerID:  c.id,
			SessionID: l.ID,
		}))
	}

	s.metrics.SetActiveSessions(s.registry.Len())
	s.logger.Infow("client disconnected", "conn_id", c.id)
}

func (s *Server) handleMessage(ctx context.Context, c *client, env Envelope) error {
	if env.Type == "" {
		return fmt.Errorf("message type is required")
	}

	_, span := tracing.TraceSignalingMessage(ctx, env.Type, string(c.id))
	defer span.End()

	s.metrics.MessageProcessed(env.Type)

	switch env.Type {
	case TypeCreateStream:
		return s.handleCreateStream(c, env)
	case TypeJoinStream:
		return s.handleJoinStream(c, env)
	case TypeSignal:
		return s.handleSignal(c, env)
	case TypeEndStream:
		return s.handleEndStream(c, env)
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

func (s *Server) handleCreateStream(c *client, env Envelope) error {
	var payload CreateStreamPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("invalid create-stream payload: %w", err)
		}
	}
	if err := validation.ValidateSessionID(string(payload.SessionID)); err != nil {
		return err
	}

	id := s.registry.Create(payload.SessionID, c.id)
	s.metrics.SetActiveSessions(s.registry.Len())

	s.enqueue(c, NewEnvelope(TypeStreamCreated, StreamCreatedPayload{SessionID: id}))
	return nil
}

func (s *Server) handleJoinStream(c *client, env Envelope) error {
	var payload JoinStreamPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid join-stream payload: %w", err)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	host, err := s.registry.Join(payload.SessionID, c.id)
	if err != nil {
		s.metrics.SetActiveSessions(s.registry.Len())
		// The error text distinguishes never-existed from host-gone;
		// the client surfaces it to a human.
		return err
	}

	s.enqueue(c, NewEnvelope(TypeJoinedStream, JoinedStreamPayload{
		SessionID:  payload.SessionID,
		HostConnID: host,
	}))
	s.sendTo(host, NewEnvelope(TypeViewerJoined, ViewerJoinedPayload{
		ViewerID:  c.id,
		SessionID: payload.SessionID,
	}))
	return nil
}

// handleSignal is a pure forward: stamp the sender and deliver. A dead
// target is logged and counted, never an error back to the sender; the
// sender's own negotiation timeout is the detection mechanism.
func (s *Server) handleSignal(c *client, env Envelope) error {
	var payload SignalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid signal payload: %w", err)
	}
	if err := validation.ValidateConnID(string(payload.To)); err != nil {
		return err
	}
	if err := validation.ValidateSignalPayload(payload.Data); err != nil {
		return err
	}

	forwarded := NewEnvelope(TypeSignal, SignalForwardPayload{
		From: c.id,
		Data: payload.Data,
	})
	if !s.sendTo(payload.To, forwarded) {
		s.metrics.ForwardDropped()
		s.logger.Debugw("dropped signal forward, target not connected",
			"from", c.id, "to", payload.To)
	}
	return nil
}

func (s *Server) handleEndStream(c *client, env Envelope) error {
	var payload EndStreamPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid end-stream payload: %w", err)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	viewers, ended := s.registry.End(payload.SessionID, c.id)
	if !ended {
		return nil
	}
	s.metrics.SetActiveSessions(s.registry.Len())

	for _, viewer := range viewers {
		s.sendTo(viewer, NewEnvelope(TypeStreamEnded, StreamEndedPayload{SessionID: payload.SessionID}))
	}
	return nil
}

// sendTo queues an envelope for the target connection. Returns false
// when the target is not connected. A full queue drops the message
// rather than blocking the relay.
func (s *Server) sendTo(id domain.ConnID, env Envelope) bool {
	c, ok := s.conns.get(id)
	if !ok {
		return false
	}
	s.enqueue(c, env)
	return true
}

func (s *Server) enqueue(c *client, env Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		s.logger.Warnw("send queue full, dropping message", "conn_id", c.id, "type", env.Type)
	}
}

func (s *Server) sendError(c *client, message string) {
	s.metrics.ErrorReply()
	s.enqueue(c, NewEnvelope(TypeError, ErrorPayload{Message: message}))
}
