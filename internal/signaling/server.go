package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Engine  *room.Engine
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NegotiationTimeout bounds a single offer/answer exchange, including
	// ICE gathering.
	NegotiationTimeout time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	SignalingSendQueueLen         int
}

// Server implements the WebSocket signaling surface.
//
// Endpoints:
//   - GET /ws : room management, offer/answer and trickle ICE
type Server struct {
	engine  *room.Engine
	hub     *Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	NegotiationTimeout time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	SignalingSendQueueLen         int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var hub *Hub
	if cfg.Engine != nil {
		hub = NewHub(cfg.Engine.Bus, logger, cfg.Metrics)
	}
	return &Server{
		engine:  cfg.Engine,
		hub:     hub,
		log:     logger,
		metrics: cfg.Metrics,

		NegotiationTimeout: cfg.NegotiationTimeout,

		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		SignalingSendQueueLen:         cfg.SignalingSendQueueLen,

		clients: make(map[*client]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close sends a going-away close to every connected client and stops
// routing room events.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	if s.hub != nil {
		s.hub.Close()
	}
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) negotiationTimeout() time.Duration {
	if s.NegotiationTimeout <= 0 {
		return 10 * time.Second
	}
	return s.NegotiationTimeout
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxSignalingMessagesPerSecond
}

func (s *Server) signalingWSIdleTimeout() time.Duration {
	if s.SignalingWSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.SignalingWSIdleTimeout
}

func (s *Server) signalingWSPingInterval() time.Duration {
	if s.SignalingWSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.SignalingWSPingInterval
}

func (s *Server) signalingSendQueueLen() int {
	if s.SignalingSendQueueLen <= 0 {
		return 64
	}
	return s.SignalingSendQueueLen
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "room engine not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin middleware. For
		// unit tests that don't use httpserver.Server, accept all origins here.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(s, conn, uuid.NewString())
	if !s.track(c) {
		c.cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	s.metrics.Inc(metrics.SignalingConnOpened)
	c.log.Info("signaling connection opened", "remote_addr", r.RemoteAddr)
	c.run()
}
