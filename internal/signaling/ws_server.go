package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/rooms"
)

const (
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultWriteWait            = 5 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50

	// MaxRoomIDBytes bounds the {room} path segment.
	MaxRoomIDBytes = 128
)

// Authorizer admits or rejects a request for a room before any state is
// touched. A non-nil error is answered with 401.
type Authorizer interface {
	Authorize(r *http.Request, room string) error
}

type Config struct {
	Rooms   *rooms.Registry
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins follows origin.Policy: empty means same host only.
	AllowedOrigins []string

	// Authorizer is optional; nil admits every request.
	Authorizer Authorizer

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	WriteWait            time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock drives the per-connection rate limiter. Nil means wall time.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Rooms == nil {
		c.Rooms = rooms.NewRegistry(rooms.Options{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	return c
}

// WebSocketServer carries the signaling protocol over WebSocket connections,
// one room per connection path.
type WebSocketServer struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	router   *Router
	origins  origin.Policy
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup
}

func NewWebSocketServer(cfg Config) *WebSocketServer {
	cfg = cfg.withDefaults()
	return &WebSocketServer{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		router:  NewRouter(cfg.Rooms, cfg.Logger, cfg.Metrics),
		origins: origin.NewPolicy(cfg.AllowedOrigins),
		upgrader: websocket.Upgrader{
			// Origin is checked before Upgrade so rejections get a plain 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *WebSocketServer) Router() *Router { return s.router }

// RegisterRoutes installs the WebSocket endpoint and the room HTTP endpoints.
// wrap, if non-nil, is applied to the plain HTTP handlers (for example to add
// CORS handling); the WebSocket route performs its own origin check.
func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	mux.HandleFunc("GET /ws/{room}", s.handleWebSocket)
	mux.HandleFunc("POST /rooms", wrap(s.handleCreateRoom))
	mux.HandleFunc("GET /new", wrap(s.handleNewRoom))
	mux.HandleFunc("GET /rooms/{room}", wrap(s.handleGetRoom))
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !validRoomID(room) {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	if !s.originAllowed(r) {
		s.metrics.Inc(metrics.SignalingWSOriginRejected)
		s.log.Warn("signaling_ws_origin_rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.authorized(w, r, room) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}
	if !s.track(conn) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down", s.cfg.WriteWait)
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	s.metrics.Inc(metrics.SignalingWSConnected)
	s.log.Info("signaling_ws_connected", "room_id", room, "remote_addr", r.RemoteAddr)

	s.serveConn(conn, room)
}

// authorized writes a 401 and returns false when the Authorizer rejects r.
func (s *WebSocketServer) authorized(w http.ResponseWriter, r *http.Request, room string) bool {
	if s.cfg.Authorizer == nil {
		return true
	}
	if err := s.cfg.Authorizer.Authorize(r, room); err != nil {
		s.metrics.Inc(metrics.SignalingAuthRejected)
		s.log.Warn("signaling_auth_rejected", "room_id", room, "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *WebSocketServer) originAllowed(r *http.Request) bool {
	_, err := s.origins.Check(r.Header.Get("Origin"), r.Host)
	// Non-browser clients do not send Origin.
	return err == nil || errors.Is(err, origin.ErrEmpty)
}

func (s *WebSocketServer) serveConn(conn *websocket.Conn, room string) {
	out := rooms.NewOutbox()
	sess := s.router.NewSession(room, out)

	writerDone := make(chan struct{})
	go s.writeLoop(conn, out, writerDone)

	stopPing := make(chan struct{})
	pingDone := make(chan struct{})
	go s.pingLoop(conn, stopPing, pingDone)

	code, reason := s.readLoop(conn, sess)

	joined := sess.Joined()
	sess.Close()
	out.Close()
	close(stopPing)
	<-pingDone
	<-writerDone

	writeClose(conn, code, reason, s.cfg.WriteWait)
	_ = conn.Close()

	s.metrics.Inc(metrics.SignalingWSClosed)
	s.log.Info("signaling_ws_closed", "room_id", room, "user_id", sess.UserID(), "joined", joined, "close_code", code, "reason", reason)
}

// readLoop runs until the connection must be closed and returns the close
// code and reason to send.
func (s *WebSocketServer) readLoop(conn *websocket.Conn, sess *Session) (int, string) {
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.metrics.Inc(metrics.SignalingMessageTooLarge)
				return websocket.CloseMessageTooBig, "message too large"
			case isTimeout(err):
				return websocket.CloseNormalClosure, "idle timeout"
			default:
				return websocket.CloseNormalClosure, ""
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		// Limit after reading so the message bytes are consumed either way.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.SignalingRateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.SignalingMessageMalformed)
			continue
		}

		if err := sess.Handle(data); err != nil {
			if errors.Is(err, ErrDuplicateJoin) {
				return websocket.ClosePolicyViolation, "user already joined"
			}
			return websocket.CloseInternalServerErr, "internal error"
		}
	}
}

// writeLoop drains out until it is closed and empty. After a write failure
// the connection is closed to stop the reader and the rest of the queue is
// discarded.
func (s *WebSocketServer) writeLoop(conn *websocket.Conn, out *rooms.Outbox, done chan<- struct{}) {
	defer close(done)
	failed := false
	for {
		msg, ok := out.Next()
		if !ok {
			return
		}
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			failed = true
			s.log.Debug("signaling_ws_write_failed", "err", err)
			_ = conn.Close()
		}
	}
}

func (s *WebSocketServer) pingLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Close closes every live signaling connection and waits for their
// handlers to finish leaving their rooms.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c, websocket.CloseGoingAway, "server shutting down", s.cfg.WriteWait)
		_ = c.Close()
	}
	s.wg.Wait()
}

func validRoomID(id string) bool {
	if id == "" || len(id) > MaxRoomIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}

func writeClose(conn *websocket.Conn, code int, reason string, wait time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
