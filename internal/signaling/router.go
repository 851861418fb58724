package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/rooms"
)

// ErrDuplicateJoin is returned by Session.Handle when the requested user id is
// already live in the room. The connection must be closed.
var ErrDuplicateJoin = errors.New("signaling: user already joined")

var errSessionClosed = errors.New("signaling: session closed")

// Router creates per-connection Sessions that share one room registry.
type Router struct {
	rooms   *rooms.Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	// newUserID assigns ids to joins that do not carry one.
	newUserID func() string
}

func NewRouter(reg *rooms.Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rooms:     reg,
		log:       logger,
		metrics:   m,
		newUserID: uuid.NewString,
	}
}

type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosed
)

// Session is the signaling state machine of one connection.
type Session struct {
	router *Router
	room   string
	out    rooms.Handle

	mu     sync.Mutex
	state  sessionState
	userID string
}

// NewSession starts an unjoined session for room. Messages for this
// connection are delivered to out.
func (r *Router) NewSession(room string, out rooms.Handle) *Session {
	return &Session{router: r, room: room, out: out}
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateJoined
}

// Handle processes one raw client message. Malformed or out-of-place messages
// are dropped and yield a nil error; a non-nil error means the connection
// must be closed.
func (s *Session) Handle(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return errSessionClosed
	}

	msg, err := ParseSignalMessage(raw)
	if err != nil {
		s.router.metrics.Inc(metrics.SignalingMessageMalformed)
		s.router.log.Debug("signaling_message_malformed", "room_id", s.room, "user_id", s.userID, "err", err)
		return nil
	}

	if s.state == stateUnjoined {
		if msg.Type != MessageTypeJoin {
			s.router.metrics.Inc(metrics.SignalingMessageUnjoined)
			return nil
		}
		return s.joinLocked(msg)
	}

	s.routeLocked(msg)
	return nil
}

func (s *Session) joinLocked(msg SignalMessage) error {
	user := msg.UserID
	if user == "" {
		user = s.router.newUserID()
	}

	if err := s.router.rooms.Join(s.room, user, s.out); err != nil {
		if errors.Is(err, rooms.ErrAlreadyJoined) {
			s.state = stateClosed
			s.router.metrics.Inc(metrics.SignalingJoinDuplicate)
			s.router.log.Info("signaling_join_duplicate", "room_id", s.room, "user_id", user)
			return fmt.Errorf("%w: room %q user %q", ErrDuplicateJoin, s.room, user)
		}
		return err
	}

	s.state = stateJoined
	s.userID = user
	s.router.metrics.Inc(metrics.SignalingJoinOK)
	s.router.log.Info("signaling_join", "room_id", s.room, "user_id", user)

	s.broadcastLocked(SignalMessage{Type: MessageTypeUserJoined, UserID: user, Data: msg.Data})
	return nil
}

func (s *Session) routeLocked(msg SignalMessage) {
	if t, ok := msg.Type.broadcastType(); ok {
		s.broadcastLocked(SignalMessage{Type: t, UserID: s.userID, Data: msg.Data})
		return
	}

	if msg.Type.targeted() {
		out := SignalMessage{Type: msg.Type, UserID: s.userID, Target: msg.Target, Data: msg.Data}
		encoded, err := json.Marshal(out)
		if err != nil {
			s.router.metrics.Inc(metrics.SignalingMessageMalformed)
			return
		}
		if !s.router.rooms.SendToUser(s.room, msg.Target, encoded) {
			s.router.metrics.Inc(metrics.SignalingTargetMissing)
			s.router.log.Debug("signaling_target_missing", "room_id", s.room, "user_id", s.userID, "target", msg.Target)
			return
		}
		s.router.metrics.Inc(metrics.SignalingTargeted)
		return
	}

	// A second join on a joined connection falls through here too.
	s.router.metrics.Inc(metrics.SignalingMessageUnknownType)
}

func (s *Session) broadcastLocked(msg SignalMessage) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		s.router.metrics.Inc(metrics.SignalingMessageMalformed)
		return
	}
	s.router.rooms.Broadcast(s.room, s.userID, encoded)
	s.router.metrics.Inc(metrics.SignalingBroadcast)
}

// Close leaves the room if the session had joined and tells the remaining
// members. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasJoined := s.state == stateJoined
	s.state = stateClosed
	if !wasJoined {
		return
	}

	if empty := s.router.rooms.Leave(s.room, s.userID); empty {
		s.router.log.Info("signaling_leave", "room_id", s.room, "user_id", s.userID, "room_empty", true)
		return
	}
	s.router.log.Info("signaling_leave", "room_id", s.room, "user_id", s.userID, "room_empty", false)
	s.broadcastLocked(SignalMessage{Type: MessageTypeUserLeft, UserID: s.userID})
}
