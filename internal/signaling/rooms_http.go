package signaling

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

type roomResponse struct {
	RoomID  string `json:"roomId"`
	Members *int   `json:"members,omitempty"`
	WSPath  string `json:"wsPath"`
}

// WSPath returns the signaling WebSocket path for room.
func WSPath(room string) string {
	return "/ws/" + url.PathEscape(room)
}

func (s *WebSocketServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	s.log.Info("room_allocated", "room_id", id, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, roomResponse{RoomID: id, WSPath: WSPath(id)})
}

// handleNewRoom allocates a room id and redirects to its description.
func (s *WebSocketServer) handleNewRoom(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	http.Redirect(w, r, "/rooms/"+url.PathEscape(id), http.StatusSeeOther)
}

func (s *WebSocketServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !validRoomID(room) {
		writeJSONError(w, http.StatusBadRequest, "bad_room_id", "invalid room id")
		return
	}
	if !s.authorized(w, r, room) {
		return
	}
	members := s.cfg.Rooms.MemberCount(room)
	writeJSON(w, http.StatusOK, roomResponse{RoomID: room, Members: &members, WSPath: WSPath(room)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
