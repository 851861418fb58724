package signaling

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/rooms"
)

func TestRoomsHTTP_CreateRoom(t *testing.T) {
	_, ts := startTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/rooms", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /rooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var body struct {
		RoomID string `json:"roomId"`
		WSPath string `json:"wsPath"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(body.RoomID); err != nil {
		t.Fatalf("roomId=%q is not a uuid: %v", body.RoomID, err)
	}
	if body.WSPath != "/ws/"+body.RoomID {
		t.Fatalf("wsPath=%q", body.WSPath)
	}
}

func TestRoomsHTTP_NewRedirects(t *testing.T) {
	_, ts := startTestServer(t, Config{})

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(ts.URL + "/new")
	if err != nil {
		t.Fatalf("GET /new: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/rooms/") {
		t.Fatalf("Location=%q", loc)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(loc, "/rooms/")); err != nil {
		t.Fatalf("Location=%q does not name a uuid room: %v", loc, err)
	}
}

func TestRoomsHTTP_GetRoomReportsMembers(t *testing.T) {
	reg := rooms.NewRegistry(rooms.Options{})
	_, ts := startTestServer(t, Config{Rooms: reg})

	a := dialRoom(t, ts, "r1")
	send(t, a, `{"type":"join","userId":"a"}`)
	waitForMembers(t, reg, "r1", 1)

	for _, tc := range []struct {
		room string
		want int
	}{
		{"r1", 1},
		{"empty", 0},
	} {
		resp, err := http.Get(ts.URL + "/rooms/" + tc.room)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var body struct {
			RoomID  string `json:"roomId"`
			Members int    `json:"members"`
			WSPath  string `json:"wsPath"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body.RoomID != tc.room || body.Members != tc.want || body.WSPath != "/ws/"+tc.room {
			t.Fatalf("room %q: got %+v, want members=%d", tc.room, body, tc.want)
		}
	}
}
