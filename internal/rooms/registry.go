// Package rooms tracks room membership and fans encoded signaling messages out
// to members.
package rooms

import (
	"errors"
	"sort"
	"sync"
)

var ErrAlreadyJoined = errors.New("rooms: user already joined")

// Handle receives messages addressed to one member. Deliver must not block.
type Handle interface {
	Deliver(msg []byte) bool
}

type Options struct {
	// OnRoomCreated and OnRoomDeleted are called after the registry lock is
	// released.
	OnRoomCreated func(room string)
	OnRoomDeleted func(room string)
}

// Registry maps room ids to their members. Rooms exist only while they have
// at least one member.
type Registry struct {
	opts Options

	mu    sync.RWMutex
	rooms map[string]map[string]Handle
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		rooms: make(map[string]map[string]Handle),
	}
}

// Join adds user to room. It fails with ErrAlreadyJoined, leaving the
// existing member untouched, if the pair is already present.
func (r *Registry) Join(room, user string, h Handle) error {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Handle)
		r.rooms[room] = members
	}
	if _, exists := members[user]; exists {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	members[user] = h
	r.mu.Unlock()

	if !ok && r.opts.OnRoomCreated != nil {
		r.opts.OnRoomCreated(room)
	}
	return nil
}

// Leave removes user from room and reports whether the room is now empty (and
// therefore gone). Leaving a room one is not in reports whether that room is
// absent.
func (r *Registry) Leave(room, user string) bool {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return true
	}
	delete(members, user)
	empty := len(members) == 0
	if empty {
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	if empty && r.opts.OnRoomDeleted != nil {
		r.opts.OnRoomDeleted(room)
	}
	return empty
}

// Broadcast delivers msg to every member of room except exceptUser and
// returns the number of members it was handed to.
func (r *Registry) Broadcast(room, exceptUser string, msg []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for user, h := range r.rooms[room] {
		if user == exceptUser {
			continue
		}
		if h.Deliver(msg) {
			n++
		}
	}
	return n
}

// SendToUser delivers msg to target if it is currently a member of room.
func (r *Registry) SendToUser(room, target string, msg []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.rooms[room][target]
	if !ok {
		return false
	}
	return h.Deliver(msg)
}

func (r *Registry) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Members returns the sorted user ids of room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.rooms[room]))
	for user := range r.rooms[room] {
		out = append(out, user)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// MemberTotal returns the number of members across all rooms.
func (r *Registry) MemberTotal() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}
