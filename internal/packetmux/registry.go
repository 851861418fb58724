package packetmux

import (
	"net"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/framing"
)

// Entry is the write side of one registered stream.
type Entry struct {
	addr  net.Addr
	conn  net.Conn
	codec framing.Codec

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (e *Entry) Addr() net.Addr { return e.addr }

// WriteFrame writes payload as one frame. Concurrent callers are serialized so
// a header is always immediately followed by its own payload on the wire.
//
// A zero deadline leaves the stream's write deadline unset.
func (e *Entry) WriteFrame(payload []byte, deadline time.Time) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return e.codec.WriteFrame(e.conn, payload)
}

func (e *Entry) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}

// Registry maps peer addresses to their live stream. A peer address has at
// most one entry; registering the same address again replaces the entry
// without closing the previous stream.
type Registry struct {
	codec framing.Codec

	mu      sync.Mutex
	entries map[string]*Entry
}

func NewRegistry(codec framing.Codec) *Registry {
	return &Registry{
		codec:   codec,
		entries: make(map[string]*Entry),
	}
}

// Register adds conn under addr and reports whether an existing entry was
// replaced.
func (r *Registry) Register(addr net.Addr, conn net.Conn) (*Entry, bool) {
	e := &Entry{addr: addr, conn: conn, codec: r.codec}
	key := addr.String()

	r.mu.Lock()
	_, replaced := r.entries[key]
	r.entries[key] = e
	r.mu.Unlock()
	return e, replaced
}

func (r *Registry) Lookup(addr net.Addr) (*Entry, bool) {
	if addr == nil {
		return nil, false
	}
	r.mu.Lock()
	e, ok := r.entries[addr.String()]
	r.mu.Unlock()
	return e, ok
}

// Deregister removes whatever entry is registered for addr. It does not close
// the stream.
func (r *Registry) Deregister(addr net.Addr) {
	r.mu.Lock()
	delete(r.entries, addr.String())
	r.mu.Unlock()
}

// deregisterEntry removes e only while it is still the current entry for its
// address, so a superseded stream's cleanup cannot evict its replacement.
func (r *Registry) deregisterEntry(e *Entry) bool {
	key := e.addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] != e {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
