package metrics

import (
	"sort"
	"sync"
)

// Event names. Signaling events are per WebSocket connection or message,
// mux events are per multiplexed stream or frame.
const (
	SignalingWSConnected        = "signaling_ws_connected"
	SignalingWSClosed           = "signaling_ws_closed"
	SignalingWSOriginRejected   = "signaling_ws_origin_rejected"
	SignalingAuthRejected       = "signaling_auth_rejected"
	SignalingJoinOK             = "signaling_join_ok"
	SignalingJoinDuplicate      = "signaling_join_duplicate"
	SignalingMessageMalformed   = "signaling_message_malformed"
	SignalingMessageUnjoined    = "signaling_message_dropped_unjoined"
	SignalingMessageUnknownType = "signaling_message_dropped_unknown_type"
	SignalingMessageTooLarge    = "signaling_message_too_large"
	SignalingRateLimited        = "signaling_message_rate_limited"
	SignalingBroadcast          = "signaling_broadcast"
	SignalingTargeted           = "signaling_targeted"
	SignalingTargetMissing      = "signaling_target_missing"

	RoomCreated = "room_created"
	RoomDeleted = "room_deleted"

	MuxStreamRegistered  = "mux_stream_registered"
	MuxStreamReplaced    = "mux_stream_replaced"
	MuxStreamClosedEOF   = "mux_stream_closed_eof"
	MuxStreamClosedIdle  = "mux_stream_closed_idle_timeout"
	MuxStreamClosedError = "mux_stream_closed_error"
	MuxFrameTooLarge     = "mux_frame_too_large"
	MuxFramesIn          = "mux_frames_in"
	MuxFramesOut         = "mux_frames_out"
	MuxSendUnknownPeer   = "mux_send_unknown_peer"
	MuxSendError         = "mux_send_error"
	MuxRecvTruncated     = "mux_recv_truncated"

	TURNStreamAccepted     = "turn_stream_accepted"
	TURNStreamRateLimited  = "turn_stream_rate_limited"
	TURNTLSHandshakeFailed = "turn_tls_handshake_failed"
	TURNAuthOK             = "turn_auth_ok"
	TURNAuthRejected       = "turn_auth_rejected"
	TURNPermissionDenied   = "turn_permission_denied"

	ICECredentialsIssued = "ice_turn_credentials_issued"
	ICECredentialsFailed = "ice_turn_credentials_failed"
)

// Metrics is a concurrency-safe counter registry with optional gauge
// callbacks sampled at scrape time.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetGauge registers (or replaces) a gauge. fn is called without the
// registry lock held.
func (m *Metrics) SetGauge(name string, fn func() int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if fn == nil {
		delete(m.gauges, name)
	} else {
		m.gauges[name] = fn
	}
	m.mu.Unlock()
}

type gaugeSample struct {
	name  string
	value int64
}

func (m *Metrics) sampleGauges() []gaugeSample {
	m.mu.Lock()
	fns := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make([]gaugeSample, 0, len(fns))
	for k, fn := range fns {
		out = append(out, gaugeSample{name: k, value: fn()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
