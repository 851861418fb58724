package packetmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3/deadline"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

const (
	DefaultInboundQueueSize = 1000
	DefaultSubmitQueueSize  = 100
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

type Config struct {
	// LocalAddr is reported by LocalAddr. It is usually the address of the
	// listener feeding the adapter.
	LocalAddr net.Addr

	InboundQueueSize int
	SubmitQueueSize  int

	// ReadTimeout bounds reading a whole frame header, and then a whole
	// payload. A stream that misses either bound is dropped.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single frame write in SendTo.
	WriteTimeout time.Duration

	MaxFrameBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) WithDefaults() Config {
	if c.LocalAddr == nil {
		c.LocalAddr = Addr{Net: "tcp", Address: "packetmux"}
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = DefaultInboundQueueSize
	}
	if c.SubmitQueueSize <= 0 {
		c.SubmitQueueSize = DefaultSubmitQueueSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = framing.MaxPayload
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type packet struct {
	payload []byte
	addr    net.Addr
}

// Adapter multiplexes framed streams into one packet socket. It implements
// both DatagramConn and net.PacketConn.
type Adapter struct {
	cfg      Config
	codec    framing.Codec
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry

	inbound chan packet
	submit  chan net.Conn

	readDeadline  *deadline.Deadline
	writeDeadline atomic.Value // time.Time

	// streams holds every stream with a running reader, including streams
	// superseded in the registry, so Close can unblock all of them.
	streamsMu sync.Mutex
	streams   map[*Entry]struct{}

	submitMu   sync.RWMutex
	closed     chan struct{}
	closeOnce  sync.Once
	acceptDone chan struct{}
	wg         sync.WaitGroup
}

var (
	_ DatagramConn   = (*Adapter)(nil)
	_ net.PacketConn = (*Adapter)(nil)
)

func New(cfg Config) (*Adapter, error) {
	cfg = cfg.WithDefaults()
	codec, err := framing.NewCodec(cfg.MaxFrameBytes)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:          cfg,
		codec:        codec,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		registry:     NewRegistry(codec),
		inbound:      make(chan packet, cfg.InboundQueueSize),
		submit:       make(chan net.Conn, cfg.SubmitQueueSize),
		readDeadline: deadline.New(),
		streams:      make(map[*Entry]struct{}),
		closed:       make(chan struct{}),
		acceptDone:   make(chan struct{}),
	}
	a.writeDeadline.Store(time.Time{})

	go a.acceptLoop()
	return a, nil
}

// StreamCount returns the number of streams currently addressable by SendTo.
func (a *Adapter) StreamCount() int { return a.registry.Len() }

// QueueLen returns the number of packets waiting in the inbound queue.
func (a *Adapter) QueueLen() int { return len(a.inbound) }

// MaxFrameBytes is the largest payload a single frame can carry.
func (a *Adapter) MaxFrameBytes() int { return a.codec.MaxPayload }

// Submit hands an accepted, already-handshaken stream to the adapter. It
// blocks while the submission queue is full. On error the caller still owns
// conn.
func (a *Adapter) Submit(ctx context.Context, conn net.Conn) error {
	if conn == nil {
		return errNilConn
	}
	a.submitMu.RLock()
	defer a.submitMu.RUnlock()

	select {
	case <-a.closed:
		return net.ErrClosed
	default:
	}

	select {
	case a.submit <- conn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return net.ErrClosed
	}
}

func (a *Adapter) acceptLoop() {
	defer close(a.acceptDone)
	for {
		select {
		case <-a.closed:
			return
		case conn := <-a.submit:
			a.register(conn)
		}
	}
}

func (a *Adapter) register(conn net.Conn) {
	addr := conn.RemoteAddr()
	if addr == nil {
		_ = conn.Close()
		a.log.Warn("mux_stream_rejected", "reason", "no remote address")
		return
	}

	e, replaced := a.registry.Register(addr, conn)
	a.streamsMu.Lock()
	a.streams[e] = struct{}{}
	a.streamsMu.Unlock()

	a.metrics.Inc(metrics.MuxStreamRegistered)
	if replaced {
		a.metrics.Inc(metrics.MuxStreamReplaced)
	}
	a.log.Debug("mux_stream_registered", "peer_addr", addr.String(), "replaced", replaced)

	a.wg.Add(1)
	go a.readLoop(e)
}

func (a *Adapter) readLoop(e *Entry) {
	defer a.wg.Done()

	buf := make([]byte, a.codec.MaxPayload)
	for {
		payload, err := a.readFrame(e.conn, buf)
		if err != nil {
			a.dropStream(e, err)
			return
		}

		p := make([]byte, len(payload))
		copy(p, payload)
		select {
		case a.inbound <- packet{payload: p, addr: e.addr}:
			a.metrics.Inc(metrics.MuxFramesIn)
		case <-a.closed:
			a.dropStream(e, net.ErrClosed)
			return
		}
	}
}

func (a *Adapter) dropStream(e *Entry, cause error) {
	current := a.registry.deregisterEntry(e)
	_ = e.Close()

	a.streamsMu.Lock()
	delete(a.streams, e)
	a.streamsMu.Unlock()

	if a.isClosed() {
		return
	}

	attrs := []any{"peer_addr", e.addr.String(), "current", current}
	var netErr net.Error
	switch {
	case errors.Is(cause, io.EOF):
		a.metrics.Inc(metrics.MuxStreamClosedEOF)
		a.log.Debug("mux_stream_closed", attrs...)
	case errors.As(cause, &netErr) && netErr.Timeout():
		a.metrics.Inc(metrics.MuxStreamClosedIdle)
		a.log.Debug("mux_stream_idle_timeout", attrs...)
	case errors.Is(cause, framing.ErrFrameTooLarge):
		a.metrics.Inc(metrics.MuxFrameTooLarge)
		a.metrics.Inc(metrics.MuxStreamClosedError)
		a.log.Warn("mux_stream_frame_too_large", append(attrs, "err", cause)...)
	default:
		a.metrics.Inc(metrics.MuxStreamClosedError)
		a.log.Debug("mux_stream_error", append(attrs, "err", cause)...)
	}
}

// RecvFrom returns the next inbound packet and the address of the stream it
// arrived on. A packet longer than p is truncated, as on a UDP socket.
func (a *Adapter) RecvFrom(p []byte) (int, net.Addr, error) {
	if a.isClosed() {
		return 0, nil, net.ErrClosed
	}
	select {
	case <-a.readDeadline.Done():
		return 0, nil, os.ErrDeadlineExceeded
	default:
	}

	select {
	case pkt := <-a.inbound:
		n := copy(p, pkt.payload)
		if n < len(pkt.payload) {
			a.metrics.Inc(metrics.MuxRecvTruncated)
		}
		return n, pkt.addr, nil
	case <-a.readDeadline.Done():
		return 0, nil, os.ErrDeadlineExceeded
	case <-a.closed:
		return 0, nil, net.ErrClosed
	}
}

// SendTo writes p as one frame to the stream registered for addr. An unknown
// address is not an error: the datagram is silently discarded.
func (a *Adapter) SendTo(p []byte, addr net.Addr) (int, error) {
	if a.isClosed() {
		return 0, net.ErrClosed
	}
	if len(p) > a.codec.MaxPayload {
		return 0, fmt.Errorf("%w: %d > %d", framing.ErrPayloadTooLarge, len(p), a.codec.MaxPayload)
	}

	e, ok := a.registry.Lookup(addr)
	if !ok {
		a.metrics.Inc(metrics.MuxSendUnknownPeer)
		return len(p), nil
	}

	dl := time.Now().Add(a.cfg.WriteTimeout)
	if wd := a.writeDeadline.Load().(time.Time); !wd.IsZero() {
		if !time.Now().Before(wd) {
			return 0, os.ErrDeadlineExceeded
		}
		if wd.Before(dl) {
			dl = wd
		}
	}

	if err := e.WriteFrame(p, dl); err != nil {
		a.metrics.Inc(metrics.MuxSendError)
		a.log.Debug("mux_send_failed", "peer_addr", addr.String(), "err", err)
		// The stream position is unknown after a failed write; its reader
		// observes the close and finishes the cleanup.
		a.registry.deregisterEntry(e)
		_ = e.Close()
		return 0, err
	}
	a.metrics.Inc(metrics.MuxFramesOut)
	return len(p), nil
}

func (a *Adapter) ReadFrom(p []byte) (int, net.Addr, error) { return a.RecvFrom(p) }

func (a *Adapter) WriteTo(p []byte, addr net.Addr) (int, error) { return a.SendTo(p, addr) }

func (a *Adapter) Connect(net.Addr) error { return ErrNotSupported }

func (a *Adapter) Recv([]byte) (int, error) { return 0, ErrNotSupported }

func (a *Adapter) Send([]byte) (int, error) { return 0, ErrNotSupported }

func (a *Adapter) LocalAddr() net.Addr { return a.cfg.LocalAddr }

func (a *Adapter) SetDeadline(t time.Time) error {
	a.readDeadline.Set(t)
	a.writeDeadline.Store(t)
	return nil
}

func (a *Adapter) SetReadDeadline(t time.Time) error {
	a.readDeadline.Set(t)
	return nil
}

func (a *Adapter) SetWriteDeadline(t time.Time) error {
	a.writeDeadline.Store(t)
	return nil
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// Close stops accepting streams, closes every stream and waits for their
// readers to exit. Pending and future RecvFrom calls return net.ErrClosed.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)

		// Wait out in-flight Submit calls; none can enqueue after this.
		a.submitMu.Lock()
		a.submitMu.Unlock()
		<-a.acceptDone

	drain:
		for {
			select {
			case conn := <-a.submit:
				_ = conn.Close()
			default:
				break drain
			}
		}

		a.streamsMu.Lock()
		live := make([]*Entry, 0, len(a.streams))
		for e := range a.streams {
			live = append(live, e)
		}
		a.streamsMu.Unlock()
		for _, e := range live {
			a.registry.Deregister(e.addr)
			_ = e.Close()
		}

		a.wg.Wait()
	})
	return nil
}

// readFrame reads one frame from conn. The header and the payload each get
// their own ReadTimeout, measured from the start of that read.
func (a *Adapter) readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	if err := a.armReadDeadline(conn); err != nil {
		return nil, err
	}
	n, err := a.codec.ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	if err := a.armReadDeadline(conn); err != nil {
		return nil, err
	}
	return a.codec.ReadPayload(conn, buf, n)
}

func (a *Adapter) armReadDeadline(conn net.Conn) error {
	if a.cfg.ReadTimeout <= 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
}
