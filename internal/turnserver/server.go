// Package turnserver runs a TURN relay whose TCP (and TLS) clients are
// multiplexed onto a single packet socket by packetmux, next to an optional
// plain UDP listener.
package turnserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/turn/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/packetmux"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

const (
	DefaultRealm               = "aero"
	DefaultRelayBindAddr       = "0.0.0.0"
	DefaultChannelBindTimeout  = 600 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

type Config struct {
	Realm string

	// SharedSecret verifies TURN REST usernames. UsernamePrefix, if set, must
	// appear as the second username segment.
	SharedSecret   string
	UsernamePrefix string

	// UDPListenAddr and TCPListenAddr are each optional, but at least one
	// must be set.
	UDPListenAddr string
	TCPListenAddr string

	// TLSConfig, when non-nil, makes the TCP listener speak TLS (turns:).
	TLSConfig           *tls.Config
	TLSHandshakeTimeout time.Duration

	// PublicIP is advertised in relayed addresses.
	PublicIP      net.IP
	RelayBindAddr string

	ChannelBindTimeout time.Duration

	// PeerPolicy filters CreatePermission and ChannelBind peers. Nil admits
	// every peer.
	PeerPolicy *policy.PeerPolicy

	StreamIdleTimeout time.Duration
	InboundQueueSize  int
	SubmitQueueSize   int
	MaxFrameBytes     int

	// MaxStreamsPerSecondPerIP limits new TCP/TLS streams per remote IP. Zero
	// disables the limit.
	MaxStreamsPerSecondPerIP int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
	Now     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.RelayBindAddr == "" {
		c.RelayBindAddr = DefaultRelayBindAddr
	}
	if c.ChannelBindTimeout <= 0 {
		c.ChannelBindTimeout = DefaultChannelBindTimeout
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate() error {
	if c.SharedSecret == "" {
		return errors.New("turnserver: shared secret is required")
	}
	if c.UDPListenAddr == "" && c.TCPListenAddr == "" {
		return errors.New("turnserver: at least one of the UDP and TCP listen addresses is required")
	}
	if c.PublicIP == nil {
		return errors.New("turnserver: public IP is required")
	}
	return nil
}

// Addrs reports the bound listener addresses. Either may be nil.
type Addrs struct {
	UDP net.Addr
	TCP net.Addr
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	verifier *turnrest.Verifier
	limiter  *ratelimit.KeyedLimiter

	mu      sync.Mutex
	started bool
	udp     net.PacketConn
	tcp     net.Listener
	adapter *packetmux.Adapter
	turn    *turn.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg. Nothing is bound until Start.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	verifier, err := turnrest.NewVerifier(cfg.SharedSecret, cfg.UsernamePrefix, cfg.Now)
	if err != nil {
		return nil, err
	}
	var limiter *ratelimit.KeyedLimiter
	if cfg.MaxStreamsPerSecondPerIP > 0 {
		limiter = ratelimit.NewKeyedLimiter(cfg.Clock, ratelimit.KeyedConfig{
			PerSecond: int64(cfg.MaxStreamsPerSecondPerIP),
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		verifier: verifier,
		limiter:  limiter,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start binds the listeners and starts serving.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("turnserver: already started")
	}
	s.started = true

	defer func() {
		if err != nil {
			s.closeLocked()
		}
	}()

	permit := peerPermissionHandler(s.cfg.PeerPolicy, s.log, s.metrics)
	relayGen := &turn.RelayAddressGeneratorStatic{
		RelayAddress: s.cfg.PublicIP,
		Address:      s.cfg.RelayBindAddr,
	}
	var conns []turn.PacketConnConfig

	if s.cfg.UDPListenAddr != "" {
		s.udp, err = net.ListenPacket("udp", s.cfg.UDPListenAddr)
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", s.cfg.UDPListenAddr, err)
		}
		conns = append(conns, turn.PacketConnConfig{PacketConn: s.udp, RelayAddressGenerator: relayGen, PermissionHandler: permit})
	}

	if s.cfg.TCPListenAddr != "" {
		s.tcp, err = net.Listen("tcp", s.cfg.TCPListenAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPListenAddr, err)
		}
		s.adapter, err = packetmux.New(packetmux.Config{
			LocalAddr:        s.tcp.Addr(),
			InboundQueueSize: s.cfg.InboundQueueSize,
			SubmitQueueSize:  s.cfg.SubmitQueueSize,
			ReadTimeout:      s.cfg.StreamIdleTimeout,
			MaxFrameBytes:    s.cfg.MaxFrameBytes,
			Logger:           s.log,
			Metrics:          s.metrics,
		})
		if err != nil {
			return err
		}
		conns = append(conns, turn.PacketConnConfig{PacketConn: s.adapter, RelayAddressGenerator: relayGen, PermissionHandler: permit})
	}

	inboundMTU := 0
	if s.adapter != nil {
		inboundMTU = s.adapter.MaxFrameBytes()
	}

	s.turn, err = turn.NewServer(turn.ServerConfig{
		Realm:              s.cfg.Realm,
		AuthHandler:        restAuthHandler(s.verifier, s.log, s.metrics),
		PacketConnConfigs:  conns,
		LoggerFactory:      LoggerFactory{Logger: s.log},
		ChannelBindTimeout: s.cfg.ChannelBindTimeout,
		InboundMTU:         inboundMTU,
	})
	if err != nil {
		return fmt.Errorf("turn server: %w", err)
	}

	if s.tcp != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tcp)
	}

	s.log.Info("turn server started",
		"realm", s.cfg.Realm,
		"udp_addr", addrString(addrOf(s.udp)),
		"tcp_addr", addrString(listenerAddr(s.tcp)),
		"tls", s.cfg.TLSConfig != nil,
		"public_ip", s.cfg.PublicIP.String(),
	)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Warn("turn tcp accept failed", "err", err)
			return
		}

		if !s.limiter.Allow(remoteIP(conn.RemoteAddr())) {
			s.metrics.Inc(metrics.TURNStreamRateLimited)
			_ = conn.Close()
			continue
		}

		if s.cfg.TLSConfig == nil {
			s.submit(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handshakeAndSubmit(conn)
		}()
	}
}

func (s *Server) handshakeAndSubmit(raw net.Conn) {
	conn := tls.Server(raw, s.cfg.TLSConfig)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TLSHandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		s.metrics.Inc(metrics.TURNTLSHandshakeFailed)
		s.log.Debug("turn tls handshake failed", "remote_addr", addrString(raw.RemoteAddr()), "err", err)
		_ = raw.Close()
		return
	}
	s.submit(conn)
}

func (s *Server) submit(conn net.Conn) {
	if err := s.adapter.Submit(s.ctx, conn); err != nil {
		_ = conn.Close()
		return
	}
	s.metrics.Inc(metrics.TURNStreamAccepted)
}

// AllocationCount returns the number of live TURN allocations.
func (s *Server) AllocationCount() int {
	s.mu.Lock()
	srv := s.turn
	s.mu.Unlock()
	if srv == nil {
		return 0
	}
	return srv.AllocationCount()
}

// StreamCount returns the number of multiplexed TCP/TLS streams.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.StreamCount()
}

// InboundQueueLen returns the number of framed packets waiting for pion/turn.
func (s *Server) InboundQueueLen() int {
	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.QueueLen()
}

func (s *Server) Addrs() Addrs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Addrs{UDP: addrOf(s.udp), TCP: listenerAddr(s.tcp)}
}

// Close stops the listeners, the TURN server and every stream. It is safe to
// call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.closeErr
}

func (s *Server) closeLocked() {
	s.closeOnce.Do(func() {
		s.cancel()
		var errs []error
		if s.tcp != nil {
			if err := s.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.turn != nil {
			if err := s.turn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		// The TURN server closes its packet conns; repeat in case it was never
		// built. Both closes are idempotent.
		if s.adapter != nil {
			_ = s.adapter.Close()
		}
		if s.udp != nil {
			_ = s.udp.Close()
		}
		s.wg.Wait()
		s.closeErr = errors.Join(errs...)
	})
}

func remoteIP(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addrString(a))
	if err != nil {
		return addrString(a)
	}
	return host
}

func addrOf(c net.PacketConn) net.Addr {
	if c == nil {
		return nil
	}
	return c.LocalAddr()
}

func listenerAddr(l net.Listener) net.Addr {
	if l == nil {
		return nil
	}
	return l.Addr()
}
