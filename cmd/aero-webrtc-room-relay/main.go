package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-room-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_enabled", cfg.TURN.Enabled,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"auth_mode", cfg.AuthMode,
	)

	secretGenerated := false
	if cfg.TURN.Enabled && !cfg.TURNREST.Enabled() {
		cfg.TURNREST.SharedSecret = uuid.NewString()
		secretGenerated = true
	}
	logStartupSecurityWarnings(logger, cfg, secretGenerated)

	m := metrics.New()
	roomRegistry := rooms.NewRegistry(rooms.Options{
		OnRoomCreated: func(room string) {
			m.Inc(metrics.RoomCreated)
			logger.Debug("room_created", "room", room)
		},
		OnRoomDeleted: func(room string) {
			m.Inc(metrics.RoomDeleted)
			logger.Debug("room_deleted", "room", room)
		},
	})
	m.SetGauge("rooms", func() int64 { return int64(roomRegistry.RoomCount()) })
	m.SetGauge("room_members", func() int64 { return int64(roomRegistry.MemberTotal()) })

	var turnSrv *turnserver.Server
	var turnAddrs turnserver.Addrs
	if cfg.TURN.Enabled {
		turnSrv, err = newTURNServer(cfg, logger, m)
		if err != nil {
			logger.Error("failed to configure turn server", "err", err)
			os.Exit(2)
		}
		if err := turnSrv.Start(); err != nil {
			logger.Error("failed to start turn server", "err", err)
			os.Exit(1)
		}
		turnAddrs = turnSrv.Addrs()
		m.SetGauge("turn_allocations", func() int64 { return int64(turnSrv.AllocationCount()) })
		m.SetGauge("turn_streams", func() int64 { return int64(turnSrv.StreamCount()) })
		m.SetGauge("mux_inbound_queue", func() int64 { return int64(turnSrv.InboundQueueLen()) })
		logger.Info("turn server listening",
			"udp_addr", addrString(turnAddrs.UDP),
			"tcp_addr", addrString(turnAddrs.TCP),
			"tls", cfg.TURN.TLSEnabled(),
			"public_ip", cfg.TURN.PublicIP.String(),
			"realm", cfg.TURNREST.Realm,
		)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		closeTURN(logger, turnSrv)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetMetrics(m)
	srv.SetICEServers(clientICEServers(cfg, turnAddrs))
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			closeTURN(logger, turnSrv)
			os.Exit(2)
		}
		srv.SetTURNCredentials(gen)
	}

	authorizer, err := auth.NewRoomAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		closeTURN(logger, turnSrv)
		os.Exit(2)
	}

	sig := signaling.NewWebSocketServer(signaling.Config{
		Rooms:                roomRegistry,
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		Authorizer:           authorizer,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux(), srv.WithOriginPolicy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		sig.Close()
		closeTURN(logger, turnSrv)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func closeTURN(logger *slog.Logger, s *turnserver.Server) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Error("turn server close failed", "err", err)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
