package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnserver"
)

// newTURNServer builds the built-in TURN server. cfg.TURNREST.SharedSecret
// must already be resolved.
func newTURNServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*turnserver.Server, error) {
	var tlsConfig *tls.Config
	if cfg.TURN.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TURN.TLSCertFile, cfg.TURN.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load turn tls key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return turnserver.New(turnserver.Config{
		Realm:                    cfg.TURNREST.Realm,
		SharedSecret:             cfg.TURNREST.SharedSecret,
		UsernamePrefix:           cfg.TURNREST.UsernamePrefix,
		UDPListenAddr:            cfg.TURN.UDPListenAddr,
		TCPListenAddr:            cfg.TURN.TCPListenAddr,
		TLSConfig:                tlsConfig,
		TLSHandshakeTimeout:      cfg.TURN.TLSHandshakeTimeout,
		PublicIP:                 cfg.TURN.PublicIP,
		RelayBindAddr:            cfg.TURN.RelayBindAddr,
		ChannelBindTimeout:       cfg.TURN.ChannelBindTimeout,
		PeerPolicy:               turnPeerPolicy(cfg.TURN),
		StreamIdleTimeout:        cfg.TURN.StreamIdleTimeout,
		InboundQueueSize:         cfg.TURN.InboundQueueSize,
		SubmitQueueSize:          cfg.TURN.SubmitQueueSize,
		MaxFrameBytes:            cfg.TURN.MaxFrameBytes,
		MaxStreamsPerSecondPerIP: cfg.TURN.MaxStreamsPerSecondPerIP,
		Logger:                   logger.With("component", "turn"),
		Metrics:                  m,
	})
}

// turnPeerPolicy always admits the relay's own public IP so clients relaying
// through this server can reach each other's relayed addresses.
func turnPeerPolicy(turn config.TURNServerConfig) *policy.PeerPolicy {
	p := &policy.PeerPolicy{
		AllowPrivateNetworks: turn.AllowPrivatePeers,
		AllowCIDRs:           turn.AllowPeerCIDRs,
		DenyCIDRs:            turn.DenyPeerCIDRs,
	}
	if turn.PublicIP != nil {
		p.AlwaysAllow = []net.IP{turn.PublicIP}
	}
	return p
}
