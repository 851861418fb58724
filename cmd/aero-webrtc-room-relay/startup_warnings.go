package main

import (
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, turnSecretGenerated bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && (cfg.AuthMode == config.AuthModeNone || cfg.AuthMode == "") {
		logger.Warn("startup security warning: AUTH_MODE=none while --mode=prod (anyone who can reach the relay can join any room)",
			"warning_code", "auth_mode_none_in_prod",
			"mode", cfg.Mode,
		)
	}

	if turnSecretGenerated {
		logger.Warn("startup security warning: TURN_REST_SHARED_SECRET is unset; generated a random secret for this process (credentials will not survive a restart or work across replicas)",
			"warning_code", "turn_rest_secret_generated",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURN.Enabled && cfg.TURN.PublicIPDefaulted {
		logger.Warn("startup warning: TURN_PUBLIC_IP is unset; relayed addresses will advertise loopback and only work for local clients",
			"warning_code", "turn_public_ip_defaulted",
			"turn_public_ip", cfg.TURN.PublicIP.String(),
			"mode", cfg.Mode,
		)
	}

	if cfg.TURN.Enabled && cfg.Mode == config.ModeProd && cfg.TURN.MaxStreamsPerSecondPerIP <= 0 {
		logger.Warn("startup security warning: TURN_MAX_STREAMS_PER_SECOND_PER_IP is 0 (unlimited) while --mode=prod",
			"warning_code", "turn_stream_rate_unlimited_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURN.Enabled && cfg.Mode == config.ModeProd && cfg.TURN.AllowPrivatePeers {
		logger.Warn("startup security warning: TURN_ALLOW_PRIVATE_PEERS=true while --mode=prod (TURN clients can relay into private networks)",
			"warning_code", "turn_private_peers_allowed_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && time.Duration(cfg.TURNREST.TTLSeconds)*time.Second > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS is longer than a day (leaked credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
