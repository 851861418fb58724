package main

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
	}

	logStartupSecurityWarnings(logger, cfg, false)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_GeneratedTURNSecret(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode: config.ModeProd,
		TURN: config.TURNServerConfig{
			Enabled:                  true,
			PublicIP:                 net.ParseIP("127.0.0.1"),
			PublicIPDefaulted:        true,
			MaxStreamsPerSecondPerIP: 0,
			AllowPrivatePeers:        true,
		},
	}

	logStartupSecurityWarnings(logger, cfg, true)

	codes := warningCodes(records())
	for _, want := range []string{
		"turn_rest_secret_generated",
		"turn_public_ip_defaulted",
		"turn_stream_rate_unlimited_in_prod",
		"turn_private_peers_allowed_in_prod",
	} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("missing warning_code=%s, got %#v", want, records())
		}
	}
	if got := codes["turn_public_ip_defaulted"].attrs["turn_public_ip"]; got != "127.0.0.1" {
		t.Fatalf("turn_public_ip attr = %#v, want 127.0.0.1", got)
	}
}

func TestStartupSecurityWarnings_AuthModeNoneInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeNone}, false)
	if _, ok := warningCodes(records())["auth_mode_none_in_prod"]; !ok {
		t.Fatalf("expected warning_code=auth_mode_none_in_prod, got %#v", records())
	}

	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeJWT}, false)
	if _, ok := warningCodes(records())["auth_mode_none_in_prod"]; ok {
		t.Fatalf("unexpected auth_mode_none_in_prod warning with jwt auth")
	}
}

func TestStartupSecurityWarnings_LongTURNRESTTTL(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode: config.ModeDev,
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "secret",
			TTLSeconds:     7 * 24 * 3600,
			UsernamePrefix: "room-relay",
		},
	}

	logStartupSecurityWarnings(logger, cfg, false)

	r, ok := warningCodes(records())["turn_rest_ttl_long"]
	if !ok {
		t.Fatalf("expected warning_code=turn_rest_ttl_long, got %#v", records())
	}
	if r.attrs["turn_rest_ttl_seconds"] != int64(7*24*3600) {
		t.Fatalf("turn_rest_ttl_seconds attr = %#v", r.attrs["turn_rest_ttl_seconds"])
	}
}

func TestStartupSecurityWarnings_QuietDefaults(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev}, false)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}
