package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/policy"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_ROOM_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_WEBRTC_ROOM_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_ROOM_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_ROOM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_ROOM_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_ROOM_RELAY_MODE"
	envVarConfigFile      = "AERO_WEBRTC_ROOM_RELAY_CONFIG_FILE"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Optional per-room signaling access control.
	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	// Built-in TURN server.
	envVarTURNEnabled                  = "TURN_ENABLED"
	envVarTURNUDPListenAddr            = "TURN_UDP_LISTEN_ADDR"
	envVarTURNTCPListenAddr            = "TURN_TCP_LISTEN_ADDR"
	envVarTURNTLSCertFile              = "TURN_TLS_CERT_FILE"
	envVarTURNTLSKeyFile               = "TURN_TLS_KEY_FILE"
	envVarTURNTLSHandshakeTimeout      = "TURN_TLS_HANDSHAKE_TIMEOUT"
	envVarTURNPublicIP                 = "TURN_PUBLIC_IP"
	envVarTURNRelayBindAddr            = "TURN_RELAY_BIND_ADDR"
	envVarTURNChannelBindTimeout       = "TURN_CHANNEL_BIND_TIMEOUT"
	envVarTURNStreamIdleTimeout        = "TURN_STREAM_IDLE_TIMEOUT"
	envVarTURNInboundQueueSize         = "TURN_INBOUND_QUEUE_SIZE"
	envVarTURNSubmitQueueSize          = "TURN_SUBMIT_QUEUE_SIZE"
	envVarTURNMaxFrameBytes            = "TURN_MAX_FRAME_BYTES"
	envVarTURNMaxStreamsPerSecondPerIP = "TURN_MAX_STREAMS_PER_SECOND_PER_IP"
	envVarTURNAllowPrivatePeers        = "TURN_ALLOW_PRIVATE_PEERS"
	envVarTURNAllowPeerCIDRs           = "TURN_ALLOW_PEER_CIDRS"
	envVarTURNDenyPeerCIDRs            = "TURN_DENY_PEER_CIDRS"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "room-relay"

	DefaultTURNUDPListenAddr            = "0.0.0.0:3478"
	DefaultTURNTCPListenAddr            = "0.0.0.0:3478"
	DefaultTURNTLSHandshakeTimeout      = 10 * time.Second
	DefaultTURNPublicIP                 = "127.0.0.1"
	DefaultTURNRelayBindAddr            = "0.0.0.0"
	DefaultTURNChannelBindTimeout       = 600 * time.Second
	DefaultTURNStreamIdleTimeout        = 10 * time.Second
	DefaultTURNInboundQueueSize         = 1000
	DefaultTURNSubmitQueueSize          = 100
	DefaultTURNMaxFrameBytes            = framing.MaxPayload
	DefaultTURNMaxStreamsPerSecondPerIP = 20
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// TURNServerConfig configures the built-in TURN server. TLSCertFile and
// TLSKeyFile are set together or not at all.
type TURNServerConfig struct {
	Enabled       bool
	UDPListenAddr string
	TCPListenAddr string

	TLSCertFile         string
	TLSKeyFile          string
	TLSHandshakeTimeout time.Duration

	PublicIP net.IP
	// PublicIPDefaulted is true when TURN_PUBLIC_IP was not configured and
	// PublicIP holds the loopback default.
	PublicIPDefaulted bool
	RelayBindAddr     string

	ChannelBindTimeout       time.Duration
	StreamIdleTimeout        time.Duration
	InboundQueueSize         int
	SubmitQueueSize          int
	MaxFrameBytes            int
	MaxStreamsPerSecondPerIP int

	// Peer permission policy. AllowPrivatePeers defaults to true in dev and
	// false in prod.
	AllowPrivatePeers bool
	AllowPeerCIDRs    []*net.IPNet
	DenyPeerCIDRs     []*net.IPNet
}

func (c TURNServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ConfigFile is the YAML file values were read from, if any.
	ConfigFile string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	// ICEServers is the client-facing ICE list served by /webrtc/ice.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
	TURN       TURNServerConfig

	iceConfigErr error
}

// ICEConfigError reports a problem with the ICE server configuration. It is
// surfaced through /readyz instead of failing startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = strings.TrimSpace(envOrDefault(envLookup, envVarConfigFile, ""))
	}
	lookup := envLookup
	if configFile != "" {
		values, err := readConfigFile(configFile, envLookup)
		if err != nil {
			return Config{}, err
		}
		lookup = layeredLookup(envLookup, values)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	turnEnabled, err := envBoolOrDefault(lookup, envVarTURNEnabled, false)
	if err != nil {
		return Config{}, err
	}
	turnUDPListenAddr := envOrDefault(lookup, envVarTURNUDPListenAddr, DefaultTURNUDPListenAddr)
	turnTCPListenAddr := envOrDefault(lookup, envVarTURNTCPListenAddr, DefaultTURNTCPListenAddr)
	turnTLSCertFile := envOrDefault(lookup, envVarTURNTLSCertFile, "")
	turnTLSKeyFile := envOrDefault(lookup, envVarTURNTLSKeyFile, "")
	turnTLSHandshakeTimeout, err := envDurationOrDefault(lookup, envVarTURNTLSHandshakeTimeout, DefaultTURNTLSHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	envTURNPublicIP, envTURNPublicIPOK := lookup(envVarTURNPublicIP)
	envTURNPublicIPSet := envTURNPublicIPOK && strings.TrimSpace(envTURNPublicIP) != ""
	turnPublicIPStr := DefaultTURNPublicIP
	if envTURNPublicIPSet {
		turnPublicIPStr = envTURNPublicIP
	}
	turnRelayBindAddr := envOrDefault(lookup, envVarTURNRelayBindAddr, DefaultTURNRelayBindAddr)
	turnChannelBindTimeout, err := envDurationOrDefault(lookup, envVarTURNChannelBindTimeout, DefaultTURNChannelBindTimeout)
	if err != nil {
		return Config{}, err
	}
	turnStreamIdleTimeout, err := envDurationOrDefault(lookup, envVarTURNStreamIdleTimeout, DefaultTURNStreamIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	turnInboundQueueSize, err := envIntOrDefault(lookup, envVarTURNInboundQueueSize, DefaultTURNInboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	turnSubmitQueueSize, err := envIntOrDefault(lookup, envVarTURNSubmitQueueSize, DefaultTURNSubmitQueueSize)
	if err != nil {
		return Config{}, err
	}
	turnMaxFrameBytes, err := envIntOrDefault(lookup, envVarTURNMaxFrameBytes, DefaultTURNMaxFrameBytes)
	if err != nil {
		return Config{}, err
	}
	turnMaxStreamsPerSecondPerIP, err := envIntOrDefault(lookup, envVarTURNMaxStreamsPerSecondPerIP, DefaultTURNMaxStreamsPerSecondPerIP)
	if err != nil {
		return Config{}, err
	}

	envTURNAllowPrivatePeers, envTURNAllowPrivatePeersOK := lookup(envVarTURNAllowPrivatePeers)
	envTURNAllowPrivatePeersSet := envTURNAllowPrivatePeersOK && strings.TrimSpace(envTURNAllowPrivatePeers) != ""
	turnAllowPrivatePeers, err := envBoolOrDefault(lookup, envVarTURNAllowPrivatePeers, modeDefault == string(ModeDev))
	if err != nil {
		return Config{}, err
	}
	turnAllowPeerCIDRs := envOrDefault(lookup, envVarTURNAllowPeerCIDRs, "")
	turnDenyPeerCIDRs := envOrDefault(lookup, envVarTURNDenyPeerCIDRs, "")

	fs := flag.NewFlagSet("aero-webrtc-room-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "YAML file of env var values, read underneath the real environment (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key admitting every room when --auth-mode=api_key (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for room tokens when --auth-mode=jwt (env "+envVarJWTSecret+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm ("+envVarTURNRESTRealm+")")

	fs.BoolVar(&turnEnabled, "turn-enabled", turnEnabled, "Run the built-in TURN server (env "+envVarTURNEnabled+")")
	fs.StringVar(&turnUDPListenAddr, "turn-udp-listen-addr", turnUDPListenAddr, "Built-in TURN UDP listen address; empty disables UDP (env "+envVarTURNUDPListenAddr+")")
	fs.StringVar(&turnTCPListenAddr, "turn-tcp-listen-addr", turnTCPListenAddr, "Built-in TURN TCP/TLS listen address; empty disables TCP (env "+envVarTURNTCPListenAddr+")")
	fs.StringVar(&turnTLSCertFile, "turn-tls-cert-file", turnTLSCertFile, "PEM certificate for turns: on the TCP listener (env "+envVarTURNTLSCertFile+")")
	fs.StringVar(&turnTLSKeyFile, "turn-tls-key-file", turnTLSKeyFile, "PEM key for turns: on the TCP listener (env "+envVarTURNTLSKeyFile+")")
	fs.DurationVar(&turnTLSHandshakeTimeout, "turn-tls-handshake-timeout", turnTLSHandshakeTimeout, "TLS handshake timeout for TURN TCP clients (env "+envVarTURNTLSHandshakeTimeout+")")
	fs.StringVar(&turnPublicIPStr, "turn-public-ip", turnPublicIPStr, "Public IP advertised in TURN relayed addresses (env "+envVarTURNPublicIP+")")
	fs.StringVar(&turnRelayBindAddr, "turn-relay-bind-addr", turnRelayBindAddr, "Local address TURN relay sockets bind to (env "+envVarTURNRelayBindAddr+")")
	fs.DurationVar(&turnChannelBindTimeout, "turn-channel-bind-timeout", turnChannelBindTimeout, "TURN channel binding lifetime (env "+envVarTURNChannelBindTimeout+")")
	fs.DurationVar(&turnStreamIdleTimeout, "turn-stream-idle-timeout", turnStreamIdleTimeout, "Drop TURN TCP streams idle for this long (env "+envVarTURNStreamIdleTimeout+")")
	fs.IntVar(&turnInboundQueueSize, "turn-inbound-queue-size", turnInboundQueueSize, "Inbound packet queue depth shared by TURN TCP streams (env "+envVarTURNInboundQueueSize+")")
	fs.IntVar(&turnSubmitQueueSize, "turn-submit-queue-size", turnSubmitQueueSize, "Pending TURN TCP stream submissions (env "+envVarTURNSubmitQueueSize+")")
	fs.IntVar(&turnMaxFrameBytes, "turn-max-frame-bytes", turnMaxFrameBytes, "Max payload bytes per TURN TCP frame (1-65535; env "+envVarTURNMaxFrameBytes+")")
	fs.IntVar(&turnMaxStreamsPerSecondPerIP, "turn-max-streams-per-second-per-ip", turnMaxStreamsPerSecondPerIP, "New TURN TCP streams per second per remote IP (0 = unlimited; env "+envVarTURNMaxStreamsPerSecondPerIP+")")

	fs.BoolVar(&turnAllowPrivatePeers, "turn-allow-private-peers", turnAllowPrivatePeers, "Allow TURN permissions for loopback/private/special peer IPs (default true in dev, false in prod; env "+envVarTURNAllowPrivatePeers+")")
	fs.StringVar(&turnAllowPeerCIDRs, "turn-allow-peer-cidrs", turnAllowPeerCIDRs, "Comma-separated CIDRs TURN peers must fall in (empty = any; env "+envVarTURNAllowPeerCIDRs+")")
	fs.StringVar(&turnDenyPeerCIDRs, "turn-deny-peer-cidrs", turnDenyPeerCIDRs, "Comma-separated CIDRs TURN peers may never fall in (env "+envVarTURNDenyPeerCIDRs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if !envTURNAllowPrivatePeersSet && !setFlags["turn-allow-private-peers"] {
		turnAllowPrivatePeers = mode == ModeDev
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" || turnEnabled {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when TURN REST credentials are in use", envVarTURNRESTTTLSeconds)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when TURN REST credentials are in use", envVarTURNRESTUsernamePrefix)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	turn := TURNServerConfig{
		Enabled:                  turnEnabled,
		UDPListenAddr:            strings.TrimSpace(turnUDPListenAddr),
		TCPListenAddr:            strings.TrimSpace(turnTCPListenAddr),
		TLSCertFile:              strings.TrimSpace(turnTLSCertFile),
		TLSKeyFile:               strings.TrimSpace(turnTLSKeyFile),
		TLSHandshakeTimeout:      turnTLSHandshakeTimeout,
		PublicIPDefaulted:        !envTURNPublicIPSet && !setFlags["turn-public-ip"],
		RelayBindAddr:            strings.TrimSpace(turnRelayBindAddr),
		ChannelBindTimeout:       turnChannelBindTimeout,
		StreamIdleTimeout:        turnStreamIdleTimeout,
		InboundQueueSize:         turnInboundQueueSize,
		SubmitQueueSize:          turnSubmitQueueSize,
		MaxFrameBytes:            turnMaxFrameBytes,
		MaxStreamsPerSecondPerIP: turnMaxStreamsPerSecondPerIP,
		AllowPrivatePeers:        turnAllowPrivatePeers,
	}
	if turnEnabled {
		if err := validateTURNServer(&turn, turnPublicIPStr); err != nil {
			return Config{}, err
		}
		if turn.AllowPeerCIDRs, err = policy.ParseCIDRList(turnAllowPeerCIDRs); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--turn-allow-peer-cidrs: %w", envVarTURNAllowPeerCIDRs, err)
		}
		if turn.DenyPeerCIDRs, err = policy.ParseCIDRList(turnDenyPeerCIDRs); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--turn-deny-peer-cidrs: %w", envVarTURNDenyPeerCIDRs, err)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		ConfigFile:      configFile,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
		TURN: turn,
	}

	// The built-in server mints credentials per request even before a secret
	// is generated at boot, so its TURN entries may omit them too.
	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled() || cfg.TURN.Enabled,
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func validateTURNServer(turn *TURNServerConfig, publicIPStr string) error {
	if turn.UDPListenAddr == "" && turn.TCPListenAddr == "" {
		return fmt.Errorf("%s and %s must not both be empty when %s is set", envVarTURNUDPListenAddr, envVarTURNTCPListenAddr, envVarTURNEnabled)
	}
	if (turn.TLSCertFile == "") != (turn.TLSKeyFile == "") {
		return fmt.Errorf("%s and %s must be set together (or both unset)", envVarTURNTLSCertFile, envVarTURNTLSKeyFile)
	}
	if turn.TLSEnabled() && turn.TCPListenAddr == "" {
		return fmt.Errorf("%s requires %s", envVarTURNTLSCertFile, envVarTURNTCPListenAddr)
	}
	ip := net.ParseIP(strings.TrimSpace(publicIPStr))
	if ip == nil || IsUnspecifiedIP(ip) {
		return fmt.Errorf("invalid %s %q (expected a routable IP address)", envVarTURNPublicIP, publicIPStr)
	}
	turn.PublicIP = ip
	if turn.RelayBindAddr == "" {
		turn.RelayBindAddr = DefaultTURNRelayBindAddr
	}
	if net.ParseIP(turn.RelayBindAddr) == nil {
		return fmt.Errorf("invalid %s %q (expected an IP address)", envVarTURNRelayBindAddr, turn.RelayBindAddr)
	}
	if turn.TLSHandshakeTimeout <= 0 {
		return fmt.Errorf("%s/--turn-tls-handshake-timeout must be > 0", envVarTURNTLSHandshakeTimeout)
	}
	if turn.ChannelBindTimeout <= 0 {
		return fmt.Errorf("%s/--turn-channel-bind-timeout must be > 0", envVarTURNChannelBindTimeout)
	}
	if turn.StreamIdleTimeout <= 0 {
		return fmt.Errorf("%s/--turn-stream-idle-timeout must be > 0", envVarTURNStreamIdleTimeout)
	}
	if turn.InboundQueueSize <= 0 {
		return fmt.Errorf("%s/--turn-inbound-queue-size must be > 0", envVarTURNInboundQueueSize)
	}
	if turn.SubmitQueueSize <= 0 {
		return fmt.Errorf("%s/--turn-submit-queue-size must be > 0", envVarTURNSubmitQueueSize)
	}
	if turn.MaxFrameBytes <= 0 || turn.MaxFrameBytes > framing.MaxPayload {
		return fmt.Errorf("%s/--turn-max-frame-bytes must be between 1 and %d", envVarTURNMaxFrameBytes, framing.MaxPayload)
	}
	if turn.MaxStreamsPerSecondPerIP < 0 {
		return fmt.Errorf("%s/--turn-max-streams-per-second-per-ip must be >= 0", envVarTURNMaxStreamsPerSecondPerIP)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalized, err := origin.Normalize(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com): %w", entry, err)
		}
		out = append(out, normalized)
	}

	return out, nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}
