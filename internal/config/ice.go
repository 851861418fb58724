package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var (
	errTURNUsername   = errors.New("turn urls require username")
	errTURNCredential = errors.New("turn urls require credential")
)

// parseICEServersFromValues prefers AERO_ICE_SERVERS_JSON over the
// convenience vars. mintedTURNCreds is true when /webrtc/ice fills TURN
// credentials per request, so TURN entries may omit them.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURNCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, mintedTURNCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, mintedTURNCreds)
}

// iceServerEntry mirrors the browser RTCIceServer dictionary, where urls may
// be a single string or a list.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer-shaped objects.
func ParseICEServersJSON(raw string, mintedTURNCreds bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := newICEServer(splitList(entry.URLs), entry.Username, entry.Credential)
		if err := validateICEServer(server, mintedTURNCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN entry and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURNCreds bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitList(strings.Split(stunURLs, ",")); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		if IsTURNServer(server) {
			return nil, fmt.Errorf("%s: turn urls belong in %s", envStunURLs, envTurnURLs)
		}
		servers = append(servers, server)
	}

	if urls := splitList(strings.Split(turnURLs, ",")); len(urls) > 0 {
		server := newICEServer(urls, turnUsername, turnCredential)
		if err := validateICEServer(server, mintedTURNCreds); err != nil {
			if errors.Is(err, errTURNUsername) || errors.Is(err, errTURNCredential) {
				return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
			}
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// IsTURNServer reports whether any of the server's URLs is turn: or turns:.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			return true
		}
	}
	return false
}

func newICEServer(urls []string, username, credential string) webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(username),
	}
	// A nil Credential keeps the field out of the JSON sent to browsers.
	if credential = strings.TrimSpace(credential); credential != "" {
		server.Credential = credential
	}
	return server
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, mintedTURNCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
	}
	if !IsTURNServer(server) || mintedTURNCreds {
		return nil
	}
	if server.Username == "" {
		return errTURNUsername
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errTURNCredential
	}
	return nil
}
