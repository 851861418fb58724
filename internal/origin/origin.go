// Package origin parses browser Origin headers and decides which origins may
// reach the relay's signaling and HTTP endpoints.
package origin

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrEmpty      = errors.New("origin: empty header")
	ErrMalformed  = errors.New("origin: malformed")
	ErrScheme     = errors.New("origin: scheme must be http or https")
	ErrNotAllowed = errors.New("origin: not allowed")
)

// Null is the opaque origin browsers send from sandboxed or file: contexts.
const Null = "null"

// Origin is a parsed scheme://host[:port] origin. Hostname is lower-case and
// unbracketed; Port is zero when it is absent or the scheme default.
type Origin struct {
	Scheme   string
	Hostname string
	Port     uint16
	// Opaque is set for the literal "null" origin, which has no host.
	Opaque bool
}

// Parse validates an Origin header value. Paths other than "/", queries,
// fragments and userinfo are rejected.
func Parse(header string) (Origin, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return Origin{}, ErrEmpty
	}
	if trimmed == Null {
		return Origin{Opaque: true}, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Origin{}, ErrMalformed
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return Origin{}, ErrMalformed
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, ErrMalformed
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, ErrScheme
	}
	hostname, port, err := parseAuthority(u.Host, scheme)
	if err != nil {
		return Origin{}, err
	}
	return Origin{Scheme: scheme, Hostname: hostname, Port: port}, nil
}

// Host is the host[:port] authority with IPv6 literals bracketed.
func (o Origin) Host() string {
	if o.Opaque {
		return ""
	}
	return joinAuthority(o.Hostname, o.Port)
}

func (o Origin) String() string {
	if o.Opaque {
		return Null
	}
	return o.Scheme + "://" + o.Host()
}

// Policy answers whether an origin may talk to the relay. With no entries only
// same-host requests pass; "*" admits any origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy takes entries already normalized by Normalize (or "*").
func NewPolicy(entries []string) Policy {
	p := Policy{}
	for _, e := range entries {
		if e == "*" {
			p.any = true
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{}, len(entries))
		}
		p.allowed[e] = struct{}{}
	}
	return p
}

// Check parses header and applies the policy for a request addressed to
// requestHost. An absent header yields ErrEmpty so each caller decides how to
// treat non-browser clients.
func (p Policy) Check(header, requestHost string) (Origin, error) {
	o, err := Parse(header)
	if err != nil {
		return Origin{}, err
	}
	if p.any {
		return o, nil
	}
	if p.allowed != nil {
		if _, ok := p.allowed[o.String()]; ok {
			return o, nil
		}
		return o, ErrNotAllowed
	}
	if o.Opaque {
		return o, ErrNotAllowed
	}

	// Schemes are not compared: a TLS-terminating proxy in front of the relay
	// makes https origins arrive over plain http.
	hostname, port, err := parseAuthority(strings.TrimSpace(requestHost), o.Scheme)
	if err != nil || hostname != o.Hostname || port != o.Port {
		return o, ErrNotAllowed
	}
	return o, nil
}

// Normalize returns the canonical form of an allowed-origins entry.
func Normalize(entry string) (string, error) {
	o, err := Parse(entry)
	if err != nil {
		return "", err
	}
	return o.String(), nil
}

// parseAuthority splits host[:port], lower-cases the hostname and drops the
// port when it is the default for scheme.
func parseAuthority(raw, scheme string) (string, uint16, error) {
	if raw == "" {
		return "", 0, ErrMalformed
	}

	var hostname, rawPort string
	bracketed := strings.HasPrefix(raw, "[")
	if bracketed {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", 0, ErrMalformed
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest != "" {
			p, ok := strings.CutPrefix(rest, ":")
			if !ok || p == "" {
				return "", 0, ErrMalformed
			}
			rawPort = p
		}
	} else {
		var hasPort bool
		hostname, rawPort, hasPort = strings.Cut(raw, ":")
		// Unbracketed IPv6 literals are not valid in an authority.
		if hasPort && (rawPort == "" || strings.Contains(rawPort, ":")) {
			return "", 0, ErrMalformed
		}
	}
	hostname = strings.ToLower(hostname)
	if !validHostname(hostname, bracketed) {
		return "", 0, ErrMalformed
	}

	var port uint16
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", 0, ErrMalformed
		}
		port = uint16(n)
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}
	return hostname, port, nil
}

func validHostname(hostname string, bracketed bool) bool {
	if hostname == "" {
		return false
	}
	for i := 0; i < len(hostname); i++ {
		c := hostname[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		case c == ':' && bracketed:
		default:
			return false
		}
	}
	return true
}

func joinAuthority(hostname string, port uint16) string {
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(uint64(port), 10)
	}
	return host
}
