// Package auth gates access to signaling rooms. In api_key mode one key
// admits every room; in jwt mode an HS256 token admits the single room named
// by its "room" claim.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

type Verifier interface {
	Verify(credential, room string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return newJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery reads apiKey or token. Each mode prefers its own
// parameter but accepts the other.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest checks the query first, then the X-API-Key and
// Authorization (Bearer or ApiKey) headers used by non-browser clients.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	cred, err := CredentialFromQuery(mode, r.URL.Query())
	if !errors.Is(err, ErrMissingCredentials) {
		return cred, err
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	value = strings.TrimSpace(value)
	if ok && value != "" && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "ApiKey")) {
		return value, nil
	}
	return "", ErrMissingCredentials
}

// RoomAuthorizer checks requests against the configured auth mode. A nil
// RoomAuthorizer, or one in none mode, admits everything.
type RoomAuthorizer struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewRoomAuthorizer(cfg config.Config) (*RoomAuthorizer, error) {
	if cfg.AuthMode == config.AuthModeNone || cfg.AuthMode == "" {
		return &RoomAuthorizer{mode: config.AuthModeNone}, nil
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &RoomAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a *RoomAuthorizer) Authorize(r *http.Request, room string) error {
	if a == nil || a.verifier == nil {
		return nil
	}
	cred, err := CredentialFromRequest(a.mode, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred, room)
}
