// Package turnrest issues and checks coturn-compatible TURN REST credentials.
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed with the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedUsername = errors.New("turnrest: malformed username")
	ErrExpired           = errors.New("turnrest: credential expired")
	ErrPrefixMismatch    = errors.New("turnrest: username prefix mismatch")
)

// Generator mints short-lived TURN credentials.
type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	idSource func() string
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// IDSource supplies the trailing username segment for GenerateRandom.
	IDSource func() string
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDSource == nil {
		cfg.IDSource = uuid.NewString
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		idSource:       cfg.IDSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("id must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, id)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.idSource())
}

// Verifier recomputes credentials for usernames minted with the same shared
// secret.
type Verifier struct {
	sharedSecret []byte
	prefix       string
	now          func() time.Time
}

// NewVerifier returns a Verifier. When prefix is non-empty, usernames must
// carry it as their second segment.
func NewVerifier(sharedSecret, prefix string, now func() time.Time) (*Verifier, error) {
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{sharedSecret: []byte(sharedSecret), prefix: prefix, now: now}, nil
}

// Credential returns the expected credential for username, or an error if
// the username is malformed, expired, or carries the wrong prefix.
func (v *Verifier) Credential(username string) (string, error) {
	expiryRaw, rest, _ := strings.Cut(username, ":")
	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil || expiry <= 0 {
		return "", fmt.Errorf("%w: %q", ErrMalformedUsername, username)
	}
	if v.prefix != "" {
		prefix, _, _ := strings.Cut(rest, ":")
		if prefix != v.prefix {
			return "", ErrPrefixMismatch
		}
	}
	if v.now().UTC().Unix() > expiry {
		return "", ErrExpired
	}
	return signUsername(v.sharedSecret, username), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
