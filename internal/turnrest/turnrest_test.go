package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "room-relay",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		IDSource:       func() string { return "unused" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:room-relay:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestGenerate_TTLBehavior(t *testing.T) {
	now := time.Unix(42, 0).UTC()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     10,
		UsernamePrefix: "room-relay",
		Now:            func() time.Time { return now },
		IDSource:       func() string { return "unused" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("abc")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if creds.ExpiryUnix != now.Unix()+10 {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, now.Unix()+10)
	}
}

func TestGenerate_CredentialBase64AndHMACSHA1(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     1,
		UsernamePrefix: "pfx",
		Now:            func() time.Time { return time.Unix(0, 0).UTC() },
		IDSource:       func() string { return "unused" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(creds.Username))
	want := mac.Sum(nil)
	if string(decoded) != string(want) {
		t.Fatalf("decoded HMAC mismatch")
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerateRandom_UsesUUID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	parts := strings.SplitN(creds.Username, ":", 3)
	if len(parts) != 3 || parts[1] != "p" {
		t.Fatalf("Username=%q", creds.Username)
	}
	if _, err := uuid.Parse(parts[2]); err != nil {
		t.Fatalf("id segment %q is not a uuid: %v", parts[2], err)
	}
}

func TestNewGenerator_RejectsBadConfig(t *testing.T) {
	for _, cfg := range []GeneratorConfig{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	} {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("NewGenerator(%+v) succeeded", cfg)
		}
	}
}

func TestVerifier_AcceptsGeneratedCredentials(t *testing.T) {
	now := time.Unix(1_000, 0)
	clock := func() time.Time { return now }
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "secret", TTLSeconds: 60, UsernamePrefix: "room-relay", Now: clock})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	v, err := NewVerifier("secret", "room-relay", clock)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := v.Credential(creds.Username)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got != creds.Credential {
		t.Fatalf("Credential=%q, want %q", got, creds.Credential)
	}

	// Still valid at the expiry second, rejected after it.
	now = time.Unix(creds.ExpiryUnix, 0)
	if _, err := v.Credential(creds.Username); err != nil {
		t.Fatalf("Credential at expiry: %v", err)
	}
	now = time.Unix(creds.ExpiryUnix+1, 0)
	if _, err := v.Credential(creds.Username); !errors.Is(err, ErrExpired) {
		t.Fatalf("err=%v, want %v", err, ErrExpired)
	}
}

func TestVerifier_RejectsBadUsernames(t *testing.T) {
	v, err := NewVerifier("secret", "room-relay", func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	tests := []struct {
		username string
		want     error
	}{
		{"", ErrMalformedUsername},
		{"alice", ErrMalformedUsername},
		{"-5:room-relay:x", ErrMalformedUsername},
		{"100:other:x", ErrPrefixMismatch},
		{"100", ErrPrefixMismatch},
	}
	for _, tt := range tests {
		if _, err := v.Credential(tt.username); !errors.Is(err, tt.want) {
			t.Fatalf("Credential(%q) err=%v, want %v", tt.username, err, tt.want)
		}
	}

	open, err := NewVerifier("secret", "", nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	far := "99999999999"
	if _, err := open.Credential(far); err != nil {
		t.Fatalf("bare expiry username rejected without prefix requirement: %v", err)
	}
	if _, err := NewVerifier("", "", nil); err == nil {
		t.Fatalf("NewVerifier with empty secret succeeded")
	}
}
