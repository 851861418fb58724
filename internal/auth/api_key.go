package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeyVerifier admits any room with the one configured key. Keys are
// compared by SHA-256 digest in constant time.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(key, _ string) error {
	if key == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	got := sha256.Sum256([]byte(key))
	want := sha256.Sum256([]byte(v.Expected))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
