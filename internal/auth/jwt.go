package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnsupportedJWT = errors.New("unsupported jwt")
	ErrWrongRoom      = errors.New("token is for a different room")

	errMissingRoomClaim = errors.New("missing room claim")
	errMissingIssuedAt  = errors.New("missing iat claim")
)

// maxTokenBytes bounds the work done on attacker supplied query strings.
const maxTokenBytes = 16 * 1024

// roomClaims is the payload of a signaling token. Room is required and binds
// the token to a single room; exp and iat are required registered claims.
type roomClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// Validate is called by the parser after the registered claims pass.
func (c roomClaims) Validate() error {
	if c.Room == "" {
		return errMissingRoomClaim
	}
	if c.IssuedAt == nil {
		return errMissingIssuedAt
	}
	return nil
}

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func newJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v jwtVerifier) parse(token string) (roomClaims, error) {
	if token == "" || len(token) > maxTokenBytes {
		return roomClaims{}, ErrInvalidCredentials
	}

	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithStrictDecoding(),
	)

	var claims roomClaims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("%w: alg %s", ErrUnsupportedJWT, t.Method.Alg())
		}
		return v.secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, ErrUnsupportedJWT):
		return roomClaims{}, ErrUnsupportedJWT
	default:
		return roomClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
}

// Verify accepts token only for the room named by its room claim.
func (v jwtVerifier) Verify(token, room string) error {
	claims, err := v.parse(token)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Room), []byte(room)) != 1 {
		return ErrWrongRoom
	}
	return nil
}
