package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "sitegate"

// ErrMalformedSubject is returned when the subject claim is not "{id}:{kind}".
var ErrMalformedSubject = errors.New("jwt: malformed subject")

// Claims defines JWT payload. Subject carries "{id}:{kind}".
type Claims struct {
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT for the principal id and kind.
func GenerateToken(id, kind, secret string, ttl time.Duration) (string, time.Time, error) {
	if strings.Contains(id, ":") {
		return "", time.Time{}, fmt.Errorf("%w: id contains ':'", ErrMalformedSubject)
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id + ":" + kind,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expires),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Parse validates signature and expiry and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Principal splits the subject claim into id and kind.
func (c *Claims) Principal() (id, kind string, err error) {
	id, kind, ok := strings.Cut(c.Subject, ":")
	if !ok || id == "" || kind == "" {
		return "", "", ErrMalformedSubject
	}
	return id, kind, nil
}
