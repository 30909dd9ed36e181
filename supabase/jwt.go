package supabase

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned for an access token past its expiry.
var ErrTokenExpired = errors.New("access token expired")

// AccessClaims is the subset of GoTrue access-token claims the site uses.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// ParseAccessToken checks expiry locally. With a secret the HS256 signature
// is verified too; without one the token is only decoded, and the
// /auth/v1/user round trip stays the authority.
func ParseAccessToken(raw string, secret []byte, now time.Time) (*AccessClaims, error) {
	if raw == "" {
		return nil, errors.New("access token required")
	}
	clock := func() time.Time { return now }
	claims := &AccessClaims{}

	if len(secret) == 0 {
		parser := jwt.NewParser(jwt.WithTimeFunc(clock))
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			return nil, fmt.Errorf("decode access token: %w", err)
		}
		if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
			return nil, ErrTokenExpired
		}
		return claims, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(clock),
		jwt.WithLeeway(5*time.Second),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return claims, nil
}
