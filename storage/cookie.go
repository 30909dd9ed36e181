package storage

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const cookiePrefix = "site_"

// MaxCookieSize is the largest name plus value browsers keep for one cookie.
const MaxCookieSize = 4096

// DefaultCookieTTL bounds how long a persisted value survives without being rewritten.
const DefaultCookieTTL = 30 * 24 * time.Hour

// CookieCodec signs and verifies cookie-backed storage values.
type CookieCodec struct {
	secret   []byte
	secure   bool
	domain   string
	ttl      time.Duration
	keyTTL   map[string]time.Duration
	now      func() time.Time
	sameSite http.SameSite
}

// CookieOptions configures a CookieCodec.
type CookieOptions struct {
	Secure bool
	Domain string
	TTL    time.Duration
	// KeyTTL overrides TTL for individual keys, e.g. a short-lived state nonce.
	KeyTTL map[string]time.Duration
}

type cookieClaims struct {
	Key   string `json:"k"`
	Value string `json:"v"`
	jwt.RegisteredClaims
}

// NewCookieCodec constructs a codec. The secret must be at least 32 bytes.
func NewCookieCodec(secret []byte, opts CookieOptions) (*CookieCodec, error) {
	if len(secret) < 32 {
		return nil, errors.New("cookie secret must be at least 32 bytes")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCookieTTL
	}
	keyTTL := make(map[string]time.Duration, len(opts.KeyTTL))
	for k, v := range opts.KeyTTL {
		keyTTL[k] = v
	}
	return &CookieCodec{
		secret: secret,
		secure: opts.Secure,
		domain: opts.Domain,
		ttl:    ttl,
		keyTTL: keyTTL,
		now:    time.Now,
		// Lax so the provider's cross-site redirect back still carries the state cookie.
		sameSite: http.SameSiteLaxMode,
	}, nil
}

func (c *CookieCodec) ttlFor(key string) time.Duration {
	if d, ok := c.keyTTL[key]; ok && d > 0 {
		return d
	}
	return c.ttl
}

// Encode signs value for key.
func (c *CookieCodec) Encode(key, value string) (string, error) {
	now := c.now()
	claims := cookieClaims{
		Key:   key,
		Value: value,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttlFor(key))),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign cookie %s: %w", key, err)
	}
	return signed, nil
}

// Decode verifies raw and returns the value stored for key.
func (c *CookieCodec) Decode(key, raw string) (string, error) {
	var claims cookieClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verify cookie %s: %w", key, err)
	}
	if claims.Key != key {
		return "", fmt.Errorf("cookie %s carries value for %q", key, claims.Key)
	}
	return claims.Value, nil
}

// Bind returns Durable storage scoped to a single request/response pair.
func (c *CookieCodec) Bind(w http.ResponseWriter, r *http.Request) *Cookies {
	return &Cookies{codec: c, w: w, r: r, pending: make(map[string]*string)}
}

// Cookies is Durable storage backed by one signed cookie per key. Writes are
// visible to later reads on the same request.
type Cookies struct {
	codec   *CookieCodec
	w       http.ResponseWriter
	r       *http.Request
	pending map[string]*string
}

// Get returns the verified value of key. Tampered or expired cookies read as missing.
func (s *Cookies) Get(key string) (string, bool) {
	if v, ok := s.pending[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	cookie, err := s.r.Cookie(cookiePrefix + key)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	value, err := s.codec.Decode(key, cookie.Value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Set writes a signed cookie for key. Values that would exceed
// MaxCookieSize once signed fail with ErrValueTooLarge.
func (s *Cookies) Set(key, value string) error {
	signed, err := s.codec.Encode(key, value)
	if err != nil {
		return err
	}
	if size := len(cookiePrefix+key) + len(signed); size > MaxCookieSize {
		return fmt.Errorf("cookie %s is %d bytes: %w", key, size, ErrValueTooLarge)
	}
	ttl := s.codec.ttlFor(key)
	http.SetCookie(s.w, &http.Cookie{
		Name:     cookiePrefix + key,
		Value:    signed,
		Path:     "/",
		Domain:   s.codec.domain,
		HttpOnly: true,
		Secure:   s.codec.secure,
		SameSite: s.codec.sameSite,
		MaxAge:   int(ttl.Seconds()),
	})
	v := value
	s.pending[key] = &v
	return nil
}

// Delete expires the cookie for key.
func (s *Cookies) Delete(key string) error {
	http.SetCookie(s.w, &http.Cookie{
		Name:     cookiePrefix + key,
		Value:    "",
		Path:     "/",
		Domain:   s.codec.domain,
		HttpOnly: true,
		Secure:   s.codec.secure,
		SameSite: s.codec.sameSite,
		MaxAge:   -1,
	})
	s.pending[key] = nil
	return nil
}

// CookieName returns the cookie name used for key.
func CookieName(key string) string {
	return cookiePrefix + key
}
