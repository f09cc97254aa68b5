// Package token issues and verifies the signed, time-bounded claims sets used
// as access tokens, and generates the opaque refresh tokens stored by hash.
//
// Tokens are HS256 JWTs (header.payload.signature) carrying sub, iat, exp,
// jti and a type discriminator. Expiry is checked with zero leeway: a token is
// rejected from the second its exp is reached.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type discriminates access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

var (
	ErrExpired   = errors.New("token: expired")
	ErrMalformed = errors.New("token: malformed or bad signature")
	ErrWrongType = errors.New("token: wrong type")
)

// Claims is the JWT payload.
type Claims struct {
	Type Type `json:"type"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithIssuer sets the iss claim on issued tokens and requires it on verification.
func WithIssuer(iss string) Option { return func(c *Codec) { c.issuer = iss } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Codec) { c.now = now } }

func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	c := &Codec{secret: secret, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Issue signs claims with iat/exp/jti filled in. Subject and Type must be set
// by the caller; any failure here is a programming error.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" || claims.Type == "" {
		return "", errors.New("token: subject and type are required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token: non-positive ttl %s", ttl)
	}
	now := c.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.ID = uuid.NewString()
	if c.issuer != "" {
		claims.Issuer = c.issuer
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return s, nil
}

// Verify checks signature, expiry and type. The returned error wraps exactly
// one of ErrExpired, ErrMalformed or ErrWrongType.
func (c *Codec) Verify(raw string, want Type) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !claims.ExpiresAt.After(c.now()) {
		return nil, ErrExpired
	}
	if claims.Subject == "" || claims.ID == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing sub, jti or iat", ErrMalformed)
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.Type, want)
	}
	return claims, nil
}

// refreshBytes is the entropy of a refresh token.
const refreshBytes = 32

// NewRefreshToken returns a random URL-safe refresh token.
func NewRefreshToken() (string, error) {
	b := make([]byte, refreshBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken is the storage key of a raw refresh token: hex SHA-256.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
