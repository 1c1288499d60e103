// Package token mints and validates the stateless bearer tokens handed out
// around two-factor verification.
package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrExpired      = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidType  = errors.New("invalid token type")
)

const (
	DefaultTemporaryTTL = 10 * time.Minute
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 7 * 24 * time.Hour
)

// Config holds the signing secrets and TTLs per kind.
type Config struct {
	Issuer          string
	AccessSecret    []byte
	TemporarySecret []byte
	RefreshSecret   []byte
	TemporaryTTL    time.Duration
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
}

// Issuer signs and verifies tokens with HS256.
type Issuer struct {
	issuer  string
	secrets map[Kind][]byte
	ttls    map[Kind]time.Duration
	now     func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the time source for both issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer validates cfg and returns an Issuer. Missing TTLs take the
// defaults; every secret is required.
func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	secrets := map[Kind][]byte{
		KindTemporary: cfg.TemporarySecret,
		KindAccess:    cfg.AccessSecret,
		KindRefresh:   cfg.RefreshSecret,
	}
	for kind, s := range secrets {
		if len(s) == 0 {
			return nil, fmt.Errorf("token: missing %s signing secret", kind)
		}
	}

	i := &Issuer{
		issuer:  cfg.Issuer,
		secrets: secrets,
		ttls: map[Kind]time.Duration{
			KindTemporary: orDefault(cfg.TemporaryTTL, DefaultTemporaryTTL),
			KindAccess:    orDefault(cfg.AccessTTL, DefaultAccessTTL),
			KindRefresh:   orDefault(cfg.RefreshTTL, DefaultRefreshTTL),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the lifetime of tokens of the given kind.
func (i *Issuer) TTL(kind Kind) time.Duration { return i.ttls[kind] }

// Issue signs a token of the given kind for subject.
func (i *Issuer) Issue(kind Kind, subject Subject) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("token: unknown kind %q", kind)
	}
	now := i.now()
	claims := Claims{
		IsAdmin: subject.IsAdmin,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Email,
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttls[kind])),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secrets[kind])
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks the signature with the secret of the token's declared kind,
// then its expiry, then that the kind matches expected.
func (i *Issuer) Verify(tokenStr string, expected Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || !c.Kind.Valid() {
			return nil, errors.New("unknown token kind")
		}
		return i.secrets[c.Kind], nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidToken
	}

	if claims.Kind != expected {
		return nil, ErrInvalidType
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DeriveSecret expands master into a kind specific signing secret, keeping
// the signing contexts of the three kinds apart when only one secret is
// configured.
func DeriveSecret(master []byte, kind Kind) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("token: empty master secret")
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("gatehouse/token/"+string(kind)))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s secret: %w", kind, err)
	}
	return out, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
