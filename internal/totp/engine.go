// Package totp generates and verifies RFC 6238 time-based one-time passwords
// and the recovery codes that stand in for them.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	// ErrCodeMalformed means the submitted code is not a well-formed TOTP code.
	ErrCodeMalformed = errors.New("code malformed")
	// ErrVerificationFailed means a well-formed code did not match.
	ErrVerificationFailed = errors.New("verification failed")
)

const (
	secretSize    = 20 // bytes, the RFC 4226 recommendation for SHA1
	displayBlock  = 4
	defaultPeriod = 30
	defaultSkew   = 1
	codeDigits    = otp.DigitsSix
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Engine holds the TOTP parameters and the injectable clock and randomness.
type Engine struct {
	period uint
	skew   uint
	now    func() time.Time
	rand   io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used by Verify.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand sets the randomness source for secrets and backup codes.
func WithRand(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithSkew sets how many adjacent steps on each side are accepted.
func WithSkew(steps uint) Option {
	return func(e *Engine) { e.skew = steps }
}

// New returns an Engine with a 30 second step and a skew of one step.
func New(opts ...Option) *Engine {
	e := &Engine{
		period: defaultPeriod,
		skew:   defaultSkew,
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateSecret returns a fresh base32 encoded shared secret.
func (e *Engine) GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := io.ReadFull(e.rand, buf); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// FormatSecret groups a secret into space separated blocks of four
// characters for manual entry into an authenticator app.
func FormatSecret(secret string) string {
	var b strings.Builder
	for i, r := range secret {
		if i > 0 && i%displayBlock == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnrollmentURI builds the otpauth:// URI encoded into enrollment QR codes.
// The issuer label and email are escaped by the URI builder.
func (e *Engine) EnrollmentURI(email, issuerLabel, secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuerLabel,
		AccountName: email,
		Period:      e.period,
		Secret:      raw,
		Digits:      codeDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("build enrollment uri: %w", err)
	}
	return key.URL(), nil
}

// Verify checks code against secret at the current time, accepting the
// configured number of adjacent steps on either side.
func (e *Engine) Verify(secret, code string) error {
	code = strings.TrimSpace(code)
	if !wellFormed(code) {
		return ErrCodeMalformed
	}
	ok, err := totp.ValidateCustom(code, secret, e.now().UTC(), e.validateOpts())
	if err != nil {
		return fmt.Errorf("validate code: %w", err)
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

// GenerateCode returns the code valid for secret at the given instant.
func (e *Engine) GenerateCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), e.validateOpts())
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return code, nil
}

// Now reports the engine's current time.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    e.period,
		Skew:      e.skew,
		Digits:    codeDigits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func wellFormed(code string) bool {
	if len(code) != codeDigits.Length() {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	raw, err := b32.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return raw, nil
}
