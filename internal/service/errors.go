package service

import (
	"errors"

	"github.com/easelworks/gatehouse/internal/secret"
	"github.com/easelworks/gatehouse/internal/token"
	"github.com/easelworks/gatehouse/internal/totp"
)

var (
	ErrSetupFailed         = errors.New("2fa setup failed")
	ErrNotSetup            = errors.New("2fa not set up")
	ErrMaxAttemptsExceeded = errors.New("maximum verification attempts exceeded")
	ErrNotAdmin            = errors.New("not an administrator")

	ErrCodeMalformed      = totp.ErrCodeMalformed
	ErrVerificationFailed = totp.ErrVerificationFailed
	ErrCrypto             = secret.ErrCrypto
	ErrExpired            = token.ErrExpired
	ErrInvalidToken       = token.ErrInvalidToken
	ErrInvalidType        = token.ErrInvalidType
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrSetupFailed, "setup_failed"},
	{ErrNotSetup, "not_setup"},
	{ErrCodeMalformed, "code_malformed"},
	{ErrVerificationFailed, "verification_failed"},
	{ErrMaxAttemptsExceeded, "max_attempts_exceeded"},
	{ErrCrypto, "crypto_error"},
	{ErrExpired, "expired"},
	{ErrInvalidToken, "invalid_token"},
	{ErrInvalidType, "invalid_type"},
	{ErrNotAdmin, "not_admin"},
}

// ErrorKind names the kind of err for logs and metric labels. It returns
// "internal" for errors outside the taxonomy and "" for nil.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
