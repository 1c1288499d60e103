// Package service composes the cipher, TOTP engine, attempt limiter and
// token issuer into the second-factor operations exposed to the boundary.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/easelworks/gatehouse/internal/limiter"
	"github.com/easelworks/gatehouse/internal/metrics"
	"github.com/easelworks/gatehouse/internal/model"
	"github.com/easelworks/gatehouse/internal/secret"
	"github.com/easelworks/gatehouse/internal/store"
	"github.com/easelworks/gatehouse/internal/token"
	"github.com/easelworks/gatehouse/internal/totp"
)

// Verification methods, used as the metrics "method" label.
const (
	MethodTOTP   = "totp"
	MethodBackup = "backup"
)

// Store is the persistence the service needs. *store.Store satisfies it.
type Store interface {
	limiter.Store
	GetAdmin(ctx context.Context, email string) (*model.Admin, error)
	SetTotpEnabled(ctx context.Context, email string, enabled bool) error
	GetCredential(ctx context.Context, email string) (*model.Credential, error)
	UpsertCredential(ctx context.Context, c *model.Credential) error
}

// Options tunes a TwoFactorService. Zero values take the defaults.
type Options struct {
	IssuerLabel string
	Policy      limiter.Policy
	QRSize      int
	Logger      *slog.Logger
	Now         func() time.Time
}

// TwoFactorService runs enrollment, verification and token refresh.
type TwoFactorService struct {
	store       Store
	cipher      *secret.Cipher
	engine      *totp.Engine
	issuer      *token.Issuer
	limiter     *limiter.Limiter
	issuerLabel string
	qrSize      int
	logger      *slog.Logger
}

// SetupResult is everything an administrator needs to enroll an
// authenticator. Secret and BackupCodes are plaintext and shown once.
type SetupResult struct {
	Email          string   `json:"email"`
	Secret         string   `json:"secret"`
	DisplaySecret  string   `json:"display_secret"`
	URI            string   `json:"uri"`
	QRCode         []byte   `json:"-"`
	BackupCodes    []string `json:"backup_codes"`
	TemporaryToken string   `json:"temporary_token"`
}

// VerifyResult identifies the administrator after a successful verification.
type VerifyResult struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// Principal is the identity carried by a verified token.
type Principal struct {
	Email     string     `json:"email"`
	IsAdmin   bool       `json:"is_admin"`
	Kind      token.Kind `json:"kind"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// SessionTokens is the access and refresh pair issued after verification.
type SessionTokens struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func NewTwoFactorService(st Store, cipher *secret.Cipher, engine *totp.Engine, issuer *token.Issuer, opts Options) *TwoFactorService {
	if opts.IssuerLabel == "" {
		opts.IssuerLabel = "Gatehouse"
	}
	if opts.QRSize <= 0 {
		opts.QRSize = totp.DefaultQRSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TwoFactorService{
		store:       st,
		cipher:      cipher,
		engine:      engine,
		issuer:      issuer,
		limiter:     limiter.New(st, opts.Policy, opts.Now),
		issuerLabel: opts.IssuerLabel,
		qrSize:      opts.QRSize,
		logger:      opts.Logger,
	}
}

// Setup enrolls email: a fresh secret and backup codes replace any prior
// credential and a temporary token is issued for the verification step.
func (s *TwoFactorService) Setup(ctx context.Context, email string) (*SetupResult, error) {
	email = model.NormalizeEmail(email)

	admin, err := s.store.GetAdmin(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.SetupsTotal.WithLabelValues(metrics.ResultFailure).Inc()
			return nil, ErrNotAdmin
		}
		return nil, s.setupFailed(email, "load admin", err)
	}
	if !admin.IsAdmin {
		metrics.SetupsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, ErrNotAdmin
	}

	plainSecret, err := s.engine.GenerateSecret()
	if err != nil {
		return nil, s.setupFailed(email, "generate secret", err)
	}
	codes, err := s.engine.GenerateBackupCodes(model.BackupCodeCount)
	if err != nil {
		return nil, s.setupFailed(email, "generate backup codes", err)
	}
	uri, err := s.engine.EnrollmentURI(email, s.issuerLabel, plainSecret)
	if err != nil {
		return nil, s.setupFailed(email, "build enrollment uri", err)
	}
	png, err := totp.QRCode(uri, s.qrSize)
	if err != nil {
		return nil, s.setupFailed(email, "render qr code", err)
	}

	encSecret, err := s.cipher.Encrypt(plainSecret)
	if err != nil {
		return nil, s.setupFailed(email, "encrypt secret", err)
	}
	encCodes, err := s.cipher.EncryptAll(codes)
	if err != nil {
		return nil, s.setupFailed(email, "encrypt backup codes", err)
	}

	cred := &model.Credential{
		AdminEmail:      email,
		EncryptedSecret: encSecret,
		BackupCodes:     encCodes,
	}
	if err := s.store.UpsertCredential(ctx, cred); err != nil {
		return nil, s.setupFailed(email, "persist credential", err)
	}

	tmp, err := s.issue(token.KindTemporary, token.Subject{Email: email, IsAdmin: admin.IsAdmin})
	if err != nil {
		return nil, s.setupFailed(email, "issue temporary token", err)
	}

	metrics.SetupsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	s.logger.Info("2fa setup completed", "email", email, "backup_codes", len(codes))

	return &SetupResult{
		Email:          email,
		Secret:         plainSecret,
		DisplaySecret:  totp.FormatSecret(plainSecret),
		URI:            uri,
		QRCode:         png,
		BackupCodes:    codes,
		TemporaryToken: tmp,
	}, nil
}

// VerifyByCode checks a six-digit authenticator code. The first success
// marks the administrator as enrolled.
func (s *TwoFactorService) VerifyByCode(ctx context.Context, email, code string) (*VerifyResult, error) {
	email = model.NormalizeEmail(email)

	cred, err := s.lockedCheck(ctx, email, MethodTOTP)
	if err != nil {
		return nil, err
	}

	plainSecret, err := s.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		s.logger.Error("decrypt totp secret", "email", email, "error", err)
		return nil, err
	}

	if err := s.engine.Verify(plainSecret, code); err != nil {
		if !errors.Is(err, ErrCodeMalformed) && !errors.Is(err, ErrVerificationFailed) {
			s.logger.Error("validate totp code", "email", email, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		return nil, s.fail(ctx, email, MethodTOTP, err)
	}

	if err := s.store.SetTotpEnabled(ctx, email, true); err != nil {
		return nil, fmt.Errorf("enable totp: %w", err)
	}
	return s.succeed(ctx, email, MethodTOTP)
}

// VerifyByBackupCode checks a recovery code against the decrypted stored
// set. A matched code stays valid.
func (s *TwoFactorService) VerifyByBackupCode(ctx context.Context, email, code string) (*VerifyResult, error) {
	email = model.NormalizeEmail(email)

	cred, err := s.lockedCheck(ctx, email, MethodBackup)
	if err != nil {
		return nil, err
	}

	stored := make([]string, 0, len(cred.BackupCodes))
	for _, enc := range cred.BackupCodes {
		plain, err := s.cipher.Decrypt(enc)
		if err != nil {
			s.logger.Error("decrypt backup code", "email", email, "error", err)
			return nil, err
		}
		stored = append(stored, plain)
	}

	if totp.MatchBackupCode(stored, code) < 0 {
		return nil, s.fail(ctx, email, MethodBackup, ErrVerificationFailed)
	}
	return s.succeed(ctx, email, MethodBackup)
}

// RefreshAccessToken exchanges a refresh token for a new access token
// after re-resolving the administrator.
func (s *TwoFactorService) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.issuer.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return "", err
	}

	admin, err := s.resolveAdmin(ctx, claims.Email())
	if err != nil {
		return "", err
	}

	access, err := s.issue(token.KindAccess, token.Subject{Email: admin.Email, IsAdmin: admin.IsAdmin})
	if err != nil {
		return "", err
	}
	s.logger.Debug("access token refreshed", "email", admin.Email)
	return access, nil
}

// Authenticate verifies a bearer token of the given kind.
func (s *TwoFactorService) Authenticate(_ context.Context, tok string, kind token.Kind) (*Principal, error) {
	claims, err := s.issuer.Verify(tok, kind)
	if err != nil {
		return nil, err
	}
	p := &Principal{Email: claims.Email(), IsAdmin: claims.IsAdmin, Kind: claims.Kind}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueSession mints the access and refresh tokens that follow a successful
// verification.
func (s *TwoFactorService) IssueSession(_ context.Context, result *VerifyResult) (*SessionTokens, error) {
	if result == nil || result.Email == "" {
		return nil, ErrNotAdmin
	}
	subject := token.Subject{Email: result.Email, IsAdmin: result.IsAdmin}

	access, err := s.issue(token.KindAccess, subject)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(token.KindRefresh, subject)
	if err != nil {
		return nil, err
	}

	accessClaims, err := s.issuer.Verify(access, token.KindAccess)
	if err != nil {
		return nil, err
	}
	refreshClaims, err := s.issuer.Verify(refresh, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	return &SessionTokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// lockedCheck loads the credential and rejects the attempt outright while
// the limiter is locked. Rejected attempts are not recorded.
func (s *TwoFactorService) lockedCheck(ctx context.Context, email, method string) (*model.Credential, error) {
	cred, err := s.store.GetCredential(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotSetup
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if s.limiter.Locked(cred.FailedAttempts, cred.LastFailedAttempt) {
		metrics.LockoutsTotal.WithLabelValues(method).Inc()
		metrics.VerificationsTotal.WithLabelValues(method, metrics.ResultFailure).Inc()
		s.logger.Warn("2fa attempt rejected while locked",
			"email", email, "method", method, "attempts", cred.FailedAttempts)
		return nil, ErrMaxAttemptsExceeded
	}
	return cred, nil
}

// fail records the failed attempt and returns the error to surface. A
// malformed code is reported as such even when it trips the cap.
func (s *TwoFactorService) fail(ctx context.Context, email, method string, cause error) error {
	outcome, err := s.limiter.Fail(ctx, email)
	if err != nil {
		return err
	}
	metrics.VerificationsTotal.WithLabelValues(method, metrics.ResultFailure).Inc()

	if outcome.Locked && !errors.Is(cause, ErrCodeMalformed) {
		metrics.LockoutsTotal.WithLabelValues(method).Inc()
		s.logger.Warn("2fa locked out",
			"email", email, "method", method, "attempts", outcome.Attempts)
		return ErrMaxAttemptsExceeded
	}
	s.logger.Warn("2fa verification failed",
		"email", email, "method", method, "attempts", outcome.Attempts, "kind", ErrorKind(cause))
	return cause
}

func (s *TwoFactorService) succeed(ctx context.Context, email, method string) (*VerifyResult, error) {
	if err := s.limiter.Reset(ctx, email); err != nil {
		return nil, err
	}
	admin, err := s.resolveAdmin(ctx, email)
	if err != nil {
		return nil, err
	}
	metrics.VerificationsTotal.WithLabelValues(method, metrics.ResultSuccess).Inc()
	s.logger.Info("2fa verification succeeded", "email", email, "method", method)
	return &VerifyResult{Email: admin.Email, IsAdmin: admin.IsAdmin}, nil
}

func (s *TwoFactorService) resolveAdmin(ctx context.Context, email string) (*model.Admin, error) {
	admin, err := s.store.GetAdmin(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotAdmin
		}
		return nil, fmt.Errorf("load admin: %w", err)
	}
	if !admin.IsAdmin {
		return nil, ErrNotAdmin
	}
	return admin, nil
}

func (s *TwoFactorService) issue(kind token.Kind, subject token.Subject) (string, error) {
	tok, err := s.issuer.Issue(kind, subject)
	if err != nil {
		return "", err
	}
	metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	return tok, nil
}

// setupFailed logs the cause and hides it from the caller.
func (s *TwoFactorService) setupFailed(email, step string, cause error) error {
	metrics.SetupsTotal.WithLabelValues(metrics.ResultFailure).Inc()
	s.logger.Error("2fa setup failed", "email", email, "step", step, "error", cause)
	return ErrSetupFailed
}
