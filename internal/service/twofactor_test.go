package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easelworks/gatehouse/internal/model"
	"github.com/easelworks/gatehouse/internal/secret"
	"github.com/easelworks/gatehouse/internal/store"
	"github.com/easelworks/gatehouse/internal/token"
	"github.com/easelworks/gatehouse/internal/totp"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *TwoFactorService
	store  *store.Store
	engine *totp.Engine
	issuer *token.Issuer
	clock  *testClock
	logs   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cipher, err := secret.NewCipher("test-encryption-key")
	require.NoError(t, err)
	engine := totp.New(totp.WithClock(clk.Now))
	issuer, err := token.NewIssuer(token.Config{
		Issuer:          "gatehouse-test",
		AccessSecret:    []byte("access-secret"),
		TemporarySecret: []byte("temporary-secret"),
		RefreshSecret:   []byte("refresh-secret"),
	}, token.WithClock(clk.Now))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	svc := NewTwoFactorService(st, cipher, engine, issuer, Options{
		IssuerLabel: "Gatehouse Test",
		Logger:      slog.New(slog.NewTextHandler(logs, nil)),
		Now:         clk.Now,
	})

	_, err = st.EnsureAdmin(context.Background(), &model.Admin{Email: "a@x.com", Name: "Alice", IsAdmin: true})
	require.NoError(t, err)

	return &fixture{svc: svc, store: st, engine: engine, issuer: issuer, clock: clk, logs: logs}
}

func (f *fixture) setup(t *testing.T) *SetupResult {
	t.Helper()
	res, err := f.svc.Setup(context.Background(), "a@x.com")
	require.NoError(t, err)
	return res
}

func (f *fixture) currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := f.engine.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a well-formed code that is not valid anywhere in the
// current acceptance window.
func (f *fixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := map[string]bool{}
	for _, off := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := f.engine.GenerateCode(secret, f.clock.Now().Add(off))
		require.NoError(t, err)
		valid[code] = true
	}
	for _, c := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[c] {
			return c
		}
	}
	require.FailNow(t, "no wrong code available")
	return ""
}

func (f *fixture) attempts(t *testing.T) (int, *time.Time) {
	t.Helper()
	cred, err := f.store.GetCredential(context.Background(), "a@x.com")
	require.NoError(t, err)
	return cred.FailedAttempts, cred.LastFailedAttempt
}

func TestSetupThenVerifyEnablesTotp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	assert.Equal(t, "a@x.com", res.Email)
	assert.Equal(t, totp.FormatSecret(res.Secret), res.DisplaySecret)
	uri, err := url.Parse(res.URI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", uri.Scheme)
	assert.Equal(t, "totp", uri.Host)
	assert.Equal(t, "Gatehouse Test", uri.Query().Get("issuer"))
	assert.True(t, bytes.HasPrefix(res.QRCode, []byte("\x89PNG")))

	hex8 := regexp.MustCompile(`^[0-9A-F]{8}$`)
	require.Len(t, res.BackupCodes, model.BackupCodeCount)
	for _, c := range res.BackupCodes {
		assert.Regexp(t, hex8, c)
	}

	p, err := f.svc.Authenticate(ctx, res.TemporaryToken, token.KindTemporary)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", p.Email)
	assert.Equal(t, token.KindTemporary, p.Kind)

	admin, err := f.store.GetAdmin(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, admin.TotpEnabled, "setup alone must not enable TOTP")

	result, err := f.svc.VerifyByCode(ctx, "a@x.com", f.currentCode(t, res.Secret))
	require.NoError(t, err)
	assert.Equal(t, &VerifyResult{Email: "a@x.com", IsAdmin: true}, result)

	admin, err = f.store.GetAdmin(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, admin.TotpEnabled)

	// Enabling is idempotent.
	_, err = f.svc.VerifyByCode(ctx, "a@x.com", f.currentCode(t, res.Secret))
	require.NoError(t, err)
}

func TestSetupStoresOnlyCiphertext(t *testing.T) {
	f := newFixture(t)
	res := f.setup(t)

	cred, err := f.store.GetCredential(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.NotEqual(t, res.Secret, cred.EncryptedSecret)
	require.Len(t, cred.BackupCodes, len(res.BackupCodes))
	for i, enc := range cred.BackupCodes {
		assert.NotEqual(t, res.BackupCodes[i], enc)
	}
}

func TestSetupReplacesPriorEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.setup(t)

	_, err := f.svc.VerifyByCode(ctx, "a@x.com", f.wrongCode(t, first.Secret))
	require.ErrorIs(t, err, ErrVerificationFailed)

	second := f.setup(t)
	assert.NotEqual(t, first.Secret, second.Secret)
	n, last := f.attempts(t)
	assert.Zero(t, n)
	assert.Nil(t, last)

	_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", first.BackupCodes[0])
	require.ErrorIs(t, err, ErrVerificationFailed, "old backup codes must be replaced")
}

func TestSetupAlwaysStoresFixedBackupCodeCount(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		res := f.setup(t)
		require.Len(t, res.BackupCodes, model.BackupCodeCount)
		cred, err := f.store.GetCredential(context.Background(), "a@x.com")
		require.NoError(t, err)
		assert.Len(t, cred.BackupCodes, model.BackupCodeCount)
	}
}

func TestSetupRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Setup(ctx, "nobody@x.com")
	require.ErrorIs(t, err, ErrNotAdmin)

	_, err = f.store.EnsureAdmin(ctx, &model.Admin{Email: "viewer@x.com", IsAdmin: false})
	require.NoError(t, err)
	_, err = f.svc.Setup(ctx, "viewer@x.com")
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestSetupNormalizesEmail(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Setup(context.Background(), "  A@X.COM ")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)
}

type failingUpsertStore struct {
	*store.Store
}

func (failingUpsertStore) UpsertCredential(context.Context, *model.Credential) error {
	return errors.New("disk full at /var/lib/gatehouse")
}

func TestSetupHidesPersistenceCause(t *testing.T) {
	f := newFixture(t)
	cipher, err := secret.NewCipher("test-encryption-key")
	require.NoError(t, err)
	svc := NewTwoFactorService(failingUpsertStore{f.store}, cipher, f.engine, f.issuer, Options{
		Logger: slog.New(slog.NewTextHandler(f.logs, nil)),
		Now:    f.clock.Now,
	})

	_, err = svc.Setup(context.Background(), "a@x.com")
	require.ErrorIs(t, err, ErrSetupFailed)
	assert.NotContains(t, err.Error(), "disk full")
	assert.Contains(t, f.logs.String(), "disk full", "cause must be logged")
}

type failingRand struct{}

func (failingRand) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSetupCryptoFailure(t *testing.T) {
	f := newFixture(t)
	cipher, err := secret.NewCipher("test-encryption-key", secret.WithRand(failingRand{}))
	require.NoError(t, err)
	svc := NewTwoFactorService(f.store, cipher, f.engine, f.issuer, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock.Now,
	})

	_, err = svc.Setup(context.Background(), "a@x.com")
	require.ErrorIs(t, err, ErrSetupFailed)
	_, err = f.store.GetCredential(context.Background(), "a@x.com")
	require.ErrorIs(t, err, store.ErrNotFound, "nothing persisted on failure")
}

func TestVerifyNotSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.VerifyByCode(ctx, "a@x.com", "123456")
	require.ErrorIs(t, err, ErrNotSetup)
	_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", "DEADBEEF")
	require.ErrorIs(t, err, ErrNotSetup)
}

func TestVerifyMalformedCodeCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.setup(t)

	_, err := f.svc.VerifyByCode(context.Background(), "a@x.com", "ABCDEFGH")
	require.ErrorIs(t, err, ErrCodeMalformed)
	require.NotErrorIs(t, err, ErrVerificationFailed)

	n, last := f.attempts(t)
	assert.Equal(t, 1, n)
	require.NotNil(t, last)
	assert.True(t, last.Equal(f.clock.Now()))
}

func TestVerifyAcceptsAdjacentSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	for _, off := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := f.engine.GenerateCode(res.Secret, f.clock.Now().Add(off))
		require.NoError(t, err)
		_, err = f.svc.VerifyByCode(ctx, "a@x.com", code)
		require.NoError(t, err, "offset %v", off)
	}

	old, err := f.engine.GenerateCode(res.Secret, f.clock.Now().Add(-60*time.Second))
	require.NoError(t, err)
	valid := map[string]bool{}
	for _, off := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, _ := f.engine.GenerateCode(res.Secret, f.clock.Now().Add(off))
		valid[c] = true
	}
	if !valid[old] {
		_, err = f.svc.VerifyByCode(ctx, "a@x.com", old)
		require.ErrorIs(t, err, ErrVerificationFailed)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)
	wrong := f.wrongCode(t, res.Secret)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.VerifyByCode(ctx, "a@x.com", wrong)
		require.ErrorIs(t, err, ErrVerificationFailed, "attempt %d", i)
		n, _ := f.attempts(t)
		require.Equal(t, i, n)
	}

	_, err := f.svc.VerifyByCode(ctx, "a@x.com", wrong)
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	n, _ := f.attempts(t)
	assert.Equal(t, 6, n)

	// Locked: even the right code is rejected and nothing more is recorded.
	_, err = f.svc.VerifyByCode(ctx, "a@x.com", f.currentCode(t, res.Secret))
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", res.BackupCodes[0])
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	n, _ = f.attempts(t)
	assert.Equal(t, 6, n)

	// Once the window passes, the right code works and clears the counter.
	f.clock.Advance(5*time.Minute + time.Second)
	_, err = f.svc.VerifyByCode(ctx, "a@x.com", f.currentCode(t, res.Secret))
	require.NoError(t, err)
	n, last := f.attempts(t)
	assert.Zero(t, n)
	assert.Nil(t, last)
}

func TestFailureAfterWindowRestartsCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.VerifyByCode(ctx, "a@x.com", f.wrongCode(t, res.Secret))
		require.ErrorIs(t, err, ErrVerificationFailed)
	}
	n, _ := f.attempts(t)
	require.Equal(t, 3, n)

	f.clock.Advance(6 * time.Minute)
	_, err := f.svc.VerifyByCode(ctx, "a@x.com", f.wrongCode(t, res.Secret))
	require.ErrorIs(t, err, ErrVerificationFailed)
	n, _ = f.attempts(t)
	assert.Equal(t, 1, n)
}

func TestSuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	for i := 0; i < 4; i++ {
		_, _ = f.svc.VerifyByCode(ctx, "a@x.com", f.wrongCode(t, res.Secret))
	}
	_, err := f.svc.VerifyByBackupCode(ctx, "a@x.com", res.BackupCodes[3])
	require.NoError(t, err)

	n, last := f.attempts(t)
	assert.Zero(t, n)
	assert.Nil(t, last)
}

func TestBackupCodesCaseInsensitiveAndReusable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	for _, code := range res.BackupCodes {
		result, err := f.svc.VerifyByBackupCode(ctx, "a@x.com", strings.ToLower(code))
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", result.Email)
	}

	// Consumed codes are not rotated.
	_, err := f.svc.VerifyByBackupCode(ctx, "a@x.com", res.BackupCodes[0])
	require.NoError(t, err)

	// Backup verification does not enable TOTP.
	admin, err := f.store.GetAdmin(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, admin.TotpEnabled)
}

func TestBackupCodeMismatchCountsTowardCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	_, err := f.svc.VerifyByCode(ctx, "a@x.com", "abc")
	require.ErrorIs(t, err, ErrCodeMalformed)
	for i := 0; i < 4; i++ {
		_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", "NOTACODE")
		require.ErrorIs(t, err, ErrVerificationFailed)
	}
	_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", "")
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)

	_, err = f.svc.VerifyByBackupCode(ctx, "a@x.com", res.BackupCodes[0])
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
}

func TestMalformedCodeReportedEvenPastCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	for i := 0; i < 5; i++ {
		_, _ = f.svc.VerifyByCode(ctx, "a@x.com", f.wrongCode(t, res.Secret))
	}
	_, err := f.svc.VerifyByCode(ctx, "a@x.com", "12ab56")
	require.ErrorIs(t, err, ErrCodeMalformed)
	n, _ := f.attempts(t)
	assert.Equal(t, 6, n)

	_, err = f.svc.VerifyByCode(ctx, "a@x.com", "123456")
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)
	wrong := f.wrongCode(t, res.Secret)

	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.VerifyByCode(ctx, "a@x.com", wrong)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrVerificationFailed)
	}
	n, _ := f.attempts(t)
	assert.Equal(t, workers, n)
}

func TestVerifyWithWrongKeyIsCryptoError(t *testing.T) {
	f := newFixture(t)
	res := f.setup(t)

	other, err := secret.NewCipher("a-different-key")
	require.NoError(t, err)
	svc := NewTwoFactorService(f.store, other, f.engine, f.issuer, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock.Now,
	})

	_, err = svc.VerifyByCode(context.Background(), "a@x.com", f.currentCode(t, res.Secret))
	require.ErrorIs(t, err, ErrCrypto)
	_, err = svc.VerifyByBackupCode(context.Background(), "a@x.com", res.BackupCodes[0])
	require.ErrorIs(t, err, ErrCrypto)
}

func TestSessionAndRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.setup(t)

	result, err := f.svc.VerifyByCode(ctx, "a@x.com", f.currentCode(t, res.Secret))
	require.NoError(t, err)

	session, err := f.svc.IssueSession(ctx, result)
	require.NoError(t, err)
	assert.True(t, session.AccessExpiresAt.Equal(f.clock.Now().Add(token.DefaultAccessTTL)))
	assert.True(t, session.RefreshExpiresAt.Equal(f.clock.Now().Add(token.DefaultRefreshTTL)))

	p, err := f.svc.Authenticate(ctx, session.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)

	_, err = f.svc.RefreshAccessToken(ctx, session.AccessToken)
	require.ErrorIs(t, err, ErrInvalidType)
	_, err = f.svc.RefreshAccessToken(ctx, res.TemporaryToken)
	require.ErrorIs(t, err, ErrInvalidType)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Authenticate(ctx, session.AccessToken, token.KindAccess)
	require.ErrorIs(t, err, ErrExpired)

	access, err := f.svc.RefreshAccessToken(ctx, session.RefreshToken)
	require.NoError(t, err)
	p, err = f.svc.Authenticate(ctx, access, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", p.Email)

	_, err = f.svc.RefreshAccessToken(ctx, access)
	require.ErrorIs(t, err, ErrInvalidType)
	_, err = f.svc.RefreshAccessToken(ctx, "not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	f.clock.Advance(token.DefaultRefreshTTL)
	_, err = f.svc.RefreshAccessToken(ctx, session.RefreshToken)
	require.ErrorIs(t, err, ErrExpired)
}

func TestRefreshRequiresCurrentAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ghost, err := f.issuer.Issue(token.KindRefresh, token.Subject{Email: "ghost@x.com", IsAdmin: true})
	require.NoError(t, err)
	_, err = f.svc.RefreshAccessToken(ctx, ghost)
	require.ErrorIs(t, err, ErrNotAdmin)

	_, err = f.store.EnsureAdmin(ctx, &model.Admin{Email: "viewer@x.com", IsAdmin: false})
	require.NoError(t, err)
	viewer, err := f.issuer.Issue(token.KindRefresh, token.Subject{Email: "viewer@x.com", IsAdmin: true})
	require.NoError(t, err)
	_, err = f.svc.RefreshAccessToken(ctx, viewer)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestIssueSessionRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IssueSession(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotAdmin)
}
