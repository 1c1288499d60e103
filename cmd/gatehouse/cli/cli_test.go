package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easelworks/gatehouse/internal/totp"
)

type env struct {
	config string
	data   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "gatehouse.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
auth:
  encryption_key: cli-test-encryption-key
  jwt_secret: cli-test-jwt-secret
logging:
  level: error
`), 0600))
	return env{config: cfg, data: filepath.Join(dir, "data")}
}

func (e env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test", "abc123", "2026-01-01")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.config, "--data-dir", e.data}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "test", info["version"])
	assert.Equal(t, "abc123", info["commit"])
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "encryption_key: REDACTED")
	assert.NotContains(t, out, "cli-test-jwt-secret")
}

func TestConfigInit(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "new.yaml")

	_, err := e.run(t, "", "config", "init", "--path", path)
	require.NoError(t, err)
	_, err = e.run(t, "", "config", "init", "--path", path)
	require.ErrorContains(t, err, "already exists")
	_, err = e.run(t, "", "config", "init", "--path", path, "--force")
	require.NoError(t, err)
}

func TestAdminCreateAndList(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "", "admin", "create", "--email", "Curator@Example.com", "--name", "Curator")
	require.NoError(t, err)
	_, err = e.run(t, "", "admin", "create", "--email", "not-an-email")
	require.Error(t, err)

	out, err := e.run(t, "", "admin", "list", "--json")
	require.NoError(t, err)
	var admins []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &admins))
	require.Len(t, admins, 1)
	assert.Equal(t, "curator@example.com", admins[0]["email"])
	assert.Equal(t, false, admins[0]["totp_enabled"])
}

func TestEnrollVerifyRefresh(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "", "admin", "create", "--email", "curator@example.com")
	require.NoError(t, err)

	qr := filepath.Join(t.TempDir(), "enroll.png")
	out, err := e.run(t, "", "2fa", "setup", "--email", "curator@example.com", "--qr", qr, "--json")
	require.NoError(t, err)
	var setup struct {
		Secret         string   `json:"secret"`
		BackupCodes    []string `json:"backup_codes"`
		TemporaryToken string   `json:"temporary_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &setup))
	require.Len(t, setup.BackupCodes, 8)
	_, err = os.Stat(qr)
	require.NoError(t, err)

	code, err := totp.New().GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	out, err = e.run(t, "", "2fa", "code", "--secret", setup.Secret)
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 6)

	// The code is read from stdin when no flag is given.
	out, err = e.run(t, code+"\n", "2fa", "verify", "--token", setup.TemporaryToken, "--json")
	require.NoError(t, err)
	var session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	require.NotEmpty(t, session.AccessToken)

	out, err = e.run(t, "", "token", "refresh", "--refresh-token", session.RefreshToken)
	require.NoError(t, err)
	access := strings.TrimSpace(out)

	out, err = e.run(t, "", "token", "inspect", "--kind", "access", access)
	require.NoError(t, err)
	assert.Contains(t, out, "curator@example.com")

	_, err = e.run(t, "", "token", "inspect", "--kind", "refresh", access)
	require.ErrorContains(t, err, "invalid_type")

	out, err = e.run(t, "", "2fa", "verify", "--token", setup.TemporaryToken, "--backup-code", strings.ToLower(setup.BackupCodes[0]))
	require.NoError(t, err)
	assert.Contains(t, out, "Verified curator@example.com")

	out, err = e.run(t, "", "admin", "list")
	require.NoError(t, err)
	assert.Regexp(t, `curator@example.com\s+\s+yes\s+yes`, out)
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "", "admin", "create", "--email", "curator@example.com")
	require.NoError(t, err)
	out, err := e.run(t, "", "2fa", "setup", "--email", "curator@example.com", "--json")
	require.NoError(t, err)
	var setup struct {
		TemporaryToken string `json:"temporary_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &setup))

	_, err = e.run(t, "", "2fa", "verify", "--token", setup.TemporaryToken, "--code", "ABCDEF")
	require.ErrorContains(t, err, "code_malformed")

	_, err = e.run(t, "", "2fa", "verify", "--token", "garbage", "--code", "123456")
	require.ErrorContains(t, err, "invalid_token")
}

func TestSetupUnknownAdmin(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "", "2fa", "setup", "--email", "nobody@example.com")
	require.ErrorContains(t, err, "not_admin")
}

func TestMigrate(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite")
}
