// Package config loads gatehouse settings from a YAML file, the environment
// and an optional .env file.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/easelworks/gatehouse/internal/limiter"
	"github.com/easelworks/gatehouse/internal/logging"
	"github.com/easelworks/gatehouse/internal/model"
	"github.com/easelworks/gatehouse/internal/store"
	"github.com/easelworks/gatehouse/internal/token"
)

// EnvPrefix prefixes every environment override, e.g.
// GATEHOUSE_AUTH_ENCRYPTION_KEY.
const EnvPrefix = "GATEHOUSE"

// Config represents the top-level gatehouse configuration file.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	TOTP     TOTPConfig     `yaml:"totp" mapstructure:"totp"`
	Lockout  LockoutConfig  `yaml:"lockout" mapstructure:"lockout"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig selects the credential store.
type DatabaseConfig struct {
	Driver  string     `yaml:"driver" mapstructure:"driver"`
	DSN     string     `yaml:"dsn" mapstructure:"dsn"`
	DataDir string     `yaml:"data_dir" mapstructure:"data_dir"`
	Pool    PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig controls the connection pool of server-based drivers.
type PoolConfig struct {
	MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// AuthConfig holds the at-rest encryption key, token signing secrets and
// token lifetimes.
type AuthConfig struct {
	Issuer          string `yaml:"issuer" mapstructure:"issuer"`
	EncryptionKey   string `yaml:"encryption_key" mapstructure:"encryption_key"`
	JWTSecret       string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TemporarySecret string `yaml:"temporary_secret" mapstructure:"temporary_secret"`
	RefreshSecret   string `yaml:"refresh_secret" mapstructure:"refresh_secret"`
	TemporaryTTL    string `yaml:"temporary_ttl" mapstructure:"temporary_ttl"`
	AccessTTL       string `yaml:"access_ttl" mapstructure:"access_ttl"`
	RefreshTTL      string `yaml:"refresh_ttl" mapstructure:"refresh_ttl"`
}

// TOTPConfig controls enrollment.
type TOTPConfig struct {
	IssuerLabel string `yaml:"issuer_label" mapstructure:"issuer_label"`
	Skew        uint   `yaml:"skew" mapstructure:"skew"`
}

// LockoutConfig is the attempt limiter policy.
type LockoutConfig struct {
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	ResetWindow string `yaml:"reset_window" mapstructure:"reset_window"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns a Config pre-filled with sensible defaults. Secrets are
// left empty.
func Default() *Config {
	pool := model.DefaultPoolConfig()
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Pool: PoolConfig{
				MaxOpenConns:    pool.MaxOpenConns,
				MaxIdleConns:    pool.MaxIdleConns,
				ConnMaxLifetime: pool.ConnMaxLifetime.String(),
				ConnMaxIdleTime: pool.ConnMaxIdleTime.String(),
			},
		},
		Auth: AuthConfig{
			Issuer:       "gatehouse",
			TemporaryTTL: token.DefaultTemporaryTTL.String(),
			AccessTTL:    token.DefaultAccessTTL.String(),
			RefreshTTL:   token.DefaultRefreshTTL.String(),
		},
		TOTP: TOTPConfig{
			IssuerLabel: "Gatehouse",
			Skew:        1,
		},
		Lockout: LockoutConfig{
			MaxAttempts: limiter.DefaultMaxAttempts,
			ResetWindow: limiter.DefaultResetWindow.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// NewViper returns a viper instance that reads gatehouse.yaml from path, or
// from . and $HOME/.gatehouse when path is empty, with GATEHOUSE_*
// environment overrides.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gatehouse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.gatehouse")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFile loads variables from a .env file without overriding the
// existing environment. An empty path tries ./.env and ignores its absence.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration through v. A missing config file is not an
// error; a malformed one is. References of the form ${VAR} in string
// values are expanded.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandEnv()
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.data_dir", d.Database.DataDir)
	v.SetDefault("database.pool.max_open_conns", d.Database.Pool.MaxOpenConns)
	v.SetDefault("database.pool.max_idle_conns", d.Database.Pool.MaxIdleConns)
	v.SetDefault("database.pool.conn_max_lifetime", d.Database.Pool.ConnMaxLifetime)
	v.SetDefault("database.pool.conn_max_idle_time", d.Database.Pool.ConnMaxIdleTime)

	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.encryption_key", d.Auth.EncryptionKey)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.temporary_secret", d.Auth.TemporarySecret)
	v.SetDefault("auth.refresh_secret", d.Auth.RefreshSecret)
	v.SetDefault("auth.temporary_ttl", d.Auth.TemporaryTTL)
	v.SetDefault("auth.access_ttl", d.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.Auth.RefreshTTL)

	v.SetDefault("totp.issuer_label", d.TOTP.IssuerLabel)
	v.SetDefault("totp.skew", d.TOTP.Skew)

	v.SetDefault("lockout.max_attempts", d.Lockout.MaxAttempts)
	v.SetDefault("lockout.reset_window", d.Lockout.ResetWindow)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

func (c *Config) expandEnv() {
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
	c.Database.DataDir = os.ExpandEnv(c.Database.DataDir)
	c.Auth.EncryptionKey = os.ExpandEnv(c.Auth.EncryptionKey)
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Auth.TemporarySecret = os.ExpandEnv(c.Auth.TemporarySecret)
	c.Auth.RefreshSecret = os.ExpandEnv(c.Auth.RefreshSecret)
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := store.CanonicalDriver(c.Database.Driver); err != nil {
		result = multierror.Append(result, fmt.Errorf("database.driver: %w", err))
	} else if c.Database.DSN == "" && !isSQLite(c.Database.Driver) {
		result = multierror.Append(result, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
	}
	if c.Database.Pool.MaxOpenConns < 0 || c.Database.Pool.MaxIdleConns < 0 {
		result = multierror.Append(result, errors.New("database.pool connection counts must not be negative"))
	}

	if c.Auth.EncryptionKey == "" {
		result = multierror.Append(result, errors.New("auth.encryption_key is required"))
	}
	if c.Auth.JWTSecret == "" {
		result = multierror.Append(result, errors.New("auth.jwt_secret is required"))
	}

	for name, value := range map[string]string{
		"database.pool.conn_max_lifetime":  c.Database.Pool.ConnMaxLifetime,
		"database.pool.conn_max_idle_time": c.Database.Pool.ConnMaxIdleTime,
		"auth.temporary_ttl":               c.Auth.TemporaryTTL,
		"auth.access_ttl":                  c.Auth.AccessTTL,
		"auth.refresh_ttl":                 c.Auth.RefreshTTL,
		"lockout.reset_window":             c.Lockout.ResetWindow,
	} {
		if _, err := parseDuration(value); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.TOTP.Skew > 10 {
		result = multierror.Append(result, fmt.Errorf("totp.skew %d is too large", c.TOTP.Skew))
	}
	if c.Lockout.MaxAttempts <= 0 {
		result = multierror.Append(result, errors.New("lockout.max_attempts must be positive"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}

	return result.ErrorOrNil()
}

func isSQLite(driver string) bool {
	name, err := store.CanonicalDriver(driver)
	return err == nil && name == "sqlite"
}

// parseDuration parses a duration string. Empty means zero, which the
// consumers treat as "use the default".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", s)
	}
	return d, nil
}

// StoreConfig converts the database section for store.Open. dataDir
// overrides database.data_dir when set.
func (c *Config) StoreConfig(dataDir string) (store.Config, error) {
	lifetime, err := parseDuration(c.Database.Pool.ConnMaxLifetime)
	if err != nil {
		return store.Config{}, fmt.Errorf("database.pool.conn_max_lifetime: %w", err)
	}
	idle, err := parseDuration(c.Database.Pool.ConnMaxIdleTime)
	if err != nil {
		return store.Config{}, fmt.Errorf("database.pool.conn_max_idle_time: %w", err)
	}
	if dataDir == "" {
		dataDir = c.Database.DataDir
	}
	return store.Config{
		Driver:  c.Database.Driver,
		DSN:     c.Database.DSN,
		DataDir: dataDir,
		Pool: model.PoolConfig{
			MaxOpenConns:    c.Database.Pool.MaxOpenConns,
			MaxIdleConns:    c.Database.Pool.MaxIdleConns,
			ConnMaxLifetime: lifetime,
			ConnMaxIdleTime: idle,
		},
	}, nil
}

// TokenConfig converts the auth section for token.NewIssuer. Temporary and
// refresh secrets that are not configured are derived from jwt_secret.
func (c *Config) TokenConfig() (token.Config, error) {
	if c.Auth.JWTSecret == "" {
		return token.Config{}, errors.New("auth.jwt_secret is required")
	}
	master := []byte(c.Auth.JWTSecret)

	secretFor := func(configured string, kind token.Kind) ([]byte, error) {
		if configured != "" {
			return []byte(configured), nil
		}
		return token.DeriveSecret(master, kind)
	}
	temporary, err := secretFor(c.Auth.TemporarySecret, token.KindTemporary)
	if err != nil {
		return token.Config{}, err
	}
	refresh, err := secretFor(c.Auth.RefreshSecret, token.KindRefresh)
	if err != nil {
		return token.Config{}, err
	}

	cfg := token.Config{
		Issuer:          c.Auth.Issuer,
		AccessSecret:    master,
		TemporarySecret: temporary,
		RefreshSecret:   refresh,
	}
	if cfg.TemporaryTTL, err = parseDuration(c.Auth.TemporaryTTL); err != nil {
		return token.Config{}, fmt.Errorf("auth.temporary_ttl: %w", err)
	}
	if cfg.AccessTTL, err = parseDuration(c.Auth.AccessTTL); err != nil {
		return token.Config{}, fmt.Errorf("auth.access_ttl: %w", err)
	}
	if cfg.RefreshTTL, err = parseDuration(c.Auth.RefreshTTL); err != nil {
		return token.Config{}, fmt.Errorf("auth.refresh_ttl: %w", err)
	}
	return cfg, nil
}

// Policy converts the lockout section for the attempt limiter.
func (c *Config) Policy() (limiter.Policy, error) {
	window, err := parseDuration(c.Lockout.ResetWindow)
	if err != nil {
		return limiter.Policy{}, fmt.Errorf("lockout.reset_window: %w", err)
	}
	return limiter.Policy{MaxAttempts: c.Lockout.MaxAttempts, ResetWindow: window}, nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Auth.EncryptionKey = redact(out.Auth.EncryptionKey)
	out.Auth.JWTSecret = redact(out.Auth.JWTSecret)
	out.Auth.TemporarySecret = redact(out.Auth.TemporarySecret)
	out.Auth.RefreshSecret = redact(out.Auth.RefreshSecret)
	if out.Database.DSN != "" {
		out.Database.DSN = redactDSN(out.Database.DSN)
	}
	return &out
}

const redacted = "REDACTED"

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactDSN hides the password in URL style and MySQL style DSNs.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			return u.String()
		}
		return dsn
	}
	if mc, err := mysql.ParseDSN(dsn); err == nil && mc.Passwd != "" {
		mc.Passwd = redacted
		return mc.FormatDSN()
	}
	return dsn
}

// GenerateSecret returns 32 random bytes, base64 encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// WriteDefaultConfig writes the default configuration, with freshly
// generated secrets, to a YAML file readable only by its owner.
func WriteDefaultConfig(path string) error {
	cfg := Default()
	var err error
	if cfg.Auth.EncryptionKey, err = GenerateSecret(); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret, err = GenerateSecret(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
