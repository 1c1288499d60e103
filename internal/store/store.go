// Package store persists administrators and their TOTP credentials. The
// failure counter is only ever changed by single-statement conditional
// updates so concurrent verification attempts cannot under-count.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/easelworks/gatehouse/internal/model"
)

// Config selects the SQL driver and connection.
type Config struct {
	Driver  string // sqlite (default), postgres, mysql, sqlserver, oracle
	DSN     string
	DataDir string // sqlite only, used when DSN is empty; empty means in-memory
	Pool    model.PoolConfig
}

// Store manages administrator and credential records.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	driver  string
}

// NewStore opens an embedded SQLite store under dataDir. Pass empty string
// for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(context.Background(), Config{Driver: "sqlite", DataDir: dataDir})
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	driver, err := CanonicalDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	cfg.Driver = driver
	d := factories[driver]()

	dsn, err := d.prepareDSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s dsn: %w", cfg.Driver, err)
	}

	db, err := sqlx.ConnectContext(ctx, d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", cfg.Driver, err)
	}

	if cfg.Pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	}
	if cfg.Pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.Pool.ConnMaxIdleTime)
	}

	if err := d.configure(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s configure: %w", cfg.Driver, err)
	}

	s := &Store{db: db, dialect: d, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s database: %w", cfg.Driver, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the configured driver name.
func (s *Store) Driver() string { return s.driver }

// ---------------------------------------------------------------------------
// Administrators
// ---------------------------------------------------------------------------

const adminColumns = "email, name, is_admin, totp_enabled, created_at, updated_at"

// adminRow tolerates a NULL name; Oracle stores an empty string as NULL.
type adminRow struct {
	Email       string         `db:"email"`
	Name        sql.NullString `db:"name"`
	IsAdmin     bool           `db:"is_admin"`
	TotpEnabled bool           `db:"totp_enabled"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r adminRow) toModel() model.Admin {
	return model.Admin{
		Email:       r.Email,
		Name:        r.Name.String,
		IsAdmin:     r.IsAdmin,
		TotpEnabled: r.TotpEnabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// EnsureAdmin inserts admin unless a record with the same email exists and
// returns the stored record. Existing records are left untouched.
func (s *Store) EnsureAdmin(ctx context.Context, admin *model.Admin) (*model.Admin, error) {
	existing, err := s.GetAdmin(ctx, admin.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now
	q := s.db.Rebind(`INSERT INTO admins (` + adminColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, insErr := s.db.ExecContext(ctx, q,
		admin.Email, admin.Name, admin.IsAdmin, admin.TotpEnabled, admin.CreatedAt, admin.UpdatedAt); insErr != nil {
		// Lost a race against a concurrent first login.
		if existing, err := s.GetAdmin(ctx, admin.Email); err == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("insert admin: %w", insErr)
	}
	return admin, nil
}

// GetAdmin returns an administrator by email.
func (s *Store) GetAdmin(ctx context.Context, email string) (*model.Admin, error) {
	var row adminRow
	q := s.db.Rebind(`SELECT ` + adminColumns + ` FROM admins WHERE email = ?`)
	if err := s.db.GetContext(ctx, &row, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	admin := row.toModel()
	return &admin, nil
}

// ListAdmins returns all administrators ordered by email.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var rows []adminRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+adminColumns+` FROM admins ORDER BY email`); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	admins := make([]model.Admin, 0, len(rows))
	for _, r := range rows {
		admins = append(admins, r.toModel())
	}
	return admins, nil
}

// SetTotpEnabled sets the totp_enabled flag. Setting it to its current value
// is not an error.
func (s *Store) SetTotpEnabled(ctx context.Context, email string, enabled bool) error {
	q := s.db.Rebind(`UPDATE admins SET totp_enabled = ?, updated_at = ? WHERE email = ?`)
	result, err := s.db.ExecContext(ctx, q, enabled, time.Now().UTC(), email)
	if err != nil {
		return fmt.Errorf("set totp enabled: %w", err)
	}
	return expectRow(result, "set totp enabled")
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// credentialRow maps 1:1 to the totp_credentials table. Backup codes are
// stored as a JSON array of ciphertexts.
type credentialRow struct {
	AdminEmail        string       `db:"admin_email"`
	EncryptedSecret   string       `db:"encrypted_secret"`
	BackupCodes       string       `db:"backup_codes"`
	FailedAttempts    int          `db:"failed_attempts"`
	LastFailedAttempt sql.NullTime `db:"last_failed_attempt"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

func credentialRowFromModel(c *model.Credential) (credentialRow, error) {
	codes := c.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return credentialRow{}, fmt.Errorf("marshal backup codes: %w", err)
	}
	row := credentialRow{
		AdminEmail:      c.AdminEmail,
		EncryptedSecret: c.EncryptedSecret,
		BackupCodes:     string(codesJSON),
		FailedAttempts:  c.FailedAttempts,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.LastFailedAttempt != nil {
		row.LastFailedAttempt = sql.NullTime{Time: *c.LastFailedAttempt, Valid: true}
	}
	return row, nil
}

func (r credentialRow) toModel() (*model.Credential, error) {
	var codes []string
	if r.BackupCodes != "" {
		if err := json.Unmarshal([]byte(r.BackupCodes), &codes); err != nil {
			return nil, fmt.Errorf("unmarshal backup codes: %w", err)
		}
	}
	c := &model.Credential{
		AdminEmail:      r.AdminEmail,
		EncryptedSecret: r.EncryptedSecret,
		BackupCodes:     codes,
		FailedAttempts:  r.FailedAttempts,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastFailedAttempt.Valid {
		t := r.LastFailedAttempt.Time.UTC()
		c.LastFailedAttempt = &t
	}
	return c, nil
}

const credentialColumns = "admin_email, encrypted_secret, backup_codes, failed_attempts, last_failed_attempt, created_at, updated_at"

// GetCredential returns the TOTP credential of an administrator.
func (s *Store) GetCredential(ctx context.Context, email string) (*model.Credential, error) {
	var row credentialRow
	q := s.db.Rebind(`SELECT ` + credentialColumns + ` FROM totp_credentials WHERE admin_email = ?`)
	if err := s.db.GetContext(ctx, &row, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return row.toModel()
}

// UpsertCredential creates or replaces the credential for c.AdminEmail.
// Replacing resets the failure state. CreatedAt and UpdatedAt on c are
// refreshed.
func (s *Store) UpsertCredential(ctx context.Context, c *model.Credential) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.FailedAttempts = 0
	c.LastFailedAttempt = nil

	row, err := credentialRowFromModel(c)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, s.dialect.upsertCredentialQuery(), row); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// RecordFailure atomically applies one failed attempt and returns the new
// count. The counter restarts at 1 when the previous failure is older than
// cutoff or absent; otherwise it increments. last_failed_attempt is set to
// now in the same statement.
func (s *Store) RecordFailure(ctx context.Context, email string, now, cutoff time.Time) (int, error) {
	n, err := s.dialect.recordFailure(ctx, s.db, email, now.UTC(), cutoff.UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return n, nil
}

// RecordSuccess atomically clears the failure state.
func (s *Store) RecordSuccess(ctx context.Context, email string) error {
	q := s.db.Rebind(`UPDATE totp_credentials
		SET failed_attempts = 0, last_failed_attempt = NULL, updated_at = ?
		WHERE admin_email = ?`)
	result, err := s.db.ExecContext(ctx, q, time.Now().UTC(), email)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return expectRow(result, "record success")
}

func expectRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
