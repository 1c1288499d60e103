package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DatabaseFile is the SQLite file name created under the data directory.
const DatabaseFile = "gatehouse.db"

type sqliteDialect struct{}

func (sqliteDialect) driverName() string { return "sqlite" }

// prepareDSN stores timestamps in SQLite's own text format so julianday()
// can compare them.
func (sqliteDialect) prepareDSN(cfg Config) (string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.DataDir == "" {
			dsn = ":memory:"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return "", fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, DatabaseFile)
		}
	}
	if strings.Contains(dsn, "_time_format=") {
		return dsn, nil
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_time_format=sqlite", nil
}

func (sqliteDialect) configure(ctx context.Context, db *sqlx.DB) error {
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	return nil
}

func (sqliteDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS admins (
			email TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			is_admin INTEGER NOT NULL DEFAULT 1,
			totp_enabled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS totp_credentials (
			admin_email TEXT PRIMARY KEY REFERENCES admins(email) ON DELETE CASCADE,
			encrypted_secret TEXT NOT NULL,
			backup_codes TEXT NOT NULL DEFAULT '[]',
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			last_failed_attempt DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
}

func (sqliteDialect) ignoreMigrationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func (sqliteDialect) upsertCredentialQuery() string {
	return `INSERT INTO totp_credentials
			(admin_email, encrypted_secret, backup_codes, failed_attempts, last_failed_attempt, created_at, updated_at)
		VALUES
			(:admin_email, :encrypted_secret, :backup_codes, 0, NULL, :created_at, :updated_at)
		ON CONFLICT (admin_email) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			backup_codes = excluded.backup_codes,
			failed_attempts = 0,
			last_failed_attempt = NULL,
			updated_at = excluded.updated_at`
}

func (sqliteDialect) recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error) {
	var n int
	err := db.QueryRowxContext(ctx, `UPDATE totp_credentials SET
			failed_attempts = CASE
				WHEN last_failed_attempt IS NULL OR julianday(last_failed_attempt) < julianday(?) THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_attempt = ?,
			updated_at = ?
		WHERE admin_email = ?
		RETURNING failed_attempts`, cutoff, now, now, email).Scan(&n)
	return n, err
}
