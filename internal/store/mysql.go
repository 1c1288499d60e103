package store

import (
	"context"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

type mysqlDialect struct{}

func (mysqlDialect) driverName() string { return "mysql" }

// prepareDSN forces UTC time scanning and found-rows semantics so an update
// that leaves a row unchanged still reports it as matched.
func (mysqlDialect) prepareDSN(cfg Config) (string, error) {
	dsn, err := requireDSN(cfg)
	if err != nil {
		return "", err
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

func (mysqlDialect) configure(context.Context, *sqlx.DB) error { return nil }

func (mysqlDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS admins (
			email VARCHAR(320) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT TRUE,
			totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS totp_credentials (
			admin_email VARCHAR(320) NOT NULL PRIMARY KEY,
			encrypted_secret TEXT NOT NULL,
			backup_codes TEXT NOT NULL,
			failed_attempts INT NOT NULL DEFAULT 0,
			last_failed_attempt DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			CONSTRAINT fk_totp_credentials_admin FOREIGN KEY (admin_email)
				REFERENCES admins(email) ON DELETE CASCADE
		) ENGINE=InnoDB`,
	}
}

func (mysqlDialect) ignoreMigrationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "Duplicate")
}

func (mysqlDialect) upsertCredentialQuery() string {
	return `INSERT INTO totp_credentials
			(admin_email, encrypted_secret, backup_codes, failed_attempts, last_failed_attempt, created_at, updated_at)
		VALUES
			(:admin_email, :encrypted_secret, :backup_codes, 0, NULL, :created_at, :updated_at)
		ON DUPLICATE KEY UPDATE
			encrypted_secret = VALUES(encrypted_secret),
			backup_codes = VALUES(backup_codes),
			failed_attempts = 0,
			last_failed_attempt = NULL,
			updated_at = VALUES(updated_at)`
}

// recordFailure routes the new counter through LAST_INSERT_ID(expr), which
// MySQL reports back per connection without a second read. The counter is
// assigned before last_failed_attempt because MySQL evaluates SET clauses
// left to right against already-updated columns.
func (mysqlDialect) recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error) {
	result, err := db.ExecContext(ctx, `UPDATE totp_credentials SET
			failed_attempts = LAST_INSERT_ID(CASE
				WHEN last_failed_attempt IS NULL OR last_failed_attempt < ? THEN 1
				ELSE failed_attempts + 1
			END),
			last_failed_attempt = ?,
			updated_at = ?
		WHERE admin_email = ?`, cutoff, now, now, email)
	if err != nil {
		return 0, err
	}
	if err := expectRow(result, "record failure"); err != nil {
		return 0, err
	}
	n, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
