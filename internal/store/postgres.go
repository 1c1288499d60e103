package store

import (
	"context"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type postgresDialect struct{}

func (postgresDialect) driverName() string { return "pgx" }

func (postgresDialect) prepareDSN(cfg Config) (string, error) {
	return requireDSN(cfg)
}

func (postgresDialect) configure(context.Context, *sqlx.DB) error { return nil }

func (postgresDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS admins (
			email VARCHAR(320) PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT TRUE,
			totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS totp_credentials (
			admin_email VARCHAR(320) PRIMARY KEY REFERENCES admins(email) ON DELETE CASCADE,
			encrypted_secret TEXT NOT NULL,
			backup_codes TEXT NOT NULL DEFAULT '[]',
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			last_failed_attempt TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

func (postgresDialect) ignoreMigrationError(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}

func (postgresDialect) upsertCredentialQuery() string {
	return sqliteDialect{}.upsertCredentialQuery()
}

func (postgresDialect) recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error) {
	var n int
	err := db.QueryRowxContext(ctx, db.Rebind(`UPDATE totp_credentials SET
			failed_attempts = CASE
				WHEN last_failed_attempt IS NULL OR last_failed_attempt < ? THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_attempt = ?,
			updated_at = ?
		WHERE admin_email = ?
		RETURNING failed_attempts`), cutoff, now, now, email).Scan(&n)
	return n, err
}
