package store

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
)

type mssqlDialect struct{}

func (mssqlDialect) driverName() string { return "sqlserver" }

func (mssqlDialect) prepareDSN(cfg Config) (string, error) {
	return requireDSN(cfg)
}

func (mssqlDialect) configure(context.Context, *sqlx.DB) error { return nil }

func (mssqlDialect) migrations() []string {
	return []string{
		`IF OBJECT_ID(N'admins', N'U') IS NULL
		CREATE TABLE admins (
			email NVARCHAR(320) NOT NULL PRIMARY KEY,
			name NVARCHAR(255) NOT NULL DEFAULT '',
			is_admin BIT NOT NULL DEFAULT 1,
			totp_enabled BIT NOT NULL DEFAULT 0,
			created_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			updated_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
		)`,

		`IF OBJECT_ID(N'totp_credentials', N'U') IS NULL
		CREATE TABLE totp_credentials (
			admin_email NVARCHAR(320) NOT NULL PRIMARY KEY
				REFERENCES admins(email) ON DELETE CASCADE,
			encrypted_secret NVARCHAR(MAX) NOT NULL,
			backup_codes NVARCHAR(MAX) NOT NULL DEFAULT '[]',
			failed_attempts INT NOT NULL DEFAULT 0,
			last_failed_attempt DATETIME2 NULL,
			created_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			updated_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
		)`,
	}
}

func (mssqlDialect) ignoreMigrationError(err error) bool {
	return strings.Contains(err.Error(), "There is already an object named")
}

func (mssqlDialect) upsertCredentialQuery() string {
	return `MERGE totp_credentials WITH (HOLDLOCK) AS t
		USING (SELECT :admin_email AS admin_email) AS s
		ON t.admin_email = s.admin_email
		WHEN MATCHED THEN UPDATE SET
			encrypted_secret = :encrypted_secret,
			backup_codes = :backup_codes,
			failed_attempts = 0,
			last_failed_attempt = NULL,
			updated_at = :updated_at
		WHEN NOT MATCHED THEN INSERT
			(admin_email, encrypted_secret, backup_codes, failed_attempts, last_failed_attempt, created_at, updated_at)
			VALUES (:admin_email, :encrypted_secret, :backup_codes, 0, NULL, :created_at, :updated_at);`
}

func (mssqlDialect) recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error) {
	var n int
	err := db.QueryRowxContext(ctx, db.Rebind(`UPDATE totp_credentials SET
			failed_attempts = CASE
				WHEN last_failed_attempt IS NULL OR last_failed_attempt < ? THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_attempt = ?,
			updated_at = ?
		OUTPUT inserted.failed_attempts
		WHERE admin_email = ?`), cutoff, now, now, email).Scan(&n)
	return n, err
}
