package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	_ "github.com/sijms/go-ora/v2"
)

func init() {
	// go-ora binds :name placeholders; sqlx has no default for it.
	sqlx.BindDriver("oracle", sqlx.NAMED)
}

type oracleDialect struct{}

func (oracleDialect) driverName() string { return "oracle" }

func (oracleDialect) prepareDSN(cfg Config) (string, error) {
	return requireDSN(cfg)
}

// configure matches Oracle's upper-case column names against db tags.
func (oracleDialect) configure(_ context.Context, db *sqlx.DB) error {
	db.Mapper = reflectx.NewMapperTagFunc("db", strings.ToUpper, strings.ToUpper)
	return nil
}

func (oracleDialect) migrations() []string {
	return []string{
		`CREATE TABLE admins (
			email VARCHAR2(320) PRIMARY KEY,
			name VARCHAR2(255),
			is_admin NUMBER(1) DEFAULT 1 NOT NULL,
			totp_enabled NUMBER(1) DEFAULT 0 NOT NULL,
			created_at TIMESTAMP DEFAULT SYS_EXTRACT_UTC(SYSTIMESTAMP) NOT NULL,
			updated_at TIMESTAMP DEFAULT SYS_EXTRACT_UTC(SYSTIMESTAMP) NOT NULL
		)`,

		`CREATE TABLE totp_credentials (
			admin_email VARCHAR2(320) PRIMARY KEY
				REFERENCES admins(email) ON DELETE CASCADE,
			encrypted_secret VARCHAR2(512) NOT NULL,
			backup_codes VARCHAR2(4000) DEFAULT '[]' NOT NULL,
			failed_attempts NUMBER(10) DEFAULT 0 NOT NULL,
			last_failed_attempt TIMESTAMP,
			created_at TIMESTAMP DEFAULT SYS_EXTRACT_UTC(SYSTIMESTAMP) NOT NULL,
			updated_at TIMESTAMP DEFAULT SYS_EXTRACT_UTC(SYSTIMESTAMP) NOT NULL
		)`,
	}
}

// ORA-00955: name is already used by an existing object.
func (oracleDialect) ignoreMigrationError(err error) bool {
	return strings.Contains(err.Error(), "ORA-00955")
}

// Parameter names are upper case to match the upper-case mapper.
func (oracleDialect) upsertCredentialQuery() string {
	return `MERGE INTO totp_credentials t
		USING (SELECT :ADMIN_EMAIL AS admin_email FROM dual) s
		ON (t.admin_email = s.admin_email)
		WHEN MATCHED THEN UPDATE SET
			encrypted_secret = :ENCRYPTED_SECRET,
			backup_codes = :BACKUP_CODES,
			failed_attempts = 0,
			last_failed_attempt = NULL,
			updated_at = :UPDATED_AT
		WHEN NOT MATCHED THEN INSERT
			(admin_email, encrypted_secret, backup_codes, failed_attempts, last_failed_attempt, created_at, updated_at)
			VALUES (:ADMIN_EMAIL, :ENCRYPTED_SECRET, :BACKUP_CODES, 0, NULL, :CREATED_AT, :UPDATED_AT)`
}

func (oracleDialect) recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error) {
	var n int64
	result, err := db.ExecContext(ctx, db.Rebind(`UPDATE totp_credentials SET
			failed_attempts = CASE
				WHEN last_failed_attempt IS NULL OR last_failed_attempt < ? THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_attempt = ?,
			updated_at = ?
		WHERE admin_email = ?
		RETURNING failed_attempts INTO ?`), cutoff, now, now, email, sql.Out{Dest: &n})
	if err != nil {
		return 0, err
	}
	if err := expectRow(result, "record failure"); err != nil {
		return 0, err
	}
	return int(n), nil
}
