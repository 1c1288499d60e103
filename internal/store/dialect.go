package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// dialect captures everything that differs between SQL backends: DSN
// handling, schema DDL, the credential upsert, and the atomic failure
// update.
type dialect interface {
	// driverName is the database/sql driver name passed to sqlx.
	driverName() string
	prepareDSN(cfg Config) (string, error)
	configure(ctx context.Context, db *sqlx.DB) error
	migrations() []string
	// ignoreMigrationError reports whether err means the object already
	// exists, making a migration statement a no-op.
	ignoreMigrationError(err error) bool
	// upsertCredentialQuery is a sqlx named query over credentialRow.
	upsertCredentialQuery() string
	recordFailure(ctx context.Context, db *sqlx.DB, email string, now, cutoff time.Time) (int, error)
}

// factories maps a configured driver name to its dialect.
var factories = map[string]func() dialect{
	"sqlite":    func() dialect { return sqliteDialect{} },
	"postgres":  func() dialect { return postgresDialect{} },
	"mysql":     func() dialect { return mysqlDialect{} },
	"sqlserver": func() dialect { return mssqlDialect{} },
	"oracle":    func() dialect { return oracleDialect{} },
}

// aliases accepted in configuration files.
var aliases = map[string]string{
	"sqlite3":    "sqlite",
	"pgx":        "postgres",
	"postgresql": "postgres",
	"mssql":      "sqlserver",
	"mariadb":    "mysql",
}

// Drivers returns the supported driver names, sorted.
func Drivers() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanonicalDriver resolves aliases to a supported driver name.
func CanonicalDriver(driver string) (string, error) {
	if alias, ok := aliases[driver]; ok {
		driver = alias
	}
	if _, ok := factories[driver]; !ok {
		return "", fmt.Errorf("unsupported driver: %s (available: %v)", driver, Drivers())
	}
	return driver, nil
}

// requireDSN rejects an empty DSN for server-based drivers.
func requireDSN(cfg Config) (string, error) {
	if cfg.DSN == "" {
		return "", fmt.Errorf("a dsn is required for driver %s", cfg.Driver)
	}
	return cfg.DSN, nil
}
