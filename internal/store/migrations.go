package store

import (
	"context"
	"fmt"
)

// Migrate re-applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			if s.dialect.ignoreMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
