package store

import (
	"context"
	"strings"
)

// migrate applies additive schema changes that postdate the base schema.
// Each statement is idempotent: "duplicate column" failures are swallowed
// so the migration can run unconditionally on every startup, including
// against a database that already has the column from a prior run.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		"ALTER TABLE usage_records ADD COLUMN cost REAL NOT NULL DEFAULT 0",
		"ALTER TABLE usage_records ADD COLUMN request_id TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE usage_records ADD COLUMN prompt_preview TEXT NOT NULL DEFAULT ''",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
