package store

import (
	"context"
	_ "embed"

	"github.com/weftlabs/weft/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// Migrate applies the schema. Statements are idempotent so re-running on an
// already-migrated database is a no-op.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, initialSchema); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migration failed").WithCause(err)
	}
	return nil
}
