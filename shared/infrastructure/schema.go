package infrastructure

import (
	"context"
	_ "embed"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schema string

// ApplySchema creates the run and event tables when they do not exist
func ApplySchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply saga schema")
	}
	return nil
}
