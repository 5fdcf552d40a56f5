package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE import_logs (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				device_id TEXT,
				state TEXT NOT NULL,
				error TEXT,
				books_created INTEGER NOT NULL DEFAULT 0,
				books_updated INTEGER NOT NULL DEFAULT 0,
				devices_created INTEGER NOT NULL DEFAULT 0,
				stats_written INTEGER NOT NULL DEFAULT 0,
				annotations_written INTEGER NOT NULL DEFAULT 0
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_import_logs_created_at ON import_logs (created_at)`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`DROP TABLE IF EXISTS import_logs`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
