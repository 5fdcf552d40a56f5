package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE books (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				md5 TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				authors TEXT NOT NULL DEFAULT '',
				series TEXT NOT NULL DEFAULT '',
				language TEXT NOT NULL DEFAULT '',
				reference_pages INTEGER,
				status TEXT NOT NULL DEFAULT '',
				soft_deleted BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_books_md5 ON books (md5)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE devices (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				model TEXT NOT NULL
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE page_stats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				book_md5 TEXT NOT NULL REFERENCES books (md5),
				device_id TEXT NOT NULL REFERENCES devices (id),
				start_time INTEGER NOT NULL,
				duration INTEGER NOT NULL,
				page INTEGER NOT NULL,
				total_pages INTEGER NOT NULL
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_page_stats_identity ON page_stats (book_md5, device_id, start_time)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE annotations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_md5 TEXT NOT NULL REFERENCES books (md5),
				device_id TEXT NOT NULL REFERENCES devices (id),
				annotation_type TEXT NOT NULL,
				pageno INTEGER NOT NULL,
				datetime TIMESTAMPTZ NOT NULL,
				page_ref TEXT NOT NULL DEFAULT '',
				chapter TEXT,
				text TEXT,
				note TEXT,
				color TEXT,
				drawer TEXT,
				total_pages INTEGER,
				datetime_updated TIMESTAMPTZ NOT NULL,
				deleted_at TIMESTAMPTZ
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_annotations_identity ON annotations (book_md5, device_id, annotation_type, pageno, datetime)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_annotations_book_md5 ON annotations (book_md5)`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"annotations", "page_stats", "devices", "books"} {
			_, err := db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
