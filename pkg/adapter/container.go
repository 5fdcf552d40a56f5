package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/database"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/uptrace/bun"
)

const sqliteMIME = "application/vnd.sqlite3"

// ErrInvalidContainer is the message for any statistics file that can't be
// read as a KOReader export.
const ErrInvalidContainer = "Invalid SQLite file or no books found"

// ContainerLimits bounds how much work an untrusted statistics file can cause.
type ContainerLimits struct {
	MaxBytes int64
	MaxRows  int
}

// requiredColumns is the minimal shape of KOReader's statistics.sqlite3 this
// package reads. Other columns are ignored.
var requiredColumns = map[string][]string{
	"book":           {"id", "md5", "title", "authors", "series", "language"},
	"page_stat_data": {"id_book", "page", "start_time", "duration", "total_pages"},
}

type tableColumn struct {
	Name string `bun:"name"`
}

// Container is an opened, structurally verified statistics export.
type Container struct {
	db            *bun.DB
	path          string
	schemaVersion int
}

// OpenContainer verifies and opens a statistics file read-only. The file is
// size checked and sniffed before SQLite ever touches it.
func OpenContainer(ctx context.Context, path string, limits ContainerLimits) (*Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errcodes.TransientIO("Statistics file could not be read.")
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, errcodes.MalformedSource(ErrInvalidContainer)
	}
	if limits.MaxBytes > 0 && info.Size() > limits.MaxBytes {
		return nil, errcodes.PayloadTooLarge(int(limits.MaxBytes / (1024 * 1024)))
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errcodes.TransientIO("Statistics file could not be read.")
	}
	if !mtype.Is(sqliteMIME) {
		return nil, errcodes.MalformedSource(fmt.Sprintf("%s: expected an SQLite database, got %s", ErrInvalidContainer, mtype.String()))
	}

	db, err := database.OpenReadOnly(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, errcodes.MalformedSource(ErrInvalidContainer)
	}

	c := &Container{db: db, path: path}
	if err := c.verify(ctx, limits); err != nil {
		_ = db.Close()
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, err
	}
	return c, nil
}

func (c *Container) verify(ctx context.Context, limits ContainerLimits) error {
	var check string
	if err := c.db.NewRaw("PRAGMA quick_check").Scan(ctx, &check); err != nil || check != "ok" {
		return errcodes.MalformedSource(ErrInvalidContainer + ": integrity check failed")
	}

	if err := c.db.NewRaw("PRAGMA user_version").Scan(ctx, &c.schemaVersion); err != nil {
		return errcodes.MalformedSource(ErrInvalidContainer)
	}

	for table, columns := range requiredColumns {
		var present []tableColumn
		if err := c.db.NewRaw("SELECT name FROM pragma_table_info(?)", table).Scan(ctx, &present); err != nil {
			return errcodes.MalformedSource(ErrInvalidContainer)
		}
		have := map[string]struct{}{}
		for _, col := range present {
			have[strings.ToLower(col.Name)] = struct{}{}
		}
		for _, col := range columns {
			if _, ok := have[col]; !ok {
				return errcodes.MalformedSource(fmt.Sprintf("%s: missing %s.%s", ErrInvalidContainer, table, col))
			}
		}
	}

	if limits.MaxRows > 0 {
		var rows int
		if err := c.db.NewRaw("SELECT (SELECT COUNT(*) FROM book) + (SELECT COUNT(*) FROM page_stat_data)").Scan(ctx, &rows); err != nil {
			return errcodes.MalformedSource(ErrInvalidContainer)
		}
		if rows > limits.MaxRows {
			return errcodes.MalformedSource(fmt.Sprintf("Statistics file has %d rows, more than the %d allowed.", rows, limits.MaxRows))
		}
	}

	return nil
}

// SchemaVersion is the container's PRAGMA user_version. KOReader bumps it
// whenever the statistics schema changes.
func (c *Container) SchemaVersion() int {
	return c.schemaVersion
}

func (c *Container) Close() error {
	return errors.WithStack(c.db.Close())
}

type containerBook struct {
	ID       int64          `bun:"id"`
	MD5      sql.NullString `bun:"md5"`
	Title    sql.NullString `bun:"title"`
	Authors  sql.NullString `bun:"authors"`
	Series   sql.NullString `bun:"series"`
	Language sql.NullString `bun:"language"`
}

type containerStat struct {
	IDBook     sql.NullInt64   `bun:"id_book"`
	Page       sql.NullFloat64 `bun:"page"`
	StartTime  sql.NullFloat64 `bun:"start_time"`
	Duration   sql.NullFloat64 `bun:"duration"`
	TotalPages sql.NullFloat64 `bun:"total_pages"`
}

// Extract reads every book and page stat into a batch attributed to
// deviceID. Books without an md5 can't be joined across devices, so they are
// dropped together with their stats.
func (c *Container) Extract(ctx context.Context, deviceID string) (*Batch, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errcodes.MalformedSource("A device id is required to import a statistics file.")
	}

	var books []containerBook
	err := c.db.NewSelect().
		TableExpr("book").
		Column("id", "md5", "title", "authors", "series", "language").
		OrderExpr("id ASC").
		Scan(ctx, &books)
	if err != nil {
		return nil, errcodes.MalformedSource(ErrInvalidContainer)
	}

	batch := &Batch{}
	md5ByID := map[int64]string{}
	seen := map[string]struct{}{}
	for _, b := range books {
		md5 := strings.TrimSpace(b.MD5.String)
		if md5 == "" {
			continue
		}
		md5ByID[b.ID] = md5
		// KOReader can keep two rows for one file after a rename.
		if _, dup := seen[md5]; dup {
			continue
		}
		seen[md5] = struct{}{}
		batch.Books = append(batch.Books, &models.Book{
			MD5:      md5,
			Title:    strings.TrimSpace(b.Title.String),
			Authors:  strings.TrimSpace(b.Authors.String),
			Series:   strings.TrimSpace(b.Series.String),
			Language: strings.TrimSpace(b.Language.String),
		})
	}
	if len(batch.Books) == 0 {
		return nil, errcodes.MalformedSource(ErrInvalidContainer)
	}

	var stats []containerStat
	err = c.db.NewSelect().
		TableExpr("page_stat_data").
		Column("id_book", "page", "start_time", "duration", "total_pages").
		OrderExpr("id_book ASC, start_time ASC").
		Scan(ctx, &stats)
	if err != nil {
		return nil, errcodes.MalformedSource(ErrInvalidContainer)
	}

	for _, s := range stats {
		md5, ok := md5ByID[s.IDBook.Int64]
		if !ok || !s.IDBook.Valid || !s.StartTime.Valid {
			continue
		}
		batch.PageStats = append(batch.PageStats, &models.PageStat{
			BookMD5:    md5,
			DeviceID:   deviceID,
			StartTime:  NormalizeEpoch(s.StartTime.Float64),
			Duration:   NormalizeDuration(s.Duration.Float64),
			Page:       int(s.Page.Float64),
			TotalPages: int(s.TotalPages.Float64),
		})
	}

	return batch, nil
}
