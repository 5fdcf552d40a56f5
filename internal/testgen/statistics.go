package testgen

import (
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/uptrace/bun/driver/sqliteshim"
)

// CurrentUserVersion is the user_version a recent KOReader writes.
const CurrentUserVersion = 20221111

// koreaderSchema mirrors the tables of KOReader's statistics.sqlite3.
const koreaderSchema = `
CREATE TABLE book (
	id integer PRIMARY KEY autoincrement,
	title text,
	authors text,
	notes integer,
	last_open integer,
	highlights integer,
	pages integer,
	series text,
	language text,
	md5 text,
	total_read_time integer,
	total_read_pages integer
);
CREATE TABLE page_stat_data (
	id_book integer,
	page integer NOT NULL DEFAULT 0,
	start_time integer NOT NULL DEFAULT 0,
	duration integer NOT NULL DEFAULT 0,
	total_pages integer NOT NULL DEFAULT 0,
	UNIQUE (id_book, page, start_time),
	FOREIGN KEY(id_book) REFERENCES book(id)
);
`

// StatisticsBook is one row of the book table. An empty MD5 is stored as
// NULL.
type StatisticsBook struct {
	ID       int64
	MD5      string
	Title    string
	Authors  string
	Series   string
	Language string
}

// StatisticsSession is one row of page_stat_data.
type StatisticsSession struct {
	BookID     int64
	Page       int
	StartTime  int64
	Duration   int64
	TotalPages int
}

// StatisticsOptions configures the generated statistics database.
type StatisticsOptions struct {
	UserVersion int // defaults to CurrentUserVersion
	Books       []StatisticsBook
	Sessions    []StatisticsSession
	// Statements run after the rows above are inserted.
	Statements []string
}

// DefaultStatistics is a small library: one book read in two sessions.
func DefaultStatistics() StatisticsOptions {
	return StatisticsOptions{
		Books: []StatisticsBook{
			{ID: 1, MD5: "md5-emma", Title: "Emma", Authors: "Jane Austen"},
		},
		Sessions: []StatisticsSession{
			{BookID: 1, Page: 1, StartTime: 1700000000, Duration: 60, TotalPages: 400},
			{BookID: 1, Page: 2, StartTime: 1700000060, Duration: 30, TotalPages: 400},
		},
	}
}

// GenerateStatistics creates a statistics database at dir/filename and
// returns its path.
func GenerateStatistics(t *testing.T, dir, filename string, opts StatisticsOptions) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	db, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		t.Fatalf("failed to open statistics file: %v", err)
	}
	defer db.Close()

	userVersion := opts.UserVersion
	if userVersion == 0 {
		userVersion = CurrentUserVersion
	}

	exec := func(query string, args ...interface{}) {
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("failed to build statistics file: %v\n%s", err, query)
		}
	}

	exec(koreaderSchema)
	exec("PRAGMA user_version = " + strconv.Itoa(userVersion))
	for _, b := range opts.Books {
		exec(`INSERT INTO book (id, md5, title, authors, series, language) VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, nullable(b.MD5), b.Title, b.Authors, nullable(b.Series), nullable(b.Language))
	}
	for _, s := range opts.Sessions {
		exec(`INSERT INTO page_stat_data (id_book, page, start_time, duration, total_pages) VALUES (?, ?, ?, ?, ?)`,
			s.BookID, s.Page, s.StartTime, s.Duration, s.TotalPages)
	}
	for _, stmt := range opts.Statements {
		exec(stmt)
	}

	return path
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
