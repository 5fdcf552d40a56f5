package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type key int

const ctxKey key = 0

// WithLogging marks ctx so its queries are logged when database_debug is on.
func WithLogging(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey, true)
}

type logQueryHook struct {
	log logger.Logger
}

func (*logQueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (qh *logQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	enabled, ok := ctx.Value(ctxKey).(bool)
	if !ok || !enabled {
		return
	}

	qh.log.Debug(event.Query)
}

// New opens the writer database. SQLite allows a single writer, so the pool
// holds one connection and lock contention becomes queueing inside
// database/sql.
func New(cfg *config.Config) (*bun.DB, error) {
	return open(cfg, cfg.DatabaseFilePath, 1,
		"journal_mode=WAL",
		fmt.Sprintf("busy_timeout=%d", cfg.DatabaseBusyTimeout.Milliseconds()),
		"foreign_keys=ON",
	)
}

// NewReader opens a read-only pool on the same file for aggregation reads.
// WAL lets these run while an import transaction holds the writer. An
// in-memory database exists only inside the writer's connection, so there
// the writer is returned as is.
func NewReader(cfg *config.Config, writer *bun.DB) (*bun.DB, error) {
	if isMemory(cfg.DatabaseFilePath) {
		return writer, nil
	}
	return open(cfg, cfg.DatabaseFilePath, cfg.DatabaseReadConns,
		fmt.Sprintf("busy_timeout=%d", cfg.DatabaseBusyTimeout.Milliseconds()),
		"query_only=1",
	)
}

func isMemory(path string) bool {
	return path == "" || path == ":memory:" || strings.Contains(path, "mode=memory")
}

func open(cfg *config.Config, dsn string, maxConns int, pragmas ...string) (*bun.DB, error) {
	drv := sqliteshim.Driver()
	var connector driver.Connector
	if drvCtx, ok := drv.(driver.DriverContext); ok {
		c, err := drvCtx.OpenConnector(dsn)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		connector = c
	} else {
		connector = newDriverConnector(drv, dsn)
	}

	// Wrap the connector with retry logic for SQLITE_BUSY errors.
	sqldb := sql.OpenDB(newRetryConnector(connector, newRetryPolicy(cfg.DatabaseMaxRetries), pragmas...))
	if maxConns < 1 {
		maxConns = 1
	}
	sqldb.SetMaxOpenConns(maxConns)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	// print out all queries in debug mode
	if cfg.DatabaseDebug {
		db.AddQueryHook(&logQueryHook{logger.NewWithLevel("debug")})
	}

	// Retry up to a few times to ensure that the database can connect.
	var err error
	for i := 0; i < cfg.DatabaseConnectRetryCount; i++ {
		_, err = db.Exec("SELECT 1")
		if err != nil {
			time.Sleep(cfg.DatabaseConnectRetryDelay)
			continue
		}
		// We've successfully connected.
		break
	}
	if err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}

	return db, nil
}

// OpenReadOnly opens an SQLite file that is not owned by this service (an
// uploaded or pulled statistics container). Writes are refused by SQLite
// itself, both through the URI mode and query_only.
func OpenReadOnly(ctx context.Context, path string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA query_only=1"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}

	return db, nil
}
