package database

import (
	"context"
	"database/sql/driver"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// busyMarkers are the fragments both sqlite drivers put in lock errors.
var busyMarkers = []string{
	"database is locked",
	"database table is locked",
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"(5)",
	"(6)",
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range busyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryPolicy retries statements that lose the race for the write lock, with
// jittered exponential backoff. Other errors are returned at once.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryPolicy(maxRetries int) retryPolicy {
	return retryPolicy{
		maxRetries: maxRetries,
		baseDelay:  50 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << attempt
	if d <= 0 || d > p.maxDelay {
		d = p.maxDelay
	}
	if quarter := int64(d / 4); quarter > 0 {
		d += time.Duration(rand.Int63n(quarter))
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isBusyError(err) || attempt >= p.maxRetries {
			return err
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// driverConnector adapts a driver without OpenConnector to sql.OpenDB.
type driverConnector struct {
	driver driver.Driver
	dsn    string
}

func newDriverConnector(drv driver.Driver, dsn string) *driverConnector {
	return &driverConnector{driver: drv, dsn: dsn}
}

func (dc *driverConnector) Connect(_ context.Context) (driver.Conn, error) {
	return dc.driver.Open(dc.dsn)
}

func (dc *driverConnector) Driver() driver.Driver {
	return dc.driver
}

// retryConnector hands out connections whose statements and transactions
// retry on SQLITE_BUSY. SQLite pragmas are per connection, so every new
// connection runs pragmas before it is handed out.
type retryConnector struct {
	connector driver.Connector
	policy    retryPolicy
	pragmas   []string
}

func newRetryConnector(connector driver.Connector, policy retryPolicy, pragmas ...string) *retryConnector {
	return &retryConnector{connector: connector, policy: policy, pragmas: pragmas}
}

func (rc *retryConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := rc.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	rconn := &retryConn{conn: conn, policy: rc.policy}
	for _, pragma := range rc.pragmas {
		if err := rconn.exec(ctx, "PRAGMA "+pragma); err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "failed to set PRAGMA %s", pragma)
		}
	}
	return rconn, nil
}

func (rc *retryConnector) Driver() driver.Driver {
	return rc.connector.Driver()
}

type retryConn struct {
	conn   driver.Conn
	policy retryPolicy
}

func (c *retryConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &retryStmt{stmt: stmt, policy: c.policy}, nil
}

func (c *retryConn) Close() error {
	return c.conn.Close()
}

func (c *retryConn) Begin() (driver.Tx, error) {
	var tx driver.Tx
	err := c.policy.do(context.Background(), func() (err error) {
		tx, err = c.conn.Begin() //nolint:staticcheck // required by driver.Conn
		return err
	})
	return tx, err
}

func (c *retryConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	beginner, ok := c.conn.(driver.ConnBeginTx)
	if !ok {
		return c.Begin()
	}
	var tx driver.Tx
	err := c.policy.do(ctx, func() (err error) {
		tx, err = beginner.BeginTx(ctx, opts)
		return err
	})
	return tx, err
}

func (c *retryConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	preparer, ok := c.conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	stmt, err := preparer.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &retryStmt{stmt: stmt, policy: c.policy}, nil
}

func (c *retryConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var result driver.Result
	err := c.policy.do(ctx, func() (err error) {
		result, err = execer.ExecContext(ctx, query, args)
		return err
	})
	return result, err
}

// exec runs a statement without arguments, for drivers with or without
// ExecerContext.
func (c *retryConn) exec(ctx context.Context, query string) error {
	_, err := c.ExecContext(ctx, query, nil)
	if !errors.Is(err, driver.ErrSkip) {
		return err
	}
	stmt, err := c.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(nil) //nolint:staticcheck
	return err
}

func (c *retryConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	var rows driver.Rows
	err := c.policy.do(ctx, func() (err error) {
		rows, err = queryer.QueryContext(ctx, query, args)
		return err
	})
	return rows, err
}

func (c *retryConn) Ping(ctx context.Context) error {
	if pinger, ok := c.conn.(driver.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (c *retryConn) ResetSession(ctx context.Context) error {
	if resetter, ok := c.conn.(driver.SessionResetter); ok {
		return resetter.ResetSession(ctx)
	}
	return nil
}

func (c *retryConn) IsValid() bool {
	if validator, ok := c.conn.(driver.Validator); ok {
		return validator.IsValid()
	}
	return true
}

type retryStmt struct {
	stmt   driver.Stmt
	policy retryPolicy
}

func (s *retryStmt) Close() error {
	return s.stmt.Close()
}

func (s *retryStmt) NumInput() int {
	return s.stmt.NumInput()
}

func (s *retryStmt) Exec(args []driver.Value) (driver.Result, error) {
	var result driver.Result
	err := s.policy.do(context.Background(), func() (err error) {
		result, err = s.stmt.Exec(args) //nolint:staticcheck // required by driver.Stmt
		return err
	})
	return result, err
}

func (s *retryStmt) Query(args []driver.Value) (driver.Rows, error) {
	var rows driver.Rows
	err := s.policy.do(context.Background(), func() (err error) {
		rows, err = s.stmt.Query(args) //nolint:staticcheck // required by driver.Stmt
		return err
	})
	return rows, err
}

func (s *retryStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := s.stmt.(driver.StmtExecContext)
	if !ok {
		return s.Exec(namedValues(args))
	}
	var result driver.Result
	err := s.policy.do(ctx, func() (err error) {
		result, err = execer.ExecContext(ctx, args)
		return err
	})
	return result, err
}

func (s *retryStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := s.stmt.(driver.StmtQueryContext)
	if !ok {
		return s.Query(namedValues(args))
	}
	var rows driver.Rows
	err := s.policy.do(ctx, func() (err error) {
		rows, err = queryer.QueryContext(ctx, args)
		return err
	})
	return rows, err
}

func namedValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	return values
}
