package capture

import (
	"context"
	"database/sql/driver"

	"github.com/pkg/errors"
)

// Wrap returns a database/sql driver which delegates to |d| and records the
// tables referenced by each statement into the Recorder of the statement's
// context (a no-op when no Recorder is attached). Register the wrapped
// driver under its own name, eg:
//
//	sql.Register("sqlite3-captured", capture.Wrap(&sqlite3.SQLiteDriver{}))
func Wrap(d driver.Driver) driver.Driver {
	return &captureDriver{inner: d}
}

type captureDriver struct {
	inner driver.Driver
}

func (d *captureDriver) Open(name string) (driver.Conn, error) {
	var c, err = d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &captureConn{inner: c}, nil
}

// record notes the tables of |query| with the Recorder of |ctx|, if any.
func record(ctx context.Context, query string) {
	if rec := FromContext(ctx); rec != nil {
		for _, table := range TablesInStatement(query) {
			rec.Record(table)
		}
	}
}

type captureConn struct {
	inner driver.Conn
}

func (c *captureConn) Prepare(query string) (driver.Stmt, error) {
	var s, err = c.inner.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &captureStmt{inner: s, query: query}, nil
}

func (c *captureConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var s driver.Stmt
	var err error

	if pc, ok := c.inner.(driver.ConnPrepareContext); ok {
		s, err = pc.PrepareContext(ctx, query)
	} else {
		s, err = c.inner.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &captureStmt{inner: s, query: query}, nil
}

func (c *captureConn) Close() error { return c.inner.Close() }

func (c *captureConn) Begin() (driver.Tx, error) { return c.inner.Begin() }

func (c *captureConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.inner.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.inner.Begin()
}

func (c *captureConn) Ping(ctx context.Context) error {
	if p, ok := c.inner.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *captureConn) ResetSession(ctx context.Context) error {
	if r, ok := c.inner.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *captureConn) IsValid() bool {
	if v, ok := c.inner.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

// QueryContext records |query|'s tables and delegates to the wrapped
// connection, falling back to a prepared statement if the connection
// doesn't implement QueryerContext.
func (c *captureConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	record(ctx, query)

	if q, ok := c.inner.(driver.QueryerContext); ok {
		return q.QueryContext(ctx, query, args)
	}
	var s, err = c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.(*captureStmt).QueryContext(ctx, args)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: s}, nil
}

func (c *captureConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	record(ctx, query)

	if e, ok := c.inner.(driver.ExecerContext); ok {
		return e.ExecContext(ctx, query, args)
	}
	var s, err = c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.(*captureStmt).ExecContext(ctx, args)
}

type captureStmt struct {
	inner driver.Stmt
	query string
}

func (s *captureStmt) Close() error  { return s.inner.Close() }
func (s *captureStmt) NumInput() int { return s.inner.NumInput() }

func (s *captureStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.inner.Exec(args)
}

func (s *captureStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.inner.Query(args)
}

func (s *captureStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	record(ctx, s.query)

	if ec, ok := s.inner.(driver.StmtExecContext); ok {
		return ec.ExecContext(ctx, args)
	}
	var vals, err = namedToValues(args)
	if err != nil {
		return nil, err
	}
	return s.inner.Exec(vals)
}

func (s *captureStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	record(ctx, s.query)

	if qc, ok := s.inner.(driver.StmtQueryContext); ok {
		return qc.QueryContext(ctx, args)
	}
	var vals, err = namedToValues(args)
	if err != nil {
		return nil, err
	}
	return s.inner.Query(vals)
}

// stmtRows keeps a fallback-prepared statement open for the lifetime of
// its result rows.
type stmtRows struct {
	driver.Rows
	stmt driver.Stmt
}

func (r *stmtRows) Close() error {
	var err = r.Rows.Close()
	if sErr := r.stmt.Close(); err == nil {
		err = sErr
	}
	return err
}

func namedToValues(args []driver.NamedValue) ([]driver.Value, error) {
	var vals = make([]driver.Value, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			return nil, errors.Errorf("driver does not support named parameter %q", arg.Name)
		}
		vals[i] = arg.Value
	}
	return vals, nil
}
