package stmtcache

import (
	"context"
	"database/sql"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Statement is a compiled statement owned by the cache. Close releases its
// server and driver resources.
type Statement interface {
	Close() error
}

// Conn is a connection able to compile statements. The Conn value is the
// connection's identity inside the cache, so its dynamic type must be
// comparable and two values must be equal exactly when they refer to the same
// connection. Pointer types and the SQLConn and SQLDB wrappers qualify.
//
// The cache never closes a Conn.
type Conn interface {
	PrepareContext(ctx context.Context, query string) (Statement, error)
	PrepareCallContext(ctx context.Context, query string) (Statement, error)
}

// checkConn rejects connections that cannot key a group.
func checkConn(conn Conn) error {
	if conn == nil {
		return ErrNilConn
	}
	v := reflect.ValueOf(conn)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			return ErrNilConn
		}
	}
	if !v.Type().Comparable() {
		return errors.Wrapf(ErrConnNotComparable, "%s", v.Type())
	}
	return nil
}

// SQLConn adapts a dedicated *sql.Conn. Two SQLConn values wrapping the same
// *sql.Conn address the same cache group.
type SQLConn struct {
	Conn *sql.Conn
}

var _ Conn = SQLConn{}

func (c SQLConn) PrepareContext(ctx context.Context, query string) (Statement, error) {
	return c.Conn.PrepareContext(ctx, query)
}

// PrepareCallContext prepares a procedure call (for example "CALL p(?)").
// database/sql has no separate call API so the text goes through the same
// path as a query.
func (c SQLConn) PrepareCallContext(ctx context.Context, query string) (Statement, error) {
	return c.Conn.PrepareContext(ctx, query)
}

// SQLDB adapts a *sql.DB pool. Statements prepared on a pool are re-prepared
// transparently by database/sql on whichever pooled connection executes them.
type SQLDB struct {
	DB *sql.DB
}

var _ Conn = SQLDB{}

func (c SQLDB) PrepareContext(ctx context.Context, query string) (Statement, error) {
	return c.DB.PrepareContext(ctx, query)
}

func (c SQLDB) PrepareCallContext(ctx context.Context, query string) (Statement, error) {
	return c.DB.PrepareContext(ctx, query)
}
