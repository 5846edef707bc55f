package stmtcache

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind distinguishes plain prepared statements from procedure calls.
type Kind int

const (
	KindQuery Kind = iota
	KindCallable
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindCallable:
		return "callable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fingerprint returns a short stable hash of sql, suitable for logs and span
// attributes where the full text is too long or too sensitive.
func Fingerprint(sql string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sql))
}

// Handle is one cached compiled statement. It belongs to exactly one
// (owner, connection) group and must not be used from another execution
// context.
type Handle struct {
	owner     ContextID
	conn      Conn
	sql       string
	kind      Kind
	stmt      Statement
	createdAt time.Time

	once   sync.Once
	closed atomic.Bool
}

func newHandle(key Key, query string, kind Kind, stmt Statement, createdAt time.Time) *Handle {
	return &Handle{
		owner:     key.Owner,
		conn:      key.Conn,
		sql:       query,
		kind:      kind,
		stmt:      stmt,
		createdAt: createdAt,
	}
}

// SQL returns the exact text the statement was prepared from.
func (h *Handle) SQL() string { return h.sql }

func (h *Handle) Kind() Kind { return h.kind }

// Owner returns the execution context the handle is bound to.
func (h *Handle) Owner() ContextID { return h.owner }

// Conn returns the connection that prepared the statement.
func (h *Handle) Conn() Conn { return h.conn }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) Fingerprint() string { return Fingerprint(h.sql) }

// Stmt returns the driver statement.
func (h *Handle) Stmt() Statement { return h.stmt }

// SQLStmt returns the *sql.Stmt behind the handle, or nil when the
// connection is not a database/sql adapter.
func (h *Handle) SQLStmt() *sql.Stmt {
	stmt, _ := h.stmt.(*sql.Stmt)
	return stmt
}

// Closed reports whether the underlying statement has been released.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Close releases the underlying statement early. The cache notices and
// prepares a fresh one on the next request for the same text. Only the first
// call closes the statement; later calls, including eviction, return nil.
func (h *Handle) Close() error {
	return h.release()
}

func (h *Handle) release() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		err = h.stmt.Close()
	})
	return err
}
