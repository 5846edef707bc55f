package stmtcache

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned by every operation on a Cache after Close.
	ErrClosed = errors.New("stmtcache: cache is closed")
	// ErrOwnerDone is returned when the requesting execution context has
	// already ended.
	ErrOwnerDone = errors.New("stmtcache: execution context has ended")
	// ErrKindMismatch is returned when the SQL text is already cached for the
	// same owner and connection under the other Kind.
	ErrKindMismatch = errors.New("stmtcache: statement cached with a different kind")
	// ErrNoOwner is returned by the *Context variants when ctx carries no
	// ExecutionContext, and by every variant for a nil owner.
	ErrNoOwner = errors.New("stmtcache: no execution context")
	// ErrNilConn is returned for a nil connection, including a nil pointer
	// wrapped in a Conn.
	ErrNilConn = errors.New("stmtcache: nil connection")
	// ErrConnNotComparable is returned for a connection whose dynamic type
	// cannot serve as a map key (slices, maps, funcs).
	ErrConnNotComparable = errors.New("stmtcache: connection type is not comparable")
	// ErrNotFound is returned by Invalidate when nothing is cached for the key.
	ErrNotFound = errors.New("stmtcache: statement not cached")

	// errGroupEvicted tells a request that its group was evicted while it was
	// in flight and that it should claim a fresh one.
	errGroupEvicted = errors.New("stmtcache: connection group evicted")
)

// PreparationError is returned when the connection fails to compile a
// statement. Nothing is published to the cache when it occurs.
type PreparationError struct {
	Owner ContextID
	SQL   string
	Kind  Kind
	Err   error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("stmtcache: prepare %s for %s: %v", e.Kind, e.Owner, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// CloseError records one statement that failed to close during eviction.
type CloseError struct {
	Owner ContextID
	SQL   string
	Err   error
}

func (e CloseError) Error() string {
	return fmt.Sprintf("stmtcache: close statement for %s: %v", e.Owner, e.Err)
}

func (e CloseError) Unwrap() error { return e.Err }

// CloseErrors is the batch of close failures collected by one eviction sweep.
// A nil or empty batch means every statement closed cleanly.
type CloseErrors []CloseError

func (e CloseErrors) Error() string {
	switch len(e) {
	case 0:
		return "stmtcache: no close errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, ce := range e {
		msgs[i] = ce.Err.Error()
	}
	return fmt.Sprintf("stmtcache: %d statements failed to close: %s", len(e), strings.Join(msgs, "; "))
}

// Unwrap exposes every failure so errors.Is and errors.As see the whole batch.
func (e CloseErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, ce := range e {
		errs[i] = ce
	}
	return errs
}

// Err returns nil for an empty batch and the batch itself otherwise.
func (e CloseErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
