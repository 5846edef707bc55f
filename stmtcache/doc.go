// Package stmtcache caches prepared statements per execution context and
// connection, and releases them when the execution context ends.
//
// # Ownership
//
// Prepared statements are not safe to share between connections, and most
// drivers do not allow one to be used from two workers at once. The cache
// therefore keys every statement by three things: the [ExecutionContext] that
// asked for it, the [Conn] that compiled it, and the exact SQL text. Two
// workers asking for the same text on the same connection get two different
// [Handle] values; one worker asking twice gets the same Handle back and the
// connection sees a single prepare call.
//
// SQL text is compared byte for byte. "select 1" and "SELECT 1" are separate
// entries.
//
// # Execution contexts
//
// Go has no thread identity, so workers identify themselves with an
// [ExecutionContext]: a stable [ContextID] and a Done channel that closes
// when the work is finished. [Task] is the stock implementation:
//
//	c := stmtcache.New(ctx)
//	defer c.Close()
//
//	stmtcache.Go(ctx, func(t *stmtcache.Task) {
//	    h, err := c.PrepareContext(t.Context(), stmtcache.SQLConn{Conn: conn}, "select name from users where id = ?")
//	    if err != nil {
//	        return
//	    }
//	    row := h.SQLStmt().QueryRowContext(t.Context(), 42)
//	    ...
//	}) // statements prepared by this task are closed once fn returns
//
// [NewOwner] wraps an identity and channel the caller already has.
//
// # Lifecycle
//
// The first request from an execution context starts a lifecycle monitor: a
// goroutine that waits on Done and then evicts every group that context owns.
// There is at most one monitor per context. Eviction can also be requested
// explicitly:
//
//   - [Cache.EvictConnection] drops one (context, connection) group, for
//     callers discarding a connection while the worker keeps running.
//   - [Cache.ClearContext] drops every group of one context and stops its
//     monitor.
//   - [Cache.ClearAll] drops everything.
//   - [Cache.Close] stops all monitors, waits for them, drops everything and
//     refuses further work. It is the only reliable release path and must be
//     called by the owner of the cache.
//
// A request racing with eviction of its own group retries against a fresh
// group, so explicit clears never fail in-flight requests from a live
// context. A request from a context whose Done channel is already closed
// fails with [ErrOwnerDone].
//
// # Errors
//
// A failed preparation returns a [*PreparationError] wrapping the driver
// error and leaves the cache untouched. Evictions attempt to close every
// statement and return the failures as a [CloseErrors] batch. Failures from
// evictions triggered by a context ending have no caller, so they are logged
// and handed to the [WithCloseErrorHandler] callback.
//
// # Connections
//
// [Conn] is a two-method interface. [SQLConn] and [SQLDB] adapt database/sql.
// The Conn value is the connection identity, so custom implementations should
// be pointer types or small comparable structs.
package stmtcache
