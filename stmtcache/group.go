package stmtcache

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"
)

// Key identifies one connection group: the statements a single execution
// context prepared on a single connection.
type Key struct {
	Owner ContextID
	Conn  Conn
}

// group holds the handles for one Key. Its mutex only covers the map; the
// preparation round trip runs outside it and concurrent misses on the same
// text share one round trip through flight.
type group struct {
	key    Key
	cache  *Cache
	mutex  sync.Mutex
	stmts  map[string]*Handle
	closed bool
	flight singleflight.Group
}

func newGroup(c *Cache, key Key) *group {
	return &group{
		key:   key,
		cache: c,
		stmts: make(map[string]*Handle),
	}
}

// lookup returns the live handle for query, dropping one that was closed via
// Handle.Close so the caller prepares a replacement.
func (g *group) lookup(query string) (*Handle, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closed {
		return nil, errGroupEvicted
	}
	h, ok := g.stmts[query]
	if !ok {
		return nil, nil
	}
	if h.Closed() {
		delete(g.stmts, query)
		return nil, nil
	}
	return h, nil
}

func (g *group) getOrPrepare(ctx context.Context, query string, kind Kind) (*Handle, error) {
	h, err := g.lookup(query)
	if err != nil {
		return nil, err
	}
	if h != nil {
		g.cache.stats.hits.Add(1)
		return g.checkKind(h, kind)
	}

	// shared by every waiter, so it outlives the caller that started it and
	// is bounded by the prepare timeout instead
	flightCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(query, func() (interface{}, error) {
		return g.prepare(flightCtx, query, kind)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return g.checkKind(res.Val.(*Handle), kind)
	}
}

func (g *group) checkKind(h *Handle, kind Kind) (*Handle, error) {
	if h.kind != kind {
		return nil, errors.Wrapf(ErrKindMismatch, "%s requested, %s cached", kind, h.kind)
	}
	return h, nil
}

// prepare runs inside the singleflight call for query.
func (g *group) prepare(ctx context.Context, query string, kind Kind) (*Handle, error) {
	// a previous flight may have published between lookup and this call
	if h, err := g.lookup(query); h != nil || err != nil {
		return h, err
	}

	stmt, err := g.cache.prepareStatement(ctx, g.key, query, kind)
	if err != nil {
		return nil, &PreparationError{Owner: g.key.Owner, SQL: query, Kind: kind, Err: err}
	}
	h := newHandle(g.key, query, kind, stmt, g.cache.cfg.now())

	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		// eviction won; this statement was never visible to anyone else
		if err := h.release(); err != nil {
			g.cache.stats.closeFailures.Add(1)
			g.cache.reportCloseErrors(g.key.Owner, CloseErrors{{Owner: g.key.Owner, SQL: query, Err: err}})
		}
		return nil, errGroupEvicted
	}
	g.stmts[query] = h
	g.mutex.Unlock()
	return h, nil
}

// invalidate removes and closes the handle for query.
func (g *group) invalidate(query string) error {
	g.mutex.Lock()
	h, ok := g.stmts[query]
	if ok {
		delete(g.stmts, query)
	}
	g.mutex.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := h.release(); err != nil {
		return CloseError{Owner: g.key.Owner, SQL: query, Err: err}
	}
	return nil
}

// close marks the group dead and closes every handle, attempting all of them
// whatever earlier ones return.
func (g *group) close() CloseErrors {
	g.mutex.Lock()
	g.closed = true
	stmts := g.stmts
	g.stmts = nil
	g.mutex.Unlock()

	var errs CloseErrors
	for _, query := range slices.Sorted(maps.Keys(stmts)) {
		if err := stmts[query].release(); err != nil {
			errs = append(errs, CloseError{Owner: g.key.Owner, SQL: query, Err: err})
		}
	}
	return errs
}

func (g *group) size() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.stmts)
}
