package stmtcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-stmtcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Cache hands out prepared statements scoped to an (execution context,
// connection) pair and releases them when the context ends. A Cache is safe
// for concurrent use and must be closed by its owner.
type Cache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       config
	log       logger.Logger
	mutex     sync.Mutex
	groups    map[ContextID]map[Conn]*group
	monitors  map[ContextID]*monitor
	closed    bool
	waitGroup sync.WaitGroup
	once      sync.Once
	closeErr  error
	stats     counters
}

type counters struct {
	prepares      atomic.Int64
	hits          atomic.Int64
	evictions     atomic.Int64
	closeFailures atomic.Int64
}

// Stats is a point-in-time view of a Cache.
type Stats struct {
	// Owners is the number of execution contexts with at least one group.
	Owners int
	// Groups is the number of live (owner, connection) groups.
	Groups int
	// Statements is the number of cached handles across all groups.
	Statements int
	// Monitors is the number of execution contexts being watched.
	Monitors int
	// Prepares counts round trips to a connection, successful or not.
	Prepares int64
	// Hits counts requests served from the cache.
	Hits int64
	// Evictions counts groups removed by any eviction path.
	Evictions int64
	// CloseFailures counts statements whose Close returned an error.
	CloseFailures int64
}

// New returns a Cache. Cancelling parent stops every lifecycle monitor and
// makes the cache refuse new work; Close must still be called to release the
// cached statements.
func New(parent context.Context, opts ...Option) *Cache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	return &Cache{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		log:      cfg.logger.WithPrefix("[stmtcache]"),
		groups:   make(map[ContextID]map[Conn]*group),
		monitors: make(map[ContextID]*monitor),
	}
}

// Prepare returns the cached statement for query on conn as seen by owner,
// preparing it on first use. conn is used as a map key: a nil pointer fails
// with ErrNilConn and a type that is not comparable with
// ErrConnNotComparable.
func (c *Cache) Prepare(ctx context.Context, owner ExecutionContext, conn Conn, query string) (*Handle, error) {
	return c.getOrPrepare(ctx, owner, conn, query, KindQuery)
}

// PrepareCall is Prepare for procedure calls.
func (c *Cache) PrepareCall(ctx context.Context, owner ExecutionContext, conn Conn, query string) (*Handle, error) {
	return c.getOrPrepare(ctx, owner, conn, query, KindCallable)
}

// PrepareContext is Prepare with the owner taken from ctx (see NewContext and
// Task.Context).
func (c *Cache) PrepareContext(ctx context.Context, conn Conn, query string) (*Handle, error) {
	owner, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoOwner
	}
	return c.getOrPrepare(ctx, owner, conn, query, KindQuery)
}

// PrepareCallContext is PrepareCall with the owner taken from ctx.
func (c *Cache) PrepareCallContext(ctx context.Context, conn Conn, query string) (*Handle, error) {
	owner, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoOwner
	}
	return c.getOrPrepare(ctx, owner, conn, query, KindCallable)
}

func (c *Cache) getOrPrepare(ctx context.Context, owner ExecutionContext, conn Conn, query string, kind Kind) (*Handle, error) {
	if owner == nil {
		return nil, ErrNoOwner
	}
	if err := checkConn(conn); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := c.claim(owner, conn)
		if err != nil {
			return nil, err
		}
		h, err := g.getOrPrepare(ctx, query, kind)
		if errors.Is(err, errGroupEvicted) {
			c.log.Debug("group for %s evicted mid-request, claiming a fresh one", owner.ID())
			continue
		}
		return h, err
	}
}

// claim finds or creates the group for (owner, conn) and makes sure owner is
// watched. Both are check-and-insert under the directory mutex.
func (c *Cache) claim(owner ExecutionContext, conn Conn) (*group, error) {
	select {
	case <-owner.Done():
		return nil, errors.Wrapf(ErrOwnerDone, "owner %s", owner.ID())
	default:
	}
	id := owner.ID()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	byConn, ok := c.groups[id]
	if !ok {
		byConn = make(map[Conn]*group)
		c.groups[id] = byConn
	}
	g, ok := byConn[conn]
	if !ok {
		g = newGroup(c, Key{Owner: id, Conn: conn})
		byConn[conn] = g
		c.log.Debug("created group for %s (%d on this owner)", id, len(byConn))
	}
	if _, ok := c.monitors[id]; !ok {
		m := newMonitor(owner)
		c.monitors[id] = m
		c.waitGroup.Add(1)
		go m.run(c)
		c.log.Debug("watching %s", id)
	}
	return g, nil
}

func (c *Cache) prepareStatement(ctx context.Context, key Key, query string, kind Kind) (Statement, error) {
	if c.cfg.prepareTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.prepareTimeout)
		defer cancel()
	}
	fingerprint := Fingerprint(query)
	ctx, span := c.cfg.tracer.Start(ctx, "Prepare", trace.WithAttributes(
		attrOwner.String(string(key.Owner)),
		attrKind.String(kind.String()),
		attrFingerprint.String(fingerprint),
	))
	defer span.End()

	c.stats.prepares.Add(1)
	c.log.Trace("preparing %s %s for %s", kind, fingerprint, key.Owner)
	var (
		stmt Statement
		err  error
	)
	switch kind {
	case KindCallable:
		stmt, err = key.Conn.PrepareCallContext(ctx, query)
	default:
		stmt, err = key.Conn.PrepareContext(ctx, query)
	}
	if err == nil && stmt == nil {
		err = errors.New("connection returned no statement")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "prepared")
	return stmt, nil
}

// ClearContext evicts every group owned by id and stops its monitor. It is a
// no-op for an unknown id.
func (c *Cache) ClearContext(id ContextID) CloseErrors {
	c.mutex.Lock()
	m := c.monitors[id]
	delete(c.monitors, id)
	groups := c.detachLocked(id)
	c.mutex.Unlock()

	if m != nil {
		m.halt()
	}
	return c.evict("clear context", id, groups)
}

// EvictConnection evicts the single group for (id, conn), leaving the
// owner's other connections and its monitor alone.
func (c *Cache) EvictConnection(id ContextID, conn Conn) CloseErrors {
	if checkConn(conn) != nil {
		// nothing can have been cached under it
		return nil
	}
	c.mutex.Lock()
	g, ok := c.groups[id][conn]
	if ok {
		delete(c.groups[id], conn)
		if len(c.groups[id]) == 0 {
			delete(c.groups, id)
		}
	}
	c.mutex.Unlock()

	if !ok {
		return nil
	}
	return c.evict("evict connection", id, []*group{g})
}

// ClearAll evicts every group of every owner and stops all monitors. Close
// failures are collected across the whole sweep.
func (c *Cache) ClearAll() CloseErrors {
	c.mutex.Lock()
	monitors := c.monitors
	c.monitors = make(map[ContextID]*monitor)
	var groups []*group
	for _, byConn := range c.groups {
		for _, g := range byConn {
			groups = append(groups, g)
		}
	}
	c.groups = make(map[ContextID]map[Conn]*group)
	c.mutex.Unlock()

	for _, m := range monitors {
		m.halt()
	}
	return c.evict("clear all", "", groups)
}

// Invalidate closes and forgets the handle for query in the (id, conn) group.
// It returns ErrNotFound when nothing is cached there.
func (c *Cache) Invalidate(id ContextID, conn Conn, query string) error {
	if err := checkConn(conn); err != nil {
		return err
	}
	c.mutex.Lock()
	g, ok := c.groups[id][conn]
	c.mutex.Unlock()
	if !ok {
		return ErrNotFound
	}
	err := g.invalidate(query)
	var ce CloseError
	if errors.As(err, &ce) {
		c.stats.closeFailures.Add(1)
	}
	return err
}

// Close stops every monitor, waits for them to exit, then evicts everything.
// The returned error is a CloseErrors batch when any statement failed to
// close. Later calls return the same result.
func (c *Cache) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext is Close with ctx bounding the wait for monitors to exit.
// Eviction runs whether or not the wait completed.
func (c *Cache) CloseContext(ctx context.Context) error {
	c.once.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.mutex.Unlock()
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.waitGroup.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("stopped waiting for lifecycle monitors: %s", ctx.Err())
		}
		c.closeErr = c.ClearAll().Err()
	})
	return c.closeErr
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	s := Stats{
		Owners:   len(c.groups),
		Monitors: len(c.monitors),
	}
	for _, byConn := range c.groups {
		s.Groups += len(byConn)
		for _, g := range byConn {
			s.Statements += g.size()
		}
	}
	c.mutex.Unlock()
	s.Prepares = c.stats.prepares.Load()
	s.Hits = c.stats.hits.Load()
	s.Evictions = c.stats.evictions.Load()
	s.CloseFailures = c.stats.closeFailures.Load()
	return s
}

// ownerTerminated is called by m once its owner has ended.
func (c *Cache) ownerTerminated(m *monitor) {
	id := m.owner.ID()
	c.mutex.Lock()
	if c.monitors[id] != m {
		// cleared or replaced while we were waking up
		c.mutex.Unlock()
		return
	}
	delete(c.monitors, id)
	groups := c.detachLocked(id)
	c.mutex.Unlock()

	if errs := c.evict("context ended", id, groups); len(errs) > 0 {
		c.reportCloseErrors(id, errs)
	}
}

func (c *Cache) detachLocked(id ContextID) []*group {
	byConn := c.groups[id]
	delete(c.groups, id)
	groups := make([]*group, 0, len(byConn))
	for _, g := range byConn {
		groups = append(groups, g)
	}
	return groups
}

// evict closes groups that have already been detached from the directory.
func (c *Cache) evict(reason string, id ContextID, groups []*group) CloseErrors {
	if len(groups) == 0 {
		return nil
	}
	_, span := c.cfg.tracer.Start(context.Background(), "Evict", trace.WithAttributes(
		attrReason.String(reason),
		attrOwner.String(string(id)),
		attrGroups.Int(len(groups)),
	))
	defer span.End()

	var (
		mu   sync.Mutex
		errs CloseErrors
		eg   errgroup.Group
	)
	eg.SetLimit(c.cfg.closeConcurrency)
	for _, g := range groups {
		eg.Go(func() error {
			if failed := g.close(); len(failed) > 0 {
				mu.Lock()
				errs = append(errs, failed...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	c.stats.evictions.Add(int64(len(groups)))
	c.stats.closeFailures.Add(int64(len(errs)))
	span.SetAttributes(attrFailures.Int(len(errs)))
	if len(errs) > 0 {
		span.SetStatus(codes.Error, errs.Error())
	} else {
		span.SetStatus(codes.Ok, "evicted")
	}
	c.log.Debug("%s: evicted %d group(s) for %q, %d close failure(s)", reason, len(groups), id, len(errs))
	return errs
}

// reportCloseErrors surfaces failures that have no caller waiting on them.
func (c *Cache) reportCloseErrors(id ContextID, errs CloseErrors) {
	c.log.With(map[string]interface{}{"owner": string(id), "failures": len(errs)}).Error("closing statements: %s", errs)
	if c.cfg.onCloseError != nil {
		c.cfg.onCloseError(id, errs)
	}
}
