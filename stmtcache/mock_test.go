package stmtcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-stmtcache/logger"
)

type fakeStmt struct {
	sql      string
	kind     Kind
	closes   atomic.Int32
	closeErr error
}

func (s *fakeStmt) Close() error {
	s.closes.Add(1)
	return s.closeErr
}

// fakeConn records every preparation. gate, when set, holds each preparation
// until it is closed or the call's context ends.
type fakeConn struct {
	name       string
	prepareErr error
	closeErr   error
	gate       chan struct{}

	mu       sync.Mutex
	prepares map[string]int
	stmts    []*fakeStmt
	started  chan string
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{
		name:     name,
		prepares: make(map[string]int),
		started:  make(chan string, 64),
	}
}

func (c *fakeConn) PrepareContext(ctx context.Context, query string) (Statement, error) {
	return c.prepare(ctx, query, KindQuery)
}

func (c *fakeConn) PrepareCallContext(ctx context.Context, query string) (Statement, error) {
	return c.prepare(ctx, query, KindCallable)
}

func (c *fakeConn) prepare(ctx context.Context, query string, kind Kind) (Statement, error) {
	c.mu.Lock()
	c.prepares[query]++
	c.mu.Unlock()
	select {
	case c.started <- query:
	default:
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	s := &fakeStmt{sql: query, kind: kind, closeErr: c.closeErr}
	c.mu.Lock()
	c.stmts = append(c.stmts, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConn) prepareCount(query string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepares[query]
}

func (c *fakeConn) statements() []*fakeStmt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakeStmt, len(c.stmts))
	copy(out, c.stmts)
	return out
}

// waitStarted blocks until a preparation of query has begun.
func (c *fakeConn) waitStarted(t *testing.T, query string) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case q := <-c.started:
			if q == query {
				return
			}
		case <-timeout:
			t.Fatalf("preparation of %q never started on %s", query, c.name)
		}
	}
}

// testOwner is an ExecutionContext whose termination the test controls.
type testOwner struct {
	id   ContextID
	done chan struct{}
	once sync.Once
}

func newTestOwner(id string) *testOwner {
	return &testOwner{id: ContextID(id), done: make(chan struct{})}
}

func (o *testOwner) ID() ContextID         { return o.id }
func (o *testOwner) Done() <-chan struct{} { return o.done }
func (o *testOwner) end()                  { o.once.Do(func() { close(o.done) }) }

func newTestCache(t *testing.T, opts ...Option) (*Cache, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	c := New(context.Background(), append([]Option{WithLogger(log)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, log
}
