package stmtcache

import (
	"context"

	"github.com/google/uuid"
)

// ContextID identifies an execution context. IDs must not be reused while the
// context they name is alive.
type ContextID string

// ExecutionContext is a logical unit of concurrent work that owns cached
// statements. Done must be closed once the context finishes; the cache then
// releases everything the context prepared.
type ExecutionContext interface {
	ID() ContextID
	Done() <-chan struct{}
}

type ownerKey struct{}

// NewContext returns a copy of ctx carrying owner, for use with
// Cache.PrepareContext.
func NewContext(ctx context.Context, owner ExecutionContext) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// FromContext returns the ExecutionContext stored in ctx, if any.
func FromContext(ctx context.Context) (ExecutionContext, bool) {
	owner, ok := ctx.Value(ownerKey{}).(ExecutionContext)
	return owner, ok && owner != nil
}

type owner struct {
	id   ContextID
	done <-chan struct{}
}

func (o owner) ID() ContextID         { return o.id }
func (o owner) Done() <-chan struct{} { return o.done }

// NewOwner builds an ExecutionContext from an existing identity and
// completion channel, for callers that already track their own workers.
func NewOwner(id ContextID, done <-chan struct{}) ExecutionContext {
	return owner{id: id, done: done}
}

// Task is the stock ExecutionContext: a uuid identity and a cancellable
// context. End is its end-of-work signal. Cancelling the parent also ends it.
type Task struct {
	id       ContextID
	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

var _ ExecutionContext = (*Task)(nil)

// NewTask starts a task under parent.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		id:     ContextID(uuid.NewString()),
		cancel: cancel,
	}
	t.ctx = NewContext(ctx, t)
	return t
}

// Go runs fn on a new goroutine as a task that ends when fn returns.
func Go(parent context.Context, fn func(t *Task)) *Task {
	t := NewTask(parent)
	t.finished = make(chan struct{})
	go func() {
		defer close(t.finished)
		defer t.End()
		fn(t)
	}()
	return t
}

func (t *Task) ID() ContextID { return t.id }

func (t *Task) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns the task's context. It carries the task, so it can be
// passed straight to Cache.PrepareContext.
func (t *Task) Context() context.Context { return t.ctx }

// End marks the task finished. It is safe to call more than once.
func (t *Task) End() { t.cancel() }

// Wait blocks until the task has ended and, for tasks started with Go, until
// fn has returned.
func (t *Task) Wait() {
	if t.finished != nil {
		<-t.finished
		return
	}
	<-t.Done()
}
