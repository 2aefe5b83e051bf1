package gocondfetch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// taskGroup tracks the background work of one consumer (revalidations,
// polling, automatic fetches) so it can be cancelled and awaited as a whole.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	g      errgroup.Group
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel}
}

// Go runs fn with the group's context. It reports false once the group is closed.
func (t *taskGroup) Go(fn func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.g.Go(func() error {
		fn(t.ctx)
		return nil
	})
	return true
}

// Context is cancelled when the group closes.
func (t *taskGroup) Context() context.Context {
	return t.ctx
}

// Close cancels every task and waits for them to return. Safe to call more than once.
func (t *taskGroup) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	t.mu.Unlock()

	_ = t.g.Wait()
}
