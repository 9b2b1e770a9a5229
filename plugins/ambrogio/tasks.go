package ambrogio

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// taskGroup runs background work scoped to the coordinator lifetime. Close
// cancels every task and waits for them to return.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newTaskGroup(logger *zap.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts fn unless the group is closed. Errors are logged.
func (g *taskGroup) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil && g.ctx.Err() == nil {
			g.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

var errGroupClosed = errors.New("coordinator closed")

// Do runs fn on the calling goroutine as a member of the group, so Close
// waits for it.
func (g *taskGroup) Do(fn func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errGroupClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	defer g.wg.Done()
	return fn(g.ctx)
}

func (g *taskGroup) wait() {
	g.wg.Wait()
}

func (g *taskGroup) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}
