// Package deferred runs work after the HTTP response has been sent.
//
// Tasks run on a context detached from the request, bounded by a per-task
// timeout, with panics recovered and logged. Close drains in-flight tasks on
// shutdown.
package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wolfeidau/version-gateway/telemetry"
)

// DefaultTimeout bounds a single deferred task.
const DefaultTimeout = 30 * time.Second

// Group tracks background tasks spawned while serving requests.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Group.
type Option func(*Group)

// WithTimeout sets the per-task timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Group) {
		g.timeout = d
	}
}

// WithLogger sets the logger for task failures.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a Group.
func New(opts ...Option) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		ctx:     ctx,
		cancel:  cancel,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Go runs fn in the background. It reports false, without running fn, once
// the group is closed.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn("deferred task dropped after close", "task", name)
		telemetry.RecordDeferredTask(context.Background(), name, "dropped")
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		g.run(name, fn)
	}()
	return true
}

func (g *Group) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
	defer cancel()

	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			g.logger.Error("deferred task panicked",
				"task", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
		telemetry.RecordDeferredTask(ctx, name, outcome)
	}()

	if err := fn(ctx); err != nil {
		outcome = "error"
		g.logger.Warn("deferred task failed", "task", name, "error", err)
	}
}

// Wait blocks until all started tasks have finished.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Close stops accepting tasks and waits for in-flight ones. If ctx ends first
// the remaining tasks are cancelled and ctx.Err is returned once they exit.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}
