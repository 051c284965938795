// Package background runs fire-and-forget work after a response is sent.
//
// Tasks are best effort: a task that has not finished when the process exits
// is lost, and a task offered while the runner is saturated or closed is
// dropped. Security decisions never depend on a task completing.
package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of deferred work. ctx is cancelled when the runner drains
// past its deadline.
type Task func(ctx context.Context)

// Scheduler hands a task to whatever runs deferred work. It must not block.
type Scheduler func(Task)

// DefaultMaxInFlight bounds concurrently running tasks.
const DefaultMaxInFlight = 256

// Runner executes tasks on detached goroutines with bounded concurrency.
type Runner struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	onDrop  func()
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxInFlight sets the concurrency bound.
func WithMaxInFlight(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// WithDropHook registers a callback invoked for every dropped task.
func WithDropHook(fn func()) Option {
	return func(r *Runner) { r.onDrop = fn }
}

// NewRunner creates a runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, DefaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go schedules task without blocking. It satisfies Scheduler.
func (r *Runner) Go(task Task) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop("closed")
		return
	}

	select {
	case r.slots <- struct{}{}:
	default:
		r.drop("saturated")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background_task_panic", "panic", rec)
			}
		}()
		task(r.ctx)
	}()
}

func (r *Runner) drop(why string) {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
	r.logger.Debug("background_task_dropped", "reason", why)
}

// Dropped returns how many tasks were dropped.
func (r *Runner) Dropped() int64 {
	return r.dropped.Load()
}

// Drain stops accepting tasks and waits up to timeout for running ones.
// Tasks still running at the deadline see their context cancelled.
// It reports whether all tasks finished in time.
func (r *Runner) Drain(timeout time.Duration) bool {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return true
	case <-time.After(timeout):
		r.cancel()
		r.logger.Warn("background_drain_timeout",
			"timeout", timeout,
			"in_flight", len(r.slots),
		)
		return false
	}
}

// Inline runs tasks synchronously on the caller's goroutine. It is meant for
// tests and one-shot CLI commands that need the side effects before returning.
func Inline(ctx context.Context) Scheduler {
	return func(t Task) { t(ctx) }
}

// Discard drops every task.
func Discard(Task) {}
