// Package bridge runs background jobs on a dedicated dispatcher, giving
// callers a future to wait on and a single place to stop everything on
// shutdown.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotStarted is returned when the dispatcher did not come up in time
	// or a job is submitted before Start.
	ErrNotStarted = errors.New("bridge: dispatcher not running")

	// ErrStopped is returned for jobs submitted after Stop.
	ErrStopped = errors.New("bridge: dispatcher stopped")
)

// startupTimeout bounds how long Start waits for the dispatcher goroutine.
const startupTimeout = 2 * time.Second

// stopGrace bounds how long Stop waits for in-flight jobs.
const stopGrace = 5 * time.Second

// Future is the pending result of a submitted job.
type Future struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Wait blocks until the job finishes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the job finishes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type job struct {
	name   string
	fn     func(ctx context.Context) (interface{}, error)
	future *Future
}

// Runner dispatches submitted jobs onto their own goroutines under a shared
// lifecycle context. Jobs run concurrently; Stop cancels the context and
// waits briefly for them to drain.
type Runner struct {
	jobs   chan job
	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an unstarted runner.
func New() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs:    make(chan job),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Start launches the dispatcher and waits for it to come up. It returns
// ErrNotStarted if the dispatcher does not signal readiness in time.
func (r *Runner) Start() error {
	go r.loop()

	select {
	case <-r.ready:
		return nil
	case <-time.After(startupTimeout):
		return ErrNotStarted
	}
}

func (r *Runner) loop() {
	close(r.ready)
	for {
		select {
		case j := <-r.jobs:
			r.wg.Add(1)
			go r.run(j)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Runner) run(j job) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("background job panicked", "job", j.name, "panic", rec)
			j.future.err = errors.New("bridge: job panicked")
			close(j.future.done)
		}
	}()

	result, err := j.fn(r.ctx)
	j.future.result = result
	j.future.err = err
	close(j.future.done)
}

// Submit hands fn to the dispatcher and returns its future. A submission
// racing startup waits up to the startup timeout for the dispatcher before
// giving up. fn receives the runner's lifecycle context and should return
// promptly once it is cancelled.
func (r *Runner) Submit(name string, fn func(ctx context.Context) (interface{}, error)) (*Future, error) {
	select {
	case <-r.ready:
	case <-r.stopped:
		return nil, ErrStopped
	case <-time.After(startupTimeout):
		return nil, ErrNotStarted
	}

	f := &Future{done: make(chan struct{})}
	select {
	case r.jobs <- job{name: name, fn: fn, future: f}:
		return f, nil
	case <-r.stopped:
		return nil, ErrStopped
	case <-r.ctx.Done():
		return nil, ErrStopped
	}
}

// Stop cancels in-flight jobs and waits up to the grace period for them to
// finish. It is safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.cancel()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGrace):
			slog.Warn("background jobs did not drain before shutdown")
		}
	})
}
